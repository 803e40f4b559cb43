// Package provider defines abstractions for the durable storage that
// campaign inputs and run reports are uploaded to.
//
// Providers implement a minimal surface area focused on writing objects and
// reading their metadata back. Authentication uses SDK default credential
// chains - providers should not implement custom auth logic.
package provider

import (
	"context"
	"io"
	"time"
)

// Provider abstracts object storage writes.
//
// Implementations should:
//   - Use SDK default credential chains (AWS default config)
//   - Be safe for concurrent use
type Provider interface {
	// PutObject creates or overwrites the object at key.
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error

	// Head returns metadata for a single object.
	// Returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// Close releases any resources held by the provider.
	Close() error
}

// ObjectMeta contains metadata for a single object.
// Returned by Head operations.
type ObjectMeta struct {
	// Key is the full object key (path) in the bucket.
	Key string

	// Size is the object size in bytes.
	Size int64

	// ETag is the entity tag, typically an MD5 hash of the object.
	ETag string

	// LastModified is when the object was last modified.
	LastModified time.Time

	// ContentType is the MIME type of the object.
	ContentType string
}

// ProviderType identifies a storage provider.
type ProviderType string

const (
	// ProviderS3 represents AWS S3 or S3-compatible storage
	// (including GCS through its interoperability endpoint).
	ProviderS3 ProviderType = "s3"

	// ProviderFile represents a local directory.
	ProviderFile ProviderType = "file"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}
