package provider

import "context"

// Optional provider capability interfaces.
//
// These interfaces are used for feature detection (type assertions) by the
// preflight write probe. The core Provider interface remains intentionally
// small.

// ObjectDeleter can delete objects.
type ObjectDeleter interface {
	DeleteObject(ctx context.Context, key string) error
}

// MultipartUploader can create and abort multipart uploads.
//
// This provides a low-side-effect write probe when supported.
type MultipartUploader interface {
	CreateMultipartUpload(ctx context.Context, key string) (uploadID string, err error)
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
}
