package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/3leaps/kioskbench/pkg/provider"
	"github.com/3leaps/kioskbench/pkg/provider/file"
	"github.com/3leaps/kioskbench/pkg/provider/s3"
)

// URI parsing errors
var (
	// ErrInvalidURI indicates the URI could not be parsed.
	ErrInvalidURI = errors.New("invalid URI")

	// ErrUnsupportedProvider indicates the URI scheme is not supported.
	ErrUnsupportedProvider = errors.New("unsupported provider")

	// ErrMissingBucket indicates the URI is missing a bucket name.
	ErrMissingBucket = errors.New("missing bucket name")
)

// Upload target kinds.
const (
	TargetKiosk = "kiosk"
	TargetS3    = "s3"
	TargetFile  = "file"
)

// ObjectURI is a parsed storage location.
//
// Example URIs:
//   - s3://bucket
//   - s3://bucket/benchmarks/
//   - file:///var/lib/kioskbench/storage
type ObjectURI struct {
	// Provider is "s3" or "file".
	Provider string

	// Bucket is the bucket name. Empty for file URIs.
	Bucket string

	// Key is the prefix inside the bucket, without leading or trailing
	// slashes. For file URIs it is the absolute directory.
	Key string
}

// String returns the URI in canonical form.
func (u *ObjectURI) String() string {
	if u.Provider == TargetFile {
		return "file://" + u.Key
	}
	if u.Key != "" {
		return fmt.Sprintf("%s://%s/%s/", u.Provider, u.Bucket, u.Key)
	}
	return fmt.Sprintf("%s://%s/", u.Provider, u.Bucket)
}

// ParseURI parses an s3:// or file:// URI.
func ParseURI(uri string) (*ObjectURI, error) {
	if uri == "" {
		return nil, fmt.Errorf("%w: empty URI", ErrInvalidURI)
	}

	schemeEnd := strings.Index(uri, "://")
	if schemeEnd == -1 {
		return nil, fmt.Errorf("%w: missing scheme (expected s3://... or file:///...)", ErrInvalidURI)
	}

	scheme := strings.ToLower(uri[:schemeEnd])
	remainder := uri[schemeEnd+3:]
	switch scheme {
	case TargetFile:
		if !strings.HasPrefix(remainder, "/") {
			return nil, fmt.Errorf("%w: file URI %s must hold an absolute path (file:///dir)", ErrInvalidURI, uri)
		}
		return &ObjectURI{Provider: TargetFile, Key: filepath.Clean(remainder)}, nil
	case TargetS3:
	default:
		return nil, fmt.Errorf("%w: %s (supported: s3, file)", ErrUnsupportedProvider, scheme)
	}

	if remainder == "" {
		return nil, fmt.Errorf("%w: in %s", ErrMissingBucket, uri)
	}
	bucket, key, _ := strings.Cut(remainder, "/")
	if bucket == "" {
		return nil, fmt.Errorf("%w: in %s", ErrMissingBucket, uri)
	}
	if _, err := url.Parse("s3://" + bucket + "/"); err != nil || strings.ContainsAny(bucket, " *?") {
		return nil, fmt.Errorf("%w: invalid bucket name %q", ErrInvalidURI, bucket)
	}

	return &ObjectURI{Provider: TargetS3, Bucket: bucket, Key: strings.Trim(key, "/")}, nil
}

// StorageOptions are the S3 connection settings a target URI does not carry.
type StorageOptions struct {
	Region         string
	Endpoint       string
	Profile        string
	ForcePathStyle bool
}

// UploadTarget is a resolved upload destination.
type UploadTarget struct {
	// Kind is TargetKiosk, TargetS3 or TargetFile.
	Kind string
	URI  *ObjectURI

	// Provider is nil for kiosk targets.
	Provider provider.Provider

	// Prefix is the key prefix jobs reference: the URI path joined with the
	// configured upload prefix.
	Prefix string
}

// Close releases the provider, if any.
func (t *UploadTarget) Close() error {
	if t == nil || t.Provider == nil {
		return nil
	}
	return t.Provider.Close()
}

// resolveUploadTarget interprets target ("kiosk", "", or a storage URI).
// Providers are only constructed when connect is true, so plans and
// validation never touch the network.
func resolveUploadTarget(ctx context.Context, target, prefix string, opts StorageOptions, connect bool) (*UploadTarget, error) {
	target = strings.TrimSpace(target)
	prefix = strings.Trim(prefix, "/")
	if target == "" || strings.EqualFold(target, TargetKiosk) {
		return &UploadTarget{Kind: TargetKiosk, Prefix: prefix}, nil
	}

	u, err := ParseURI(target)
	if err != nil {
		return nil, err
	}
	t := &UploadTarget{Kind: u.Provider, URI: u}
	switch u.Provider {
	case TargetFile:
		t.Prefix = prefix
		if connect {
			p, err := file.New(file.Config{BaseDir: u.Key})
			if err != nil {
				return nil, err
			}
			t.Provider = p
		}
	case TargetS3:
		t.Prefix = strings.Trim(path.Join(u.Key, prefix), "/")
		if connect {
			p, err := s3.New(ctx, s3.Config{
				Bucket:         u.Bucket,
				Region:         opts.Region,
				Endpoint:       opts.Endpoint,
				Profile:        opts.Profile,
				ForcePathStyle: opts.ForcePathStyle || opts.Endpoint != "",
			})
			if err != nil {
				return nil, err
			}
			t.Provider = p
		}
	}
	return t, nil
}
