// Package upload moves local files to durable storage under a prefix and
// returns the name each file was stored as.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/kioskbench/pkg/provider"
)

// Gateway uploads a local file under prefix. The returned name is relative
// to prefix.
type Gateway interface {
	Upload(ctx context.Context, localPath, prefix string, hashName bool) (string, error)
}

// DestName picks the stored name for localPath. With hashName it is a random
// 32-hex token carrying the original extension, otherwise the base name.
func DestName(localPath string, hashName bool) string {
	base := filepath.Base(localPath)
	if !hashName {
		return base
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "") + filepath.Ext(base)
}

// Default put retry policy for StorageGateway.
const (
	DefaultPutAttempts uint = 4
	DefaultPutDelay         = 500 * time.Millisecond
)

// StorageGateway uploads through a storage provider. Throttled or
// unavailable puts are retried from the start of the file.
type StorageGateway struct {
	p        provider.Provider
	logger   *zap.Logger
	attempts uint
	delay    time.Duration
}

// NewStorageGateway returns a gateway writing to p.
func NewStorageGateway(p provider.Provider, logger *zap.Logger) *StorageGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StorageGateway{p: p, logger: logger, attempts: DefaultPutAttempts, delay: DefaultPutDelay}
}

// WithRetry overrides the put retry policy. attempts of 1 disables retries.
func (g *StorageGateway) WithRetry(attempts uint, delay time.Duration) *StorageGateway {
	if attempts == 0 {
		attempts = 1
	}
	g.attempts, g.delay = attempts, delay
	return g
}

func retryablePut(err error) bool {
	return provider.IsThrottled(err) || provider.IsProviderUnavailable(err)
}

// Upload writes localPath to <prefix>/<name>.
func (g *StorageGateway) Upload(ctx context.Context, localPath, prefix string, hashName bool) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open upload source: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat upload source: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("upload source %s is a directory", localPath)
	}

	name := DestName(localPath, hashName)
	key := path.Join(strings.Trim(prefix, "/"), name)

	start := time.Now()
	err = retry.Do(
		func() error {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return retry.Unrecoverable(fmt.Errorf("rewind upload source: %w", err))
			}
			return g.p.PutObject(ctx, key, f, info.Size())
		},
		retry.Context(ctx),
		retry.Attempts(g.attempts),
		retry.Delay(g.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryablePut),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Warn("Retrying upload",
				zap.String("key", key),
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
	)
	if err != nil {
		return "", err
	}
	g.logger.Debug("Uploaded file",
		zap.String("source", localPath),
		zap.String("key", key),
		zap.Int64("bytes", info.Size()),
		zap.Duration("took", time.Since(start)))
	return name, nil
}

// Uploader is the kiosk frontend's upload call.
type Uploader interface {
	Upload(ctx context.Context, localPath, destName string) (string, error)
}

// ErrPrefixUnsupported is returned when a gateway cannot place a file under
// the requested prefix.
var ErrPrefixUnsupported = errors.New("upload prefix not supported by target")

// KioskGateway uploads through the cluster frontend, which stores files
// under its own upload prefix.
type KioskGateway struct {
	u        Uploader
	frontend string
	logger   *zap.Logger
}

// NewKioskGateway returns a gateway posting to u. frontendPrefix is where
// the frontend stores uploads; an empty value accepts any prefix.
func NewKioskGateway(u Uploader, frontendPrefix string, logger *zap.Logger) *KioskGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KioskGateway{u: u, frontend: strings.Trim(frontendPrefix, "/"), logger: logger}
}

// FrontendPrefix returns the prefix the frontend stores uploads under.
func (g *KioskGateway) FrontendPrefix() string { return g.frontend }

// Upload posts localPath and returns the stored name with prefix removed.
// A prefix other than the frontend's is refused before anything is sent.
func (g *KioskGateway) Upload(ctx context.Context, localPath, prefix string, hashName bool) (string, error) {
	if p := strings.Trim(prefix, "/"); p != "" && g.frontend != "" && p != g.frontend {
		return "", fmt.Errorf("%w: the kiosk stores uploads under %q, not %q", ErrPrefixUnsupported, g.frontend, p)
	}
	name := DestName(localPath, hashName)
	stored, err := g.u.Upload(ctx, localPath, name)
	if err != nil {
		return "", err
	}
	if stored == "" {
		return "", fmt.Errorf("upload of %s returned no name", localPath)
	}
	if p := strings.Trim(prefix, "/"); p != "" {
		stored = strings.TrimPrefix(stored, p+"/")
	}
	g.logger.Debug("Uploaded file", zap.String("source", localPath), zap.String("name", stored))
	return stored, nil
}

var (
	_ Gateway = (*StorageGateway)(nil)
	_ Gateway = (*KioskGateway)(nil)
)
