// Package kiosk is an HTTP client for the kiosk frontend API.
//
// Every call is a JSON POST. Transport failures and undecodable responses are
// retried on a fixed interval until the context ends; the underlying
// http.Transport never retries on its own, so each attempt is visible in the
// logs.
package kiosk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/kioskbench/pkg/clock"
)

// API routes exposed by the kiosk frontend.
const (
	RoutePredict = "/api/predict"
	RouteRedis   = "/api/redis"
	RouteExpire  = "/api/redis/expire"
	RouteUpload  = "/api/upload"
)

// Config configures a Client.
type Config struct {
	// Host is the kiosk frontend address. A missing scheme defaults to http.
	Host string

	// RetryInterval is the wait between attempts of a failed call.
	// Default: 10s
	RetryInterval time.Duration

	// RateLimit caps outbound requests per second across all jobs.
	// Zero means unlimited.
	RateLimit float64

	// Clock drives retry waits. Default: clock.Real().
	Clock clock.Clock
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{RetryInterval: 10 * time.Second}
}

// Client talks to one kiosk frontend. It is safe for concurrent use.
type Client struct {
	host          string
	http          *http.Client
	retryInterval time.Duration
	limiter       *rate.Limiter
	clock         clock.Clock
	logger        *zap.Logger
}

// NewHTTPClient returns an *http.Client whose transport keeps at most
// maxConnsPerHost connections open to any host.
func NewHTTPClient(maxConnsPerHost int) *http.Client {
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = 64
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxConnsPerHost:       maxConnsPerHost,
		MaxIdleConns:          maxConnsPerHost,
		MaxIdleConnsPerHost:   maxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// New creates a Client. A nil httpClient gets a bounded client from
// NewHTTPClient; a nil logger discards output.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	host := NormalizeHost(cfg.Host)
	if host == "" {
		return nil, errors.New("kiosk host is required")
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultConfig().RetryInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if httpClient == nil {
		httpClient = NewHTTPClient(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		host:          host,
		http:          httpClient,
		retryInterval: cfg.RetryInterval,
		clock:         cfg.Clock,
		logger:        logger,
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return c, nil
}

// NormalizeHost trims whitespace and trailing slashes and adds an http://
// scheme when none is present.
func NormalizeHost(host string) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		return ""
	}
	lower := strings.ToLower(host)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		host = "http://" + host
	}
	return host
}

// Host returns the normalized host.
func (c *Client) Host() string { return c.host }

// HTTPClient returns the shared HTTP client.
func (c *Client) HTTPClient() *http.Client { return c.http }

// CreateRequest is the payload of RoutePredict.
type CreateRequest struct {
	ModelName           string `json:"modelName"`
	ModelVersion        string `json:"modelVersion"`
	PreprocessFunction  string `json:"preprocessFunction"`
	PostprocessFunction string `json:"postprocessFunction"`
	ImageName           string `json:"imageName"`
	JobType             string `json:"jobType"`
	// DataRescale is "" when unset, otherwise a float64.
	DataRescale any `json:"dataRescale"`
	// DataLabel is "" when unset, otherwise an int.
	DataLabel    any    `json:"dataLabel"`
	UploadedName string `json:"uploadedName"`
}

// CreateJob submits a job and returns its hash. An empty hash means the
// frontend answered without one.
func (c *Client) CreateJob(ctx context.Context, req CreateRequest) (string, error) {
	var resp struct {
		Hash *string `json:"hash"`
	}
	if err := c.postJSON(ctx, RoutePredict, "", "REDIS CREATE", req, &resp); err != nil {
		return "", err
	}
	if resp.Hash == nil {
		c.logger.Error("Create response has no job hash")
		return "", nil
	}
	c.logger.Debug("Job created", zap.String("job_id", *resp.Hash))
	return *resp.Hash, nil
}

// HGet reads one field of a job hash. ok is false when the field is absent.
// Numeric and boolean values are returned in their JSON text form.
func (c *Client) HGet(ctx context.Context, hash, key string) (value string, ok bool, err error) {
	var resp struct {
		Value json.RawMessage `json:"value"`
	}
	payload := map[string]string{"hash": hash, "key": key}
	if err := c.postJSON(ctx, RouteRedis, hash, "REDIS HGET "+key, payload, &resp); err != nil {
		return "", false, err
	}
	return rawToString(resp.Value)
}

// Expire sets the TTL of a job hash and returns the frontend's reply value
// (1 on success).
func (c *Client) Expire(ctx context.Context, hash string, expireIn int) (int, error) {
	var resp struct {
		Value json.RawMessage `json:"value"`
	}
	payload := struct {
		Hash     string `json:"hash"`
		ExpireIn int    `json:"expireIn"`
	}{hash, expireIn}
	if err := c.postJSON(ctx, RouteExpire, hash, "REDIS EXPIRE", payload, &resp); err != nil {
		return 0, err
	}
	s, ok, err := rawToString(resp.Value)
	if err != nil || !ok {
		return 0, err
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("expire returned non-numeric value %q", s)
	}
	return int(f), nil
}

// Upload sends localPath to RouteUpload as a multipart form, naming the part
// destName, and returns the name the frontend stored it under.
func (c *Client) Upload(ctx context.Context, localPath, destName string) (string, error) {
	if _, err := os.Stat(localPath); err != nil {
		return "", fmt.Errorf("stat upload source: %w", err)
	}

	label := "UPLOAD " + localPath
	resp, err := retry.DoWithData(
		func() (string, error) {
			if err := c.wait(ctx); err != nil {
				return "", retry.Unrecoverable(err)
			}
			body, contentType, err := multipartBody(localPath, destName)
			if err != nil {
				return "", retry.Unrecoverable(err)
			}
			var out struct {
				UploadedName string `json:"uploadedName"`
			}
			if err := c.do(ctx, RouteUpload, contentType, body, &out); err != nil {
				return "", err
			}
			return out.UploadedName, nil
		},
		c.retryOptions(ctx, "", label)...,
	)
	if err != nil {
		return "", err
	}
	return resp, nil
}

// Ping checks that the frontend answers HTTP at all. Any status code counts.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (c *Client) postJSON(ctx context.Context, route, jobID, label string, payload, out any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", label, err)
	}
	_, err = retry.DoWithData(
		func() (struct{}, error) {
			if err := c.wait(ctx); err != nil {
				return struct{}{}, retry.Unrecoverable(err)
			}
			return struct{}{}, c.do(ctx, route, "application/json", bytes.NewReader(b), out)
		},
		c.retryOptions(ctx, jobID, label)...,
	)
	return err
}

func (c *Client) retryOptions(ctx context.Context, jobID, label string) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.UntilSucceeded(),
		retry.Delay(c.retryInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.WithTimer(c.clock),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("Kiosk request failed, retrying",
				zap.String("job_id", jobID),
				zap.String("request", label),
				zap.Uint("attempt", n+1),
				zap.Duration("retry_in", c.retryInterval),
				zap.Error(err))
		}),
	}
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// do performs a single POST and decodes the JSON body into out regardless of
// the status code.
func (c *Client) do(ctx context.Context, route, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+route, body)
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req.Header.Set("Content-Type", contentType)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return retry.Unrecoverable(ctx.Err())
		}
		return fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	log := c.logger.Debug
	if resp.StatusCode != http.StatusOK {
		log = c.logger.Warn
	}
	log("Kiosk response",
		zap.String("method", req.Method),
		zap.String("url", req.URL.String()),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", route, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &DecodeError{Route: route, Status: resp.StatusCode, Err: err}
	}
	return nil
}

// DecodeError reports a response body that was not valid JSON.
type DecodeError struct {
	Route  string
	Status int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s response (status %d): %v", e.Route, e.Status, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func multipartBody(localPath, destName string) (io.Reader, string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = f.Close() }()

	if destName == "" {
		destName = filepath.Base(localPath)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", destName)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func rawToString(raw json.RawMessage) (string, bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false, err
	}
	switch t := v.(type) {
	case string:
		return t, true, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true, nil
	case bool:
		return strconv.FormatBool(t), true, nil
	default:
		return string(raw), true, nil
	}
}
