package kiosk

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

func newTestClient(t *testing.T, r http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	c, err := New(Config{Host: srv.URL, RetryInterval: time.Millisecond}, srv.Client(), nil)
	require.NoError(t, err)
	return c
}

func TestNormalizeHost(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"kiosk.example.com", "http://kiosk.example.com"},
		{"10.0.0.1:8080/", "http://10.0.0.1:8080"},
		{"https://kiosk.example.com", "https://kiosk.example.com"},
		{"HTTP://kiosk", "HTTP://kiosk"},
		{"  ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeHost(tt.in))
		})
	}
}

func TestNew_RequiresHost(t *testing.T) {
	_, err := New(Config{}, nil, nil)
	require.Error(t, err)
}

func TestCreateJob(t *testing.T) {
	var got CreateRequest
	r := chi.NewRouter()
	r.Post(RoutePredict, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"hash":"predict:abc"}`))
	})
	c := newTestClient(t, r)

	id, err := c.CreateJob(context.Background(), CreateRequest{
		ModelName:    "NuclearSegmentation",
		ModelVersion: "0",
		ImageName:    "a.tif",
		JobType:      "segmentation",
		DataRescale:  "",
		DataLabel:    1,
		UploadedName: "uploads/a.tif",
	})
	require.NoError(t, err)
	assert.Equal(t, "predict:abc", id)
	assert.Equal(t, "uploads/a.tif", got.UploadedName)
	assert.Equal(t, "", got.DataRescale)
	assert.Equal(t, float64(1), got.DataLabel)
}

func TestCreateJob_MissingHash(t *testing.T) {
	r := chi.NewRouter()
	r.Post(RoutePredict, func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte(`{"error":"bad model"}`))
	})
	c := newTestClient(t, r)

	id, err := c.CreateJob(context.Background(), CreateRequest{})
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestHGet_ValueKinds(t *testing.T) {
	values := map[string]string{
		"status":     `"done"`,
		"total_time": `12.5`,
		"missing":    `null`,
		"flag":       `true`,
	}
	r := chi.NewRouter()
	r.Post(RouteRedis, func(w http.ResponseWriter, req *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "predict:abc", body["hash"])
		_, _ = w.Write([]byte(`{"value":` + values[body["key"]] + `}`))
	})
	c := newTestClient(t, r)
	ctx := context.Background()

	v, ok, err := c.HGet(ctx, "predict:abc", "status")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "done", v)

	v, ok, err = c.HGet(ctx, "predict:abc", "total_time")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "12.5", v)

	_, ok, err = c.HGet(ctx, "predict:abc", "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	v, _, err = c.HGet(ctx, "predict:abc", "flag")
	require.NoError(t, err)
	assert.Equal(t, "true", v)
}

func TestHGet_RetriesUntilJSON(t *testing.T) {
	var calls atomic.Int32
	r := chi.NewRouter()
	r.Post(RouteRedis, func(w http.ResponseWriter, req *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("<html>bad gateway</html>"))
			return
		}
		_, _ = w.Write([]byte(`{"value":"new"}`))
	})
	c := newTestClient(t, r)

	v, ok, err := c.HGet(context.Background(), "h", "status")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "new", v)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHGet_RetryWaitsOnClock(t *testing.T) {
	var calls atomic.Int32
	r := chi.NewRouter()
	r.Post(RouteRedis, func(w http.ResponseWriter, req *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"value":"done"}`))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	fc := clocktesting.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	c, err := New(Config{Host: srv.URL, RetryInterval: time.Hour, Clock: fc}, srv.Client(), nil)
	require.NoError(t, err)

	type result struct {
		v   string
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, _, err := c.HGet(context.Background(), "h", "status")
		done <- result{v, err}
	}()

	require.Eventually(t, fc.HasWaiters, 5*time.Second, time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	fc.Step(time.Hour)

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, "done", got.v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPostJSON_StopsOnContextCancel(t *testing.T) {
	r := chi.NewRouter()
	r.Post(RouteRedis, func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte("not json"))
	})
	c := newTestClient(t, r)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := c.HGet(ctx, "h", "status")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExpire(t *testing.T) {
	r := chi.NewRouter()
	r.Post(RouteExpire, func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Hash     string `json:"hash"`
			ExpireIn int    `json:"expireIn"`
		}
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, 3600, body.ExpireIn)
		_, _ = w.Write([]byte(`{"value":1}`))
	})
	c := newTestClient(t, r)

	v, err := c.Expire(context.Background(), "predict:abc", 3600)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestUpload(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "cells.tif")
	require.NoError(t, os.WriteFile(src, []byte("II*\x00data"), 0o644))

	r := chi.NewRouter()
	r.Post(RouteUpload, func(w http.ResponseWriter, req *http.Request) {
		f, hdr, err := req.FormFile("file")
		require.NoError(t, err)
		defer func() { _ = f.Close() }()
		b, _ := io.ReadAll(f)
		assert.Equal(t, "II*\x00data", string(b))
		_, _ = w.Write([]byte(`{"uploadedName":"uploads/` + hdr.Filename + `"}`))
	})
	c := newTestClient(t, r)

	name, err := c.Upload(context.Background(), src, "0123abcd.tif")
	require.NoError(t, err)
	assert.Equal(t, "uploads/0123abcd.tif", name)

	_, err = c.Upload(context.Background(), filepath.Join(dir, "missing.tif"), "x.tif")
	require.Error(t, err)
}

func TestRateLimit(t *testing.T) {
	r := chi.NewRouter()
	r.Post(RouteRedis, func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte(`{"value":"ok"}`))
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c, err := New(Config{Host: srv.URL, RateLimit: 1000}, srv.Client(), nil)
	require.NoError(t, err)
	require.NotNil(t, c.limiter)

	for i := 0; i < 3; i++ {
		_, _, err := c.HGet(context.Background(), "h", "status")
		require.NoError(t, err)
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c, err := New(Config{Host: srv.URL}, nil, nil)
	require.NoError(t, err)
	assert.NoError(t, c.Ping(context.Background()))

	srv.Close()
	assert.Error(t, c.Ping(context.Background()))
}

func TestNewHTTPClient_Bounded(t *testing.T) {
	hc := NewHTTPClient(8)
	tr, ok := hc.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 8, tr.MaxConnsPerHost)

	tr = NewHTTPClient(0).Transport.(*http.Transport)
	assert.Equal(t, 64, tr.MaxConnsPerHost)
}
