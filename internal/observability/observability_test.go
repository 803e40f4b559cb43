package observability

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLogger_Validation(t *testing.T) {
	_, _, err := NewLogger("kioskbench", LogConfig{Level: "loud"})
	require.Error(t, err)

	_, _, err = NewLogger("kioskbench", LogConfig{Level: "info", Profile: "pretty"})
	require.Error(t, err)

	logger, closeSink, err := NewLogger("kioskbench", LogConfig{Level: "warn", Profile: "CONSOLE"})
	require.NoError(t, err)
	defer closeSink()
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
	assert.True(t, logger.Core().Enabled(zap.WarnLevel))
}

func TestConfigureCLILogger_FileSink(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	path := filepath.Join(t.TempDir(), "kioskbench.log")
	done, err := ConfigureCLILogger("kioskbench", LogConfig{Level: "debug", Profile: ProfileStructured, File: path})
	require.NoError(t, err)

	CLILogger.Info("Campaign started", zap.String("campaign_id", "c-1"))
	done()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(b))
	assert.Contains(t, line, `"msg":"Campaign started"`)
	assert.Contains(t, line, `"campaign_id":"c-1"`)
	assert.Contains(t, line, `"service":"kioskbench"`)
}

func TestInitCLILogger(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	InitCLILogger("kioskbench", true)
	assert.True(t, CLILogger.Core().Enabled(zap.DebugLevel))

	InitCLILogger("kioskbench", false)
	assert.False(t, CLILogger.Core().Enabled(zap.DebugLevel))
}

func TestMetricsHandler(t *testing.T) {
	orig := Registry
	defer func() { Registry = orig }()

	Registry = nil
	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	InitMetrics()
	rec = httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
