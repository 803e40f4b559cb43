// Package observability holds the process-wide logger and metrics registry.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger commands write to. It discards output until
// InitCLILogger or ConfigureCLILogger runs.
var CLILogger = zap.NewNop()

// Logging profiles.
const (
	ProfileStructured = "structured"
	ProfileConsole    = "console"
)

// LogConfig selects level, encoding and an optional file sink.
type LogConfig struct {
	Level   string
	Profile string
	File    string
}

// InitCLILogger installs a console logger on stderr at info, or debug when
// verbose.
func InitCLILogger(serviceName string, verbose bool) {
	level := "info"
	if verbose {
		level = "debug"
	}
	logger, _, err := NewLogger(serviceName, LogConfig{Level: level, Profile: ProfileConsole})
	if err != nil {
		return
	}
	CLILogger = logger
}

// ConfigureCLILogger replaces CLILogger according to cfg. The returned func
// flushes the logger and closes the file sink.
func ConfigureCLILogger(serviceName string, cfg LogConfig) (func(), error) {
	logger, closeSink, err := NewLogger(serviceName, cfg)
	if err != nil {
		return func() {}, err
	}
	CLILogger = logger
	return func() {
		_ = logger.Sync()
		closeSink()
	}, nil
}

// NewLogger builds a logger writing to stderr and, when cfg.File is set, to
// that file as JSON.
func NewLogger(serviceName string, cfg LogConfig) (*zap.Logger, func(), error) {
	level, err := zapcore.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(strings.TrimSpace(cfg.Profile)) {
	case "", ProfileStructured:
		encoder = zapcore.NewJSONEncoder(jsonEncoderConfig())
	case ProfileConsole:
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		encoder = zapcore.NewConsoleEncoder(ec)
	default:
		return nil, nil, fmt.Errorf("invalid logging profile %q (want %s or %s)", cfg.Profile, ProfileStructured, ProfileConsole)
	}

	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)}
	closeSink := func() {}
	if cfg.File != "" {
		sink, closeFn, err := zap.Open(cfg.File)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(jsonEncoderConfig()), sink, level))
		closeSink = closeFn
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if serviceName != "" {
		logger = logger.With(zap.String("service", serviceName))
	}
	return logger, closeSink, nil
}

func jsonEncoderConfig() zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	return ec
}
