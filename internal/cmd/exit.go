package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/kioskbench/pkg/orchestrator"
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// exitError returns an error that makes Execute exit with code. An
// orchestrator ConfigError anywhere in err's chain forces the usage code.
func exitError(code int, message string, err error) error {
	var cfgErr *orchestrator.ConfigError
	if errors.As(err, &cfgErr) {
		code = foundry.ExitInvalidArgument
	}
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitWithCode logs the failure and exits immediately. Commands return
// exitError instead; this is for failures outside a RunE.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	logger.Error(message, zap.Int("exit_code", code), zap.Error(err))
	_ = logger.Sync()
	os.Exit(code)
}

// signalContext is cancelled by the first SIGINT or SIGTERM. Once it is
// cancelled the default handlers are restored, so a second signal kills the
// process.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()
	return ctx, stop
}
