// Package errors separates the failures that end a single login attempt from
// the ones that mean the process itself can no longer be trusted.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/migadu/imapcache/consts"
	"github.com/migadu/imapcache/logger"
)

// FatalError is an internal invariant violation, such as a corrupted
// connection table. It matches consts.ErrFatal with errors.Is.
type FatalError struct {
	Operation string
	Err       error
}

func (f *FatalError) Error() string {
	return fmt.Sprintf("fatal: operation '%s' failed: %v", f.Operation, f.Err)
}

func (f *FatalError) Unwrap() error {
	return f.Err
}

func (f *FatalError) Is(target error) bool {
	return target == consts.ErrFatal
}

func NewFatalError(operation string, err error) *FatalError {
	return &FatalError{
		Operation: operation,
		Err:       err,
	}
}

// IsFatal reports whether err, or anything it wraps, is fatal.
func IsFatal(err error) bool {
	return stderrors.Is(err, consts.ErrFatal)
}

// ErrorHandler is the top-level supervisor. Components report fatal errors
// to it; the main goroutine waits on it and shuts the process down.
type ErrorHandler struct {
	exitChannel chan int

	mu    sync.Mutex
	first error
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{
		exitChannel: make(chan int, 1),
	}
}

// Report inspects err and escalates it if it is fatal. It returns true when
// the process should stop.
func (eh *ErrorHandler) Report(operation string, err error) bool {
	if !IsFatal(err) {
		return false
	}
	eh.FatalError(operation, err)
	return true
}

// FatalError records err and requests process exit.
func (eh *ErrorHandler) FatalError(operation string, err error) {
	eh.mu.Lock()
	if eh.first == nil {
		eh.first = NewFatalError(operation, err)
	}
	eh.mu.Unlock()

	logger.Error("FATAL: shutting down", "operation", operation, "error", err)
	eh.requestExit(1)
}

// ConfigError reports a configuration file that could not be used.
func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		logger.Error("Configuration file not found", "path", configPath, "error", err)
	} else {
		logger.Error("Failed to load configuration file", "path", configPath, "error", err)
	}
	eh.requestExit(2)
}

// Err returns the first fatal error reported, if any.
func (eh *ErrorHandler) Err() error {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	return eh.first
}

func (eh *ErrorHandler) requestExit(code int) {
	select {
	case eh.exitChannel <- code:
	default:
	}
}

// WaitForExit blocks until an exit is requested or ctx is done. A cancelled
// context yields exit code 0.
func (eh *ErrorHandler) WaitForExit(ctx context.Context) int {
	select {
	case code := <-eh.exitChannel:
		return code
	case <-ctx.Done():
		logger.Info("Graceful shutdown initiated")
		return 0
	}
}

// WaitForExitWithTimeout is WaitForExit with a deadline. The boolean is false
// if nothing was requested in time.
func (eh *ErrorHandler) WaitForExitWithTimeout(timeout time.Duration) (int, bool) {
	select {
	case code := <-eh.exitChannel:
		return code, true
	case <-time.After(timeout):
		return 0, false
	}
}
