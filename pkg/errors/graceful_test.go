package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/imapcache/consts"
)

func TestFatalErrorMatchesSentinel(t *testing.T) {
	cause := stderrors.New("slot 3 linked twice")
	err := fmt.Errorf("insert: %w", NewFatalError("cache insert", cause))

	assert.True(t, IsFatal(err))
	assert.True(t, stderrors.Is(err, consts.ErrFatal))
	assert.True(t, stderrors.Is(err, cause))
	assert.False(t, IsFatal(consts.ErrProtocol))
	assert.False(t, IsFatal(nil))
}

func TestErrorHandlerReport(t *testing.T) {
	eh := NewErrorHandler()

	assert.False(t, eh.Report("login", fmt.Errorf("%w: bad tag", consts.ErrProtocol)))
	_, requested := eh.WaitForExitWithTimeout(10 * time.Millisecond)
	assert.False(t, requested, "recoverable errors must not stop the process")

	fatal := NewFatalError("cache", stderrors.New("corrupt"))
	assert.True(t, eh.Report("login", fatal))
	assert.True(t, eh.Report("login", fatal), "second report must not block")

	code, requested := eh.WaitForExitWithTimeout(time.Second)
	require.True(t, requested)
	assert.Equal(t, 1, code)

	var fe *FatalError
	require.True(t, stderrors.As(eh.Err(), &fe))
	assert.Equal(t, "login", fe.Operation)
}

func TestWaitForExitContext(t *testing.T) {
	eh := NewErrorHandler()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, 0, eh.WaitForExit(ctx))
}
