package termination

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/poll"

	"github.com/circleci/harness/testing/testcontext"
)

func TestHandle_ContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(testcontext.Background())
	cancel()

	assert.Check(t, Handle(ctx))
}

func TestHandle_Signal(t *testing.T) {
	// keep the default action from killing the test binary before Handle is listening
	guard := make(chan os.Signal, 16)
	signal.Notify(guard, syscall.SIGTERM)
	t.Cleanup(func() { signal.Stop(guard) })

	ctx, cancel := context.WithTimeout(testcontext.Background(), 10*time.Second)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- Handle(ctx)
	}()

	var err error
	poll.WaitOn(t, func(t poll.LogT) poll.Result {
		if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
			return poll.Error(err)
		}
		select {
		case err = <-result:
			return poll.Success()
		default:
			return poll.Continue("waiting for the signal to be handled")
		}
	}, poll.WithTimeout(5*time.Second), poll.WithDelay(50*time.Millisecond))

	assert.Check(t, cmp.ErrorIs(err, ErrTerminated))
	assert.Check(t, cmp.ErrorContains(err, "terminated"))
}
