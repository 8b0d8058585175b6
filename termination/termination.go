// Package termination waits for the harness, or a service under test, to be asked to stop.
package termination

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/circleci/harness/o11y"
)

var ErrTerminated = errors.New("terminated")

// Handle blocks until an interrupt or termination signal arrives, returning ErrTerminated, or
// until ctx is done, returning nil.
func Handle(ctx context.Context) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		o11y.Log(ctx, "termination: signal", o11y.Field("signal", sig.String()))
		return fmt.Errorf("%w: %s", ErrTerminated, sig)
	case <-ctx.Done():
		return nil
	}
}
