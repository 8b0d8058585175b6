package process

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/circleci/harness/o11y"
)

// Waiter is anything that can be blocked on until it exits.
type Waiter interface {
	Wait() int
}

// ExitError reports the exit codes of a set of processes, at least one of which is non-zero.
// Codes are in the order the processes exited.
type ExitError struct {
	Codes []int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("not all child processes exited gracefully: %v", e.Codes)
}

// WaitAll waits for all of procs to exit. Each process is waited on in its own goroutine so a
// cancelled ctx is noticed straight away, however long any one process takes. If ctx is done
// first its error is returned and the remaining waits are left to finish on their own.
func WaitAll(ctx context.Context, procs ...Waiter) (err error) {
	ctx, span := o11y.StartSpan(ctx, "process: wait all")
	defer o11y.End(span, &err)
	span.AddField("processes", len(procs))

	codes := make(chan int, len(procs))
	g := errgroup.Group{}
	for _, p := range procs {
		p := p
		g.Go(func() error {
			codes <- p.Wait()
			return nil
		})
	}

	results := make([]int, 0, len(procs))
	for len(results) < len(procs) {
		select {
		case code := <-codes:
			results = append(results, code)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	_ = g.Wait()

	span.AddField("exit_codes", fmt.Sprint(results))
	for _, code := range results {
		if code != 0 {
			return &ExitError{Codes: results}
		}
	}
	return nil
}
