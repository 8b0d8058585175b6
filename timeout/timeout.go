// Package timeout bounds the wall-clock time of a call.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultTimeout is used when Guard is given a zero or negative duration.
const DefaultTimeout = 5 * time.Second

var ErrTimeout = errors.New("timeout")

// Error is returned by Guard when the deadline passes before the call returns.
type Error struct {
	Name    string
	Timeout time.Duration
}

func (e *Error) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("timeout after %s", e.Timeout)
	}
	return fmt.Sprintf("%s: timeout after %s", e.Name, e.Timeout)
}

func (e *Error) Is(target error) bool {
	return target == ErrTimeout //nolint:errorlint // sentinel comparison
}

// Guard runs f with a context that is cancelled after d. If the deadline passes before f
// returns, Guard returns an Error immediately and f is abandoned, its context being cancelled
// so it can clean up after itself. f must tolerate being abandoned mid-call.
//
// The deadline is released on every path. Guards nest, the innermost deadline being
// the effective one.
func Guard(ctx context.Context, d time.Duration, f func(ctx context.Context) error) error {
	return GuardNamed(ctx, "", d, f)
}

// GuardNamed is Guard with a name used in the timeout error.
func GuardNamed(ctx context.Context, name string, d time.Duration, f func(ctx context.Context) error) error {
	if d <= 0 {
		d = DefaultTimeout
	}
	parent := ctx
	ctx, cancel := context.WithTimeout(parent, d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%s: panic: %v", name, r)
			}
		}()
		done <- f(ctx)
	}()

	select {
	case err := <-done:
		if errors.Is(err, context.DeadlineExceeded) && expired(parent, ctx) {
			return &Error{Name: name, Timeout: d}
		}
		return err
	case <-ctx.Done():
		if expired(parent, ctx) {
			return &Error{Name: name, Timeout: d}
		}
		if err := parent.Err(); err != nil {
			return err
		}
		return ctx.Err()
	}
}

// expired reports whether the guard's own deadline fired, rather than the parent being done.
// A parent is always done before its children, so a done parent means the guard did not fire.
func expired(parent, guarded context.Context) bool {
	return parent.Err() == nil && errors.Is(guarded.Err(), context.DeadlineExceeded)
}
