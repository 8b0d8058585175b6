// Package recontext derives contexts that keep their parent's values, such as the o11y provider,
// but not its cancellation. Cleanup that must happen however its caller was interrupted runs on one.
package recontext

import (
	"context"
	"time"
)

// valueOnlyContext suppresses the deadline and cancellation of the context it wraps. It is never
// handed out bare, so everything derived from it still has a deadline of its own.
type valueOnlyContext struct{ context.Context }

// WithNewTimeout returns a context carrying parent's values that is cancelled only after
// timeout, whatever happens to parent.
func WithNewTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(&valueOnlyContext{parent}, timeout)
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return time.Time{}, false }
func (valueOnlyContext) Done() <-chan struct{}                   { return nil }
func (valueOnlyContext) Err() error                              { return nil }
