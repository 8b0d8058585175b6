package recontext

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
)

type key struct{}

func TestWithNewTimeout(t *testing.T) {
	parent, cancel := context.WithCancel(context.WithValue(context.Background(), key{}, "value"))
	cancel()
	assert.Check(t, cmp.ErrorIs(parent.Err(), context.Canceled))

	ctx, cancelNew := WithNewTimeout(parent, time.Minute)
	defer cancelNew()

	assert.Check(t, ctx.Err())
	assert.Check(t, cmp.Equal(ctx.Value(key{}), "value"))

	deadline, ok := ctx.Deadline()
	assert.Check(t, ok)
	assert.Check(t, time.Until(deadline) > 50*time.Second)
}

func TestWithNewTimeout_Expires(t *testing.T) {
	ctx, cancel := WithNewTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context did not expire")
	}
	assert.Check(t, cmp.ErrorIs(ctx.Err(), context.DeadlineExceeded))
}
