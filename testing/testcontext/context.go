// Package testcontext gives tests a context carrying a working o11y provider, so harness
// logs appear in the test output.
package testcontext

import (
	"context"

	"github.com/circleci/harness/config/o11y"
)

// ctx is a global singleton, initialised at package time since the beeline underneath
// the provider is itself a global.
var ctx = newContext()

// Background returns a context for use in tests which contains a working o11y, so you get logs.
func Background() context.Context {
	return ctx
}

func newContext() context.Context {
	cx, _, err := o11y.Setup(context.Background(), o11y.Config{
		Format:  "color",
		Service: "test-service",
		Version: "dev",
	})
	if err != nil {
		panic(err)
	}
	return cx
}
