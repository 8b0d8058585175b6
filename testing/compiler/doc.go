/*
Package compiler builds the service binaries that acceptance tests launch, and cleans them up
afterwards.

Binaries are always stored in a temporary folder owned by the Compiler. Several binaries
can be built at once with Run:

	c := compiler.New()
	defer c.Cleanup()

	var service string
	err := c.Run(ctx, compiler.Work{
		Result: &service,
		Name:   "fakeservice",
		Target: "../..",
		Source: "./supervisor/internal/fakeservice",
	})
*/
package compiler
