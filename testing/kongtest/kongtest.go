// Package kongtest helps test kong command lines without exiting the test binary.
package kongtest

import (
	"bytes"
	"testing"

	"github.com/alecthomas/kong"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
)

// Help renders the --help output for cli. Required arguments are not checked.
func Help(t *testing.T, cli interface{}) string {
	t.Helper()

	w := bytes.NewBuffer(nil)
	rc := -1
	app, err := kong.New(cli,
		kong.Name("test-app"),
		kong.Writers(w, w),
		kong.Exit(func(i int) {
			rc = i
		}),
	)
	assert.Assert(t, err)

	// parsing carries on past the help exit, so missing required arguments may be reported
	_, _ = app.Parse([]string{"--help"})
	assert.Check(t, cmp.Equal(rc, 0))

	return w.String()
}

// Parse parses args into cli, failing the test if kong would have exited.
func Parse(t *testing.T, cli interface{}, args ...string) error {
	t.Helper()

	w := bytes.NewBuffer(nil)
	app, err := kong.New(cli,
		kong.Name("test-app"),
		kong.Writers(w, w),
		kong.Exit(func(i int) {
			t.Fatalf("exited with %d: %s", i, w.String())
		}),
	)
	assert.Assert(t, err)

	_, err = app.Parse(args)
	return err
}
