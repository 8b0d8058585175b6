package colourise

import (
	"bytes"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
)

func TestApplyColour_Deterministic(t *testing.T) {
	assert.Check(t, cmp.Equal(ApplyColour("instance-1"), ApplyColour("instance-1")))
	assert.Check(t, strings.HasSuffix(ApplyColour("x"), "x\033[0m"))
}

func TestPrefixWriter(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewPrefixWriter(buf, "instance-0", false)

	n, err := w.Write([]byte("hello\nwor"))
	assert.NilError(t, err)
	assert.Check(t, cmp.Equal(n, 9))
	assert.Check(t, cmp.Equal(buf.String(), "[instance-0] hello\n"))

	_, err = w.Write([]byte("ld\n"))
	assert.NilError(t, err)
	assert.Check(t, cmp.Equal(buf.String(), "[instance-0] hello\n[instance-0] world\n"))

	_, err = w.Write([]byte("tail"))
	assert.NilError(t, err)
	assert.NilError(t, w.Flush())
	assert.Check(t, cmp.Equal(buf.String(), "[instance-0] hello\n[instance-0] world\n[instance-0] tail\n"))

	assert.NilError(t, w.Flush())
}
