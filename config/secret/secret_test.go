package secret

import (
	"encoding/json"
	"fmt"
	"testing"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
)

func TestSecret(t *testing.T) {
	s := String("secret")
	assert.Check(t, cmp.Equal(s.Raw(), "secret"))
	assert.Check(t, cmp.Equal(fmt.Sprintf("%v", s), "REDACTED"))
	assert.Check(t, cmp.Equal(fmt.Sprintf("%#v", s), "REDACTED"))

	b, err := json.Marshal(struct{ Key String }{Key: s})
	assert.Assert(t, err)
	assert.Check(t, cmp.Equal(string(b), `{"Key":"REDACTED"}`))
}
