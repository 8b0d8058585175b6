package honeycomb

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/honeycombio/libhoney-go/transmission"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
)

func TestTextSender(t *testing.T) {
	//nolint: lll
	testcases := []struct {
		source   *transmission.Event
		expected string
	}{
		{
			source: &transmission.Event{
				Timestamp: time.Date(2019, 9, 12, 19, 1, 12, 137602525, time.UTC),
				Data:      map[string]interface{}{"app.instance": 0, "app.port": 43127, "duration_ms": 0.075231, "meta.beeline_version": "1.11.1", "meta.span_type": "leaf", "name": "readiness: handshake", "service": "harness", "trace.parent_id": "223ebb27-c7f3-41c8-86e6-cc47e7e809d0", "trace.span_id": "29d98eb0-81c0-4538-a8b5-8296ff40563f", "trace.trace_id": "9e020857-1248-431f-b2dd-f1541bd1e113", "version": "dev"},
			},
			expected: "19:01:12 1e113 0.075ms readiness: handshake app.instance=0 app.port=43127\n",
		},
		{
			source: &transmission.Event{
				Timestamp: time.Date(2019, 9, 12, 19, 1, 12, 137602525, time.UTC),
				Data:      map[string]interface{}{"app.instances": 3, "result": "error", "error": "instance 1 exited prematurely", "duration_ms": 1.455143, "meta.span_type": "root", "name": "supervisor: start", "service": "harness", "trace.span_id": "223ebb27-c7f3-41c8-86e6-cc47e7e809d0", "trace.trace_id": "9e020857-1248-431f-b2dd-f1541bd1e113", "version": "dev"},
			},
			expected: "19:01:12 1e113 1.455ms supervisor: start app.instances=3 error=instance 1 exited prematurely result=error\n",
		},
		{
			source: &transmission.Event{
				Timestamp: time.Date(2019, 9, 12, 19, 1, 12, 137602525, time.UTC),
				Data:      map[string]interface{}{"duration_ms": 0.5, "name": "no trace"},
			},
			expected: "19:01:12 unkwn 0.500ms no trace\n",
		},
	}

	for i, tc := range testcases {
		t.Run(fmt.Sprintf("%v", i), func(t *testing.T) {
			buf := new(bytes.Buffer)
			h := NewTextSender(buf, false)

			h.Add(tc.source)
			assert.Check(t, cmp.Equal(buf.String(), tc.expected))
		})
	}
}
