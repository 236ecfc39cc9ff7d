package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestKeyValuesBecomeFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("pipeline")
	l.entry.Logger.SetOutput(&buf)

	l.With("images").Info("image submitted", "index", 2, "dangling")

	out := buf.String()
	for _, want := range []string{"image submitted", "index=2", "component=pipeline.images"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
	if strings.Contains(out, "dangling") {
		t.Errorf("odd trailing key should be dropped: %q", out)
	}
}
