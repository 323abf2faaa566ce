package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Level: "debug", Format: "json"}, &buf)

	l.With(Int("node", 2)).Warn(context.Background(), "exchange failed",
		Float("distance_m", 1.5), Err(errors.New("receive timeout")))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "exchange failed" || rec["level"] != "WARN" {
		t.Fatalf("record = %v", rec)
	}
	if rec["node"] != float64(2) || rec["distance_m"] != 1.5 || rec["error"] != "receive timeout" {
		t.Fatalf("fields = %v", rec)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Level: "warn"}, &buf)
	l.Info(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %q", buf.String())
	}
	l.Error(context.Background(), "shown")
	if buf.Len() == 0 {
		t.Fatalf("error not logged")
	}
}

func TestCycleLogger(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(Config{Format: "json"}, &buf)

	ctx, l := WithCycleLogger(context.Background(), base, 42)
	if c, ok := CycleFromContext(ctx); !ok || c != 42 {
		t.Fatalf("CycleFromContext = (%d, %v), want (42, true)", c, ok)
	}
	if FromContext(ctx, nil) != l {
		t.Fatalf("FromContext did not return the cycle logger")
	}

	l.Info(ctx, "cycle done")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["cycle"] != float64(42) {
		t.Fatalf("cycle field = %v, want 42", rec["cycle"])
	}

	if _, ok := CycleFromContext(context.Background()); ok {
		t.Fatalf("empty context reported a cycle")
	}
	if FromContext(context.Background(), nil) == nil {
		t.Fatalf("FromContext fallback should be Noop, not nil")
	}
}
