package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Output: &buf})

	log.With(String("station", "sta1")).Info(context.Background(), "roam confirmed",
		String("to", "ap2"),
		Float64("dbm", -61.5),
		Duration("latency", 250*time.Millisecond),
		Err(errors.New("boom")),
	)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal log line %q: %v", buf.String(), err)
	}
	if rec["msg"] != "roam confirmed" {
		t.Fatalf("msg = %v, want roam confirmed", rec["msg"])
	}
	if rec["station"] != "sta1" || rec["to"] != "ap2" {
		t.Fatalf("missing fields in %v", rec)
	}
	if rec["dbm"] != -61.5 {
		t.Fatalf("dbm = %v, want -61.5", rec["dbm"])
	}
	if rec["error"] != "boom" {
		t.Fatalf("error = %v, want boom", rec["error"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})

	log.Info(context.Background(), "hidden")
	log.Warn(context.Background(), "shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line leaked at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn line missing: %q", out)
	}
}

func TestWithRunLoggerIsStable(t *testing.T) {
	ctx, _ := WithRunLogger(context.Background(), Noop())
	id := RunIDFromContext(ctx)
	if id == "" {
		t.Fatalf("run id not set")
	}

	ctx2, _ := WithRunLogger(ctx, Noop())
	if got := RunIDFromContext(ctx2); got != id {
		t.Fatalf("run id changed from %q to %q", id, got)
	}
	if LoggerFromContext(ctx2) == nil {
		t.Fatalf("logger missing from context")
	}
}

func TestLoggerFromContextDefaultsToNoop(t *testing.T) {
	if LoggerFromContext(context.Background()) == nil {
		t.Fatalf("expected noop logger, got nil")
	}
}

func TestRoamingFieldHelpers(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Format: "json", Output: &buf})

	log.Info(context.Background(), "handover trigger",
		Station("sta"), Serving("ap1"), Target("ap2"), Dbm("target_dbm", -58.4567))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal log line %q: %v", buf.String(), err)
	}
	if rec["station"] != "sta" || rec["serving"] != "ap1" || rec["target"] != "ap2" {
		t.Fatalf("missing roaming fields in %v", rec)
	}
	if rec["target_dbm"] != -58.46 {
		t.Fatalf("target_dbm = %v, want -58.46", rec["target_dbm"])
	}
}
