package ops

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sandwichfarm/feedgraph/internal/config"
)

func decodeLines(t *testing.T, out string) []map[string]any {
	t.Helper()

	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("Log line is not JSON: %q: %v", line, err)
		}
		records = append(records, rec)
	}
	return records
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name       string
		level      string
		wantFailed bool
		wantDone   bool
	}{
		{"info hides successful fetches", "info", true, false},
		{"debug shows every fetch", "debug", true, true},
		{"error hides fetch warnings", "error", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter(&config.Logging{Level: tt.level, Format: "json"}, &buf)

			logger.LogFetch("alice-friends", 0, 2*time.Second, errors.New("status 503"))
			logger.LogFetch("alice-mentions", 4, 80*time.Millisecond, nil)

			msgs := map[string]map[string]any{}
			for _, rec := range decodeLines(t, buf.String()) {
				msgs[rec["msg"].(string)] = rec
			}

			failed, gotFailed := msgs["source fetch failed"]
			if gotFailed != tt.wantFailed {
				t.Fatalf("failed fetch logged = %v, want %v (output %q)", gotFailed, tt.wantFailed, buf.String())
			}
			if gotFailed {
				if failed["level"] != "WARN" || failed["source"] != "alice-friends" || failed["error"] != "status 503" {
					t.Errorf("Unexpected failed fetch record %v", failed)
				}
				if failed["duration_ms"] != float64(2000) {
					t.Errorf("duration_ms = %v, want 2000", failed["duration_ms"])
				}
			}

			done, gotDone := msgs["source fetch completed"]
			if gotDone != tt.wantDone {
				t.Fatalf("completed fetch logged = %v, want %v", gotDone, tt.wantDone)
			}
			if gotDone && (done["source"] != "alice-mentions" || done["records"] != float64(4)) {
				t.Errorf("Unexpected completed fetch record %v", done)
			}
		})
	}
}

func TestLoggerWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&config.Logging{Level: "info", Format: "text"}, &buf)

	logger.WithComponent("post-store").LogMalformedRecord("statuses/home_timeline", errors.New("status without id"))
	logger.WithComponent("sync").WithFields("poll_id", "9f1c").LogFetch("bob-lists", 0, time.Second, errors.New("timeout"))
	logger.WithComponent("emitter").LogBatchFlush(12, "window")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines with batch flushes hidden at info, got %q", buf.String())
	}

	for _, want := range []string{
		"component=post-store",
		`msg="dropping malformed record"`,
		"endpoint=statuses/home_timeline",
		`error="status without id"`,
	} {
		if !strings.Contains(lines[0], want) {
			t.Errorf("Expected %q in %q", want, lines[0])
		}
	}
	for _, want := range []string{
		"component=sync",
		"poll_id=9f1c",
		"source=bob-lists",
		"level=WARN",
	} {
		if !strings.Contains(lines[1], want) {
			t.Errorf("Expected %q in %q", want, lines[1])
		}
	}
	if strings.Contains(lines[1], "post-store") {
		t.Errorf("Component leaked across derived loggers: %q", lines[1])
	}
}

func TestIsDebugEnabled(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		expected bool
	}{
		{"debug level", "debug", true},
		{"info level", "info", false},
		{"warn level", "warn", false},
		{"error level", "error", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(&config.Logging{
				Level:  tt.level,
				Format: "text",
			})

			if logger.IsDebugEnabled() != tt.expected {
				t.Errorf("expected IsDebugEnabled to be %v, got %v", tt.expected, logger.IsDebugEnabled())
			}
		})
	}
}

func TestLoggerHelpers(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Logging{
		Level:  "debug",
		Format: "text",
	}

	logger := NewLoggerWithWriter(cfg, &buf)

	// Test all helper methods don't panic
	logger.LogFetch("alice-friends", 20, 150*time.Millisecond, nil)
	logger.LogFetch("alice-list-42", 0, time.Second, errors.New("boom"))
	logger.LogCacheOperation("resolve", "post:123", true)
	logger.LogBatchFlush(12, "window")
	logger.LogMalformedRecord("statuses/home_timeline", errors.New("missing id"))
	logger.LogStartup("v1.0.0", "abc123", map[string]interface{}{"key": "value"})
	logger.LogShutdown("test shutdown")

	output := buf.String()
	if output == "" {
		t.Error("expected log output, got empty string")
	}
	if !strings.Contains(output, "alice-list-42") {
		t.Errorf("expected failed fetch to be logged, got: %s", output)
	}
}

func TestOrDefault(t *testing.T) {
	if OrDefault(nil) != Default() {
		t.Error("expected nil logger to fall back to default")
	}

	l := Discard()
	if OrDefault(l) != l {
		t.Error("expected non-nil logger to be returned unchanged")
	}
}
