package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestDefaultJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(LogConfig{Output: &buf})
	logger.Info("fork complete", "child", "00001001")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v\nraw: %s", err, buf.String())
	}

	ts, _ := entry["time"].(string)
	if _, err := time.Parse(time.RFC3339Nano, ts); err != nil {
		t.Errorf("timestamp not RFC3339: %q", ts)
	}
	if level, _ := entry["level"].(string); level != "INFO" {
		t.Errorf("level = %q, want INFO", level)
	}
	if msg, _ := entry["msg"].(string); msg != "fork complete" {
		t.Errorf("msg = %q, want %q", msg, "fork complete")
	}
	if v, _ := entry["child"].(string); v != "00001001" {
		t.Errorf("child = %q, want %q", v, "00001001")
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(LogConfig{Format: "text", Output: &buf})
	logger.Info("hello text")

	out := buf.String()
	if !strings.Contains(out, "hello text") {
		t.Errorf("text output missing message: %q", out)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err == nil {
		t.Error("text format should not produce valid JSON")
	}
}

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		name      string
		cfgLevel  string
		logLevel  string
		wantEmpty bool
	}{
		{"error cfg filters info", "error", "info", true},
		{"error cfg keeps error", "error", "error", false},
		{"debug cfg keeps debug", "debug", "debug", false},
		{"warn cfg filters info", "warn", "info", true},
		{"info cfg filters debug", "info", "debug", true},
		{"unknown cfg means info", "loud", "info", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New(LogConfig{Level: tc.cfgLevel, Output: &buf})

			switch tc.logLevel {
			case "debug":
				logger.Debug("msg")
			case "info":
				logger.Info("msg")
			case "warn":
				logger.Warn("msg")
			case "error":
				logger.Error("msg")
			}

			if got := buf.Len() == 0; got != tc.wantEmpty {
				t.Fatalf("empty = %v, want %v (output %q)", got, tc.wantEmpty, buf.String())
			}
		})
	}
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := WithFields(New(LogConfig{Output: &buf}), "env", "00001000")
	logger.Info("page fault")

	if !strings.Contains(buf.String(), `"env":"00001000"`) {
		t.Fatalf("missing field in %s", buf.String())
	}
}

func TestValidLevel(t *testing.T) {
	for _, l := range []string{"debug", "INFO", " warn ", "error"} {
		if !ValidLevel(l) {
			t.Errorf("ValidLevel(%q) = false", l)
		}
	}
	if ValidLevel("trace") {
		t.Error("ValidLevel(trace) = true")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	l := Nop()
	if OrNop(l) != l {
		t.Fatal("OrNop should return the given logger")
	}
}
