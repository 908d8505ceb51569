package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestTextOutput(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "DEBUG", "text")

	Info("upload accepted", "device", "abc", "bytes", 42)

	out := buf.String()
	if !strings.Contains(out, "upload accepted") {
		t.Errorf("message missing from output: %q", out)
	}
	if !strings.Contains(out, "device=abc") || !strings.Contains(out, "bytes=42") {
		t.Errorf("attributes missing from output: %q", out)
	}
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json")

	Info("finalized", "id", "deadbeef")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if record["msg"] != "finalized" {
		t.Errorf("msg = %v, want finalized", record["msg"])
	}
	if record["id"] != "deadbeef" {
		t.Errorf("id = %v, want deadbeef", record["id"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "text")

	Debug("too chatty")
	Info("still too chatty")
	Warn("kept")

	out := buf.String()
	if strings.Contains(out, "chatty") {
		t.Errorf("low-severity records were not filtered: %q", out)
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("warn record missing: %q", out)
	}
}

func TestSetLevelIgnoresInvalid(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text")

	SetLevel("VERBOSE")
	Info("after invalid level")

	if !strings.Contains(buf.String(), "after invalid level") {
		t.Errorf("logger broke after invalid level: %q", buf.String())
	}
}
