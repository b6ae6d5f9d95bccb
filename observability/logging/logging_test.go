package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetupEmitsStructuredKeys(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := Setup("thresholdsig", "test", WithWriter(&buf))
	defer closer.Close()
	defer slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	logger.Info("session live", slog.String("session_id", "abc"))

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	for key, want := range map[string]string{
		"message":    "session live",
		"severity":   "INFO",
		"service":    "thresholdsig",
		"env":        "test",
		"session_id": "abc",
	} {
		if line[key] != want {
			t.Fatalf("%s = %v, want %q", key, line[key], want)
		}
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("missing timestamp in %v", line)
	}
}

func TestSetupLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := Setup("thresholdsig", "", WithWriter(&buf), WithLevel(ParseLevel("warn")))
	defer closer.Close()
	defer slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestSetupMirrorsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholdsig.log")
	var buf bytes.Buffer
	logger, closer := Setup("thresholdsig", "", WithWriter(&buf), WithFile(path, 1, 1))
	defer slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	logger.Info("to file")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(contents), "to file") {
		t.Fatalf("log file missing line: %q", contents)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != slog.LevelDebug || ParseLevel("ERROR") != slog.LevelError {
		t.Fatalf("known levels not parsed")
	}
	if ParseLevel("chatty") != slog.LevelInfo {
		t.Fatalf("unknown level must default to info")
	}
}

func TestMaskField(t *testing.T) {
	if got := MaskField("signature", "0xdeadbeef"); got.Value.String() != RedactedValue {
		t.Fatalf("signature not masked: %v", got)
	}
	if got := MaskField("session_id", "abc"); got.Value.String() != "abc" {
		t.Fatalf("allowlisted key masked: %v", got)
	}
	if got := MaskField("token", ""); got.Value.String() != "" {
		t.Fatalf("empty value should pass through: %v", got)
	}
	for _, key := range RedactionAllowlist() {
		if !IsAllowlisted(strings.ToUpper(key)) {
			t.Fatalf("allowlist lookup must be case-insensitive for %q", key)
		}
	}
}

func TestMaskBearer(t *testing.T) {
	if got := MaskBearer("Bearer abc.def.ghi"); got != "Bearer "+RedactedValue {
		t.Fatalf("unexpected mask %q", got)
	}
	if got := MaskBearer("opaque"); got != RedactedValue {
		t.Fatalf("unexpected mask %q", got)
	}
	if got := MaskBearer(""); got != "" {
		t.Fatalf("empty header must stay empty, got %q", got)
	}
}
