package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "default config", cfg: DefaultConfig()},
		{name: "debug level", cfg: Config{Level: "debug", Format: "json", Output: "stdout"}},
		{name: "warning level (alias)", cfg: Config{Level: "warning", Format: "json", Output: "stdout"}},
		{name: "text format", cfg: Config{Level: "info", Format: "text", Output: "stdout"}},
		{name: "stderr output", cfg: Config{Level: "info", Format: "json", Output: "stderr"}},
		{name: "empty output defaults to stdout", cfg: Config{Level: "info", Format: "json"}},
		{name: "invalid level defaults to info", cfg: Config{Level: "invalid", Format: "json", Output: "stdout"}},
		{name: "with add source", cfg: Config{Level: "info", Format: "json", Output: "stdout", AddSource: true}},
		{
			name:    "invalid file path",
			cfg:     Config{Level: "info", Format: "json", Output: "/nonexistent/path/log.txt"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && (logger == nil || logger.Logger == nil) {
				t.Error("New() returned nil logger without error")
			}
		})
	}
}

func TestNewWithFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "imapd.log")

	logger, err := New(Config{Level: "info", Format: "json", Output: logFile})
	if err != nil {
		t.Fatalf("New() with file output failed: %v", err)
	}
	logger.Info("hello")

	if _, err := os.Stat(logFile); os.IsNotExist(err) {
		t.Errorf("Log file was not created at %s", logFile)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-123")
	ctx = WithRemoteAddr(ctx, "192.168.1.1:1234")
	ctx = WithProtocol(ctx, "imap")
	ctx = WithSubject(ctx, "alice")
	ctx = WithCommand(ctx, "AUTHENTICATE")

	if got := TraceID(ctx); got != "trace-123" {
		t.Errorf("TraceID = %q, want trace-123", got)
	}
	if got := RemoteAddr(ctx); got != "192.168.1.1:1234" {
		t.Errorf("RemoteAddr = %q, want 192.168.1.1:1234", got)
	}

	attrs := extractContextAttrs(ctx)
	if len(attrs) != 5 {
		t.Fatalf("Expected 5 attrs, got %d", len(attrs))
	}
	found := map[string]bool{}
	for _, attr := range attrs {
		found[attr.Key] = true
	}
	for _, key := range []string{"trace_id", "remote_addr", "protocol", "subject", "command"} {
		if !found[key] {
			t.Errorf("Missing attribute: %s", key)
		}
	}
}

func TestExtractContextAttrs_Empty(t *testing.T) {
	if attrs := extractContextAttrs(context.Background()); len(attrs) != 0 {
		t.Errorf("Expected 0 attrs for empty context, got %d", len(attrs))
	}
}

func TestLogger_ErrorContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "info", Format: "json"}, &buf)

	ctx := WithTraceID(context.Background(), "trace-456")
	logger.ErrorContext(ctx, "dispatch failed", errors.New("boom"), "tag", "a1")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse JSON output: %v", err)
	}
	if entry["error"] != "boom" {
		t.Errorf("error = %v, want boom", entry["error"])
	}
	if entry["trace_id"] != "trace-456" {
		t.Errorf("trace_id = %v, want trace-456", entry["trace_id"])
	}
	if entry["tag"] != "a1" {
		t.Errorf("tag = %v, want a1", entry["tag"])
	}
	if entry["level"] != "ERROR" {
		t.Errorf("level = %v, want ERROR", entry["level"])
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "warn", Format: "json"}, &buf)
	ctx := context.Background()

	logger.DebugContext(ctx, "debug")
	logger.InfoContext(ctx, "info")
	if buf.Len() != 0 {
		t.Errorf("warn logger emitted below-threshold records: %s", buf.String())
	}

	logger.WarnContext(ctx, "warn")
	if !strings.Contains(buf.String(), "WARN") {
		t.Errorf("Expected WARN record, got: %s", buf.String())
	}
}

func TestLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "info", Format: "text"}, &buf)

	logger.InfoContext(WithProtocol(context.Background(), "imap"), "session opened")

	output := buf.String()
	if !strings.Contains(output, "level=INFO") || !strings.Contains(output, "protocol=imap") {
		t.Errorf("Unexpected text output: %s", output)
	}
}

func TestLogger_TimeFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(DefaultConfig(), &buf)
	logger.Info("test message")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse JSON output: %v", err)
	}
	ts, ok := entry["time"].(string)
	if !ok {
		t.Fatal("Time field is not a string")
	}
	if _, err := time.Parse(time.RFC3339Nano, ts); err != nil {
		t.Errorf("Time format is not RFC3339Nano: %v", err)
	}
}

func TestLogger_ComponentLoggers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(DefaultConfig(), &buf)

	components := map[string]*Logger{
		"imap":    logger.IMAP(),
		"auth":    logger.Auth(),
		"audit":   logger.Audit(),
		"metrics": logger.Metrics(),
	}
	for name, l := range components {
		t.Run(name, func(t *testing.T) {
			buf.Reset()
			l.Info("message")
			if !strings.Contains(buf.String(), `"component":"`+name+`"`) {
				t.Errorf("component %s missing from output: %s", name, buf.String())
			}
		})
	}
}

func TestLogger_WithError(t *testing.T) {
	logger := Discard()

	if logger.WithError(nil) != logger {
		t.Error("WithError(nil) should return same logger")
	}
	if logger.WithError(errors.New("x")) == logger {
		t.Error("WithError() should return a new logger instance")
	}
}

func TestLogger_ChainedMethods(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(DefaultConfig(), &buf)

	ctx := WithTraceID(context.Background(), "trace-999")
	logger.
		IMAP().
		WithFields("tag", "a7").
		WithError(errors.New("connection reset")).
		InfoContext(ctx, "write failed")

	output := buf.String()
	for _, want := range []string{"imap", "a7", "connection reset", "trace-999"} {
		if !strings.Contains(output, want) {
			t.Errorf("Output should contain %q, got: %s", want, output)
		}
	}
}

func BenchmarkExtractContextAttrs(b *testing.B) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-123")
	ctx = WithRemoteAddr(ctx, "192.168.1.1")
	ctx = WithCommand(ctx, "NOOP")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		extractContextAttrs(ctx)
	}
}
