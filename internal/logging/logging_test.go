package logging

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Format: "json", Output: &buf})

	log.Info(context.Background(), "dropped")
	log.Warn(context.Background(), "kept", Int32("message_id", 7), Err(errors.New("boom")))

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info record should be filtered at warn level: %s", out)
	}
	for _, want := range []string{`"msg":"kept"`, `"message_id":7`, `"error":"boom"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in output, got %s", want, out)
		}
	}
}

func TestWithSessionLoggerAnnotatesRecords(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Level: "debug", Format: "text", Output: &buf})

	ctx, log := WithSessionLogger(context.Background(), base)
	id := SessionIDFromContext(ctx)
	if id == "" {
		t.Fatalf("expected session id on context")
	}

	log.Info(ctx, "hello")
	if !strings.Contains(buf.String(), "session_id="+id) {
		t.Fatalf("expected session_id=%s in %q", id, buf.String())
	}

	if got := LoggerFromContext(ctx, nil); got != log {
		t.Fatalf("LoggerFromContext returned a different logger")
	}
}

func TestWithSessionLoggerKeepsExistingID(t *testing.T) {
	ctx := ContextWithSessionID(context.Background(), "fixed")
	ctx, _ = WithSessionLogger(ctx, Noop())
	if got := SessionIDFromContext(ctx); got != "fixed" {
		t.Fatalf("session id = %q, want fixed", got)
	}
}

func TestLoggerFromContextFallback(t *testing.T) {
	if _, ok := LoggerFromContext(context.Background(), nil).(noopLogger); !ok {
		t.Fatalf("expected noop fallback")
	}
	fallback := New(Config{Output: &bytes.Buffer{}})
	if got := LoggerFromContext(context.Background(), fallback); got != fallback {
		t.Fatalf("expected provided fallback logger")
	}
}
