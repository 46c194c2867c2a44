package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func decodeLastLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	lines := strings.Split(buf.String(), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}

		var payload map[string]any
		if err := json.Unmarshal([]byte(lines[i]), &payload); err != nil {
			t.Fatalf("failed to decode log line: %v", err)
		}
		return payload
	}

	t.Fatal("no log lines found")
	return nil
}

func TestWithContextInjectsFields(t *testing.T) {
	var buf bytes.Buffer
	log := New("preorder", &buf)

	ctx := ContextWithTraceID(context.Background(), "trace-123")
	ctx = ContextWithSpanID(ctx, "span-456")

	log.WithContext(ctx).Info("payment charged")

	payload := decodeLastLogLine(t, &buf)

	if payload["service"] != "preorder" {
		t.Fatalf("expected service to be injected, got %v", payload["service"])
	}
	if payload["traceID"] != "trace-123" {
		t.Fatalf("expected traceID to be injected, got %v", payload["traceID"])
	}
	if payload["spanID"] != "span-456" {
		t.Fatalf("expected spanID to be injected, got %v", payload["spanID"])
	}
	if payload["timestamp"] == nil {
		t.Fatalf("expected timestamp to be injected")
	}
	if payload["message"] != "payment charged" {
		t.Fatalf("expected message to match, got %v", payload["message"])
	}
}

func TestWithContextFallsBackToOtelSpan(t *testing.T) {
	var buf bytes.Buffer
	log := New("preorder", &buf)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	log.WithContext(ctx).Info("reserved")

	payload := decodeLastLogLine(t, &buf)
	if payload["traceID"] != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("expected otel trace id, got %v", payload["traceID"])
	}
	if payload["spanID"] != "00f067aa0ba902b7" {
		t.Fatalf("expected otel span id, got %v", payload["spanID"])
	}
}

func TestWithContextDefaultsToEmptyIDs(t *testing.T) {
	var buf bytes.Buffer
	log := New("reconciliation", &buf)

	log.WithContext(context.Background()).Debug("ping")

	payload := decodeLastLogLine(t, &buf)

	if payload["traceID"] != "" {
		t.Fatalf("expected empty traceID, got %v", payload["traceID"])
	}
	if payload["level"] != "debug" {
		t.Fatalf("expected level to be debug, got %v", payload["level"])
	}
}

func TestNewWithLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithLevel("preorder", &buf, "warn")

	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %s", buf.String())
	}
	log.Warn("shown")
	if payload := decodeLastLogLine(t, &buf); payload["level"] != "warn" {
		t.Fatalf("expected warn, got %v", payload["level"])
	}

	buf.Reset()
	NewWithLevel("preorder", &buf, "chatty").Debug("hidden")
	if buf.Len() != 0 {
		t.Fatal("unknown level should fall back to info")
	}
}

func TestFieldHelpers(t *testing.T) {
	var buf bytes.Buffer
	log := New("preorder", &buf)

	log.WithOrder("ord-1").Errorf("reversal failed", map[string]interface{}{
		"sequence": 2,
		"cause":    errors.New("gateway down"),
	})

	payload := decodeLastLogLine(t, &buf)
	if payload["orderID"] != "ord-1" {
		t.Fatalf("expected orderID, got %v", payload["orderID"])
	}
	if payload["cause"] != "gateway down" {
		t.Fatalf("expected error field rendered as string, got %v", payload["cause"])
	}
	if payload["sequence"] != float64(2) {
		t.Fatalf("expected sequence 2, got %v", payload["sequence"])
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := ContextWithTraceID(context.Background(), "trace-x")
	ctx = ContextWithSpanID(ctx, "span-y")

	if got := TraceIDFromContext(ctx); got != "trace-x" {
		t.Fatalf("expected trace id trace-x, got %q", got)
	}
	if got := SpanIDFromContext(ctx); got != "span-y" {
		t.Fatalf("expected span id span-y, got %q", got)
	}

	typedCtx := context.WithValue(context.Background(), traceIDKey, 123)
	if got := TraceIDFromContext(typedCtx); got != "" {
		t.Fatalf("expected empty trace id for non-string, got %q", got)
	}
	//nolint:staticcheck
	if got := SpanIDFromContext(nil); got != "" {
		t.Fatalf("expected empty span id for nil context, got %q", got)
	}
}

func TestNopDiscards(t *testing.T) {
	Nop().Errorf("ignored", map[string]interface{}{"k": "v"})
}
