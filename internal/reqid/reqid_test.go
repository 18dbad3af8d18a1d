package reqid

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestWithFrom(t *testing.T) {
	if _, ok := From(context.Background()); ok {
		t.Fatal("empty context should carry no id")
	}
	if _, ok := From(With(context.Background(), "")); ok {
		t.Fatal("empty id should not be reported")
	}
	id, ok := From(With(context.Background(), "abc123"))
	if !ok || id != "abc123" {
		t.Fatalf("From = %q, %v", id, ok)
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	Logger(context.Background(), base).Info("plain")
	Logger(With(context.Background(), "abc123"), base).Info("scoped")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", buf.String())
	}
	if strings.Contains(lines[0], "request_id") {
		t.Fatalf("unexpected request_id in %q", lines[0])
	}
	if !strings.Contains(lines[1], "request_id=abc123") {
		t.Fatalf("missing request_id in %q", lines[1])
	}
}
