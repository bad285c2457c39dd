package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/arthiv/sessiongate/internal/xerrors"
)

func newTestLogger(t *testing.T, lvl slog.Level) (Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l, err := New(Options{
		App:        "sessiongate-test",
		Level:      lvl,
		JsonFormat: true,
		Writer:     &buf,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, &buf
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &m); err != nil {
		t.Fatalf("unmarshal log line %q: %v", lines[len(lines)-1], err)
	}
	return m
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":    slog.LevelDebug,
		"info":     slog.LevelInfo,
		"WARN":     slog.LevelWarn,
		" error  ": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel(loud) should fail")
	}
}

func TestInfo_EmitsAppAndKV(t *testing.T) {
	l, buf := newTestLogger(t, slog.LevelInfo)

	l.Info(context.Background(), "session registered", "device", "abc123", "count", 3)

	m := lastLine(t, buf)
	if m["msg"] != "session registered" {
		t.Errorf("msg = %v", m["msg"])
	}
	if m["app"] != "sessiongate-test" {
		t.Errorf("app = %v", m["app"])
	}
	if m["device"] != "abc123" {
		t.Errorf("device = %v", m["device"])
	}
	if m["count"] != float64(3) {
		t.Errorf("count = %v", m["count"])
	}
}

func TestDebug_SuppressedBelowLevel(t *testing.T) {
	l, buf := newTestLogger(t, slog.LevelInfo)

	l.Debug(context.Background(), "noisy detail")

	if buf.Len() != 0 {
		t.Errorf("debug line emitted below level: %s", buf.String())
	}
}

func TestWith_DoesNotMutateParent(t *testing.T) {
	l, buf := newTestLogger(t, slog.LevelInfo)

	child := l.With("component", "registry")
	child.Info(context.Background(), "from child")
	if m := lastLine(t, buf); m["component"] != "registry" {
		t.Errorf("child missing component attr: %v", m)
	}

	buf.Reset()
	l.Info(context.Background(), "from parent")
	if m := lastLine(t, buf); m["component"] != nil {
		t.Errorf("parent gained child attr: %v", m)
	}
}

func TestError_IncludesChainAndStack(t *testing.T) {
	l, buf := newTestLogger(t, slog.LevelInfo)

	base := xerrors.New("registry full")
	err := xerrors.Wrap(base, "admit session")
	l.Error(context.Background(), err, "admission failed")

	m := lastLine(t, buf)
	if m["err"] != "admit session: registry full" {
		t.Errorf("err = %v", m["err"])
	}
	chain, ok := m["error_chain"].([]any)
	if !ok || len(chain) < 2 {
		t.Fatalf("error_chain = %v", m["error_chain"])
	}
	stack, _ := m["stack"].(string)
	if stack == "" {
		t.Error("error-level records should carry a stack")
	}
	if strings.Contains(stack, "/internal/log.") {
		t.Errorf("stack should not include log package frames:\n%s", stack)
	}
}

func TestFromContext_Fallback(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext should never return nil")
	}

	l, _ := newTestLogger(t, slog.LevelInfo)
	ctx := WithContext(context.Background(), l)
	if FromContext(ctx) != l {
		t.Error("FromContext should return the stored logger")
	}
}

func TestNop_Safe(t *testing.T) {
	n := Nop()
	n.Info(context.Background(), "ignored")
	n.Error(context.Background(), xerrors.New("x"), "ignored")
	if n.With("k", "v") == nil {
		t.Error("Nop().With returned nil")
	}
	if err := n.Sync(); err != nil {
		t.Errorf("Sync: %v", err)
	}
}
