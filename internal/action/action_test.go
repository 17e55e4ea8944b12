package action

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"recurd/internal/schedule"
	"recurd/internal/task/engine"
	logx "recurd/pkg/logx"
)

func act(kind string, payload any) schedule.Action {
	raw, _ := json.Marshal(payload)
	return schedule.Action{ID: "a1", Kind: kind, Payload: raw}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	var called atomic.Int32
	h := func(ctx context.Context, a schedule.Action) error { called.Add(1); return nil }

	if err := reg.Register("noop", h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register("noop", h); !errors.Is(err, ErrDuplicateKind) {
		t.Fatalf("duplicate err = %v", err)
	}
	if err := reg.Register(" ", h); err == nil {
		t.Fatal("empty kind accepted")
	}
	if err := reg.Register("nil", nil); err == nil {
		t.Fatal("nil handler accepted")
	}

	run, err := reg.Runner(schedule.Action{ID: "x", Kind: "noop"})
	if err != nil {
		t.Fatalf("Runner: %v", err)
	}
	if err := run(context.Background()); err != nil || called.Load() != 1 {
		t.Fatalf("run err=%v called=%d", err, called.Load())
	}
	if _, err := reg.Runner(schedule.Action{ID: "x", Kind: "missing"}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("unknown kind err = %v", err)
	}
}

func TestRegisterBuiltins(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	if err := RegisterBuiltins(reg, logx.Nop(), BuiltinOptions{}); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	got := strings.Join(reg.Kinds(), ",")
	if got != "exec,log,systemd,webhook" {
		t.Fatalf("Kinds = %s", got)
	}
}

func TestLogHandler(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := LogHandler(logx.NewWriter(&buf, "debug"))
	if err := h(context.Background(), act(KindLog, LogPayload{Message: "hello", Level: "warn"})); err != nil {
		t.Fatalf("handler: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"hello"`) || !strings.Contains(out, `"warn"`) || !strings.Contains(out, `"a1"`) {
		t.Fatalf("log output = %s", out)
	}

	err := h(context.Background(), schedule.Action{ID: "a1", Kind: KindLog, Payload: json.RawMessage(`{"msg":"typo"}`)})
	if !engine.IsNoRetry(err) {
		t.Fatalf("unknown payload field err = %v, want no-retry", err)
	}
}

func TestExecHandler(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	h := ExecHandler()
	if err := h(context.Background(), act(KindExec, ExecPayload{Command: "sh", Args: []string{"-c", "exit 0"}})); err != nil {
		t.Fatalf("exit 0: %v", err)
	}
	err := h(context.Background(), act(KindExec, ExecPayload{Command: "sh", Args: []string{"-c", "echo broken >&2; exit 3"}}))
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("exit 3 err = %v, want output in error", err)
	}
	if err := h(context.Background(), act(KindExec, ExecPayload{})); !engine.IsNoRetry(err) {
		t.Fatalf("missing command err = %v", err)
	}
}

func TestWebhookHandler(t *testing.T) {
	t.Parallel()
	var status atomic.Int32
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Recurd-Action") != "a1" || r.Header.Get("X-Token") != "t" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var b bytes.Buffer
		_, _ = b.ReadFrom(r.Body)
		gotBody.Store(b.String())
		if code := int(status.Load()); code == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(code)
			return
		} else if code != 0 {
			w.WriteHeader(code)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h := WebhookHandler(srv.Client())
	a := act(KindWebhook, WebhookPayload{URL: srv.URL, Body: json.RawMessage(`{"k":1}`), Headers: map[string]string{"X-Token": "t"}})

	if err := h(context.Background(), a); err != nil {
		t.Fatalf("2xx: %v", err)
	}
	if got, _ := gotBody.Load().(string); got != `{"k":1}` {
		t.Fatalf("body = %q", got)
	}

	status.Store(http.StatusServiceUnavailable)
	if err := h(context.Background(), a); err == nil || engine.IsNoRetry(err) {
		t.Fatalf("5xx err = %v, want retryable", err)
	}

	status.Store(http.StatusNotFound)
	if err := h(context.Background(), a); !engine.IsNoRetry(err) {
		t.Fatalf("404 err = %v, want no-retry", err)
	}

	status.Store(http.StatusTooManyRequests)
	err := h(context.Background(), a)
	if d, ok := engine.RetryHint(err); !ok || d != 7*time.Second {
		t.Fatalf("429 err = %v, want retry-after 7s", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"", 0, false},
		{"5", 5 * time.Second, true},
		{"-1", 0, false},
		{"Mon, 01 Jan 2024 00:00:30 GMT", 30 * time.Second, true},
		{"Sun, 31 Dec 2023 00:00:00 GMT", 0, true},
		{"soon", 0, false},
	}
	for _, tc := range tests {
		got, ok := parseRetryAfter(tc.in, now)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("parseRetryAfter(%q) = %v,%v want %v,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
