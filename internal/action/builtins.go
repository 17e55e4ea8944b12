package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"recurd/internal/schedule"
	"recurd/internal/task/engine"
	logx "recurd/pkg/logx"
)

const (
	KindLog     = "log"
	KindExec    = "exec"
	KindWebhook = "webhook"
	KindSystemd = "systemd"
)

const maxOutput = 2048

// BuiltinOptions configures the builtin kinds. The zero value is usable.
type BuiltinOptions struct {
	// HTTPClient is used by webhook; nil means a client with a 30s timeout.
	HTTPClient *http.Client

	// SystemdUnits is the allowlist for the systemd kind. Empty allows none.
	SystemdUnits []string
	// SystemdDial connects to systemd; nil means the system bus.
	SystemdDial SystemdDialer
}

// RegisterBuiltins registers the log, exec, webhook and systemd kinds.
func RegisterBuiltins(reg *Registry, log logx.Logger, opt BuiltinOptions) error {
	client := opt.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	dial := opt.SystemdDial
	if dial == nil {
		dial = DialSystemBus
	}
	for kind, h := range map[string]Handler{
		KindLog:     LogHandler(log),
		KindExec:    ExecHandler(),
		KindWebhook: WebhookHandler(client),
		KindSystemd: SystemdHandler(dial, opt.SystemdUnits),
	} {
		if err := reg.Register(kind, h); err != nil {
			return err
		}
	}
	return nil
}

func decodePayload(a schedule.Action, v any) error {
	if len(a.Payload) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(a.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return engine.NoRetry(fmt.Errorf("action %s: decode %s payload: %w", a.ID, a.Kind, err))
	}
	return nil
}

type LogPayload struct {
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

// LogHandler writes the payload message to the structured log.
func LogHandler(log logx.Logger) Handler {
	return func(ctx context.Context, a schedule.Action) error {
		var p LogPayload
		if err := decodePayload(a, &p); err != nil {
			return err
		}
		msg := p.Message
		if msg == "" {
			msg = "scheduled action fired"
		}
		level := p.Level
		if level == "" {
			level = "info"
		}
		log.Log(level, msg, logx.String("action", a.ID))
		return nil
	}
}

type ExecPayload struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// ExecHandler runs a process. The engine timeout bounds it through ctx.
func ExecHandler() Handler {
	return func(ctx context.Context, a schedule.Action) error {
		var p ExecPayload
		if err := decodePayload(a, &p); err != nil {
			return err
		}
		if strings.TrimSpace(p.Command) == "" {
			return engine.NoRetry(fmt.Errorf("action %s: exec: command is required", a.ID))
		}
		cmd := exec.CommandContext(ctx, p.Command, p.Args...)
		cmd.Dir = p.Dir
		if len(p.Env) > 0 {
			cmd.Env = cmd.Environ()
			for k, v := range p.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		out, err := cmd.CombinedOutput()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("action %s: exec %s: %w", a.ID, p.Command, ctx.Err())
			}
			return fmt.Errorf("action %s: exec %s: %w: %s", a.ID, p.Command, err, trimOutput(out))
		}
		return nil
	}
}

type WebhookPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// WebhookHandler sends an HTTP request. 5xx and 429 are retryable, other
// 4xx are not.
func WebhookHandler(client *http.Client) Handler {
	return func(ctx context.Context, a schedule.Action) error {
		var p WebhookPayload
		if err := decodePayload(a, &p); err != nil {
			return err
		}
		if strings.TrimSpace(p.URL) == "" {
			return engine.NoRetry(fmt.Errorf("action %s: webhook: url is required", a.ID))
		}
		method := strings.ToUpper(strings.TrimSpace(p.Method))
		if method == "" {
			method = http.MethodPost
		}
		var body io.Reader
		if len(p.Body) > 0 {
			body = bytes.NewReader(p.Body)
		}
		req, err := http.NewRequestWithContext(ctx, method, p.URL, body)
		if err != nil {
			return engine.NoRetry(fmt.Errorf("action %s: webhook: %w", a.ID, err))
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("User-Agent", "recurd")
		req.Header.Set("X-Recurd-Action", a.ID)
		for k, v := range p.Headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("action %s: webhook: %w", a.ID, err)
		}
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxOutput))

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests:
			err := fmt.Errorf("action %s: webhook: status %d", a.ID, resp.StatusCode)
			if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
				return engine.RetryAfter(err, d)
			}
			return err
		case resp.StatusCode >= 500:
			return fmt.Errorf("action %s: webhook: status %d: %s", a.ID, resp.StatusCode, trimOutput(snippet))
		default:
			return engine.NoRetry(fmt.Errorf("action %s: webhook: status %d: %s", a.ID, resp.StatusCode, trimOutput(snippet)))
		}
	}
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func trimOutput(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxOutput {
		s = s[:maxOutput] + "..."
	}
	return s
}
