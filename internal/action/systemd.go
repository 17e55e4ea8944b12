package action

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"

	"recurd/internal/schedule"
	"recurd/internal/task/engine"
)

// SystemdConn is the subset of the systemd D-Bus API used by the systemd kind.
// *dbus.Conn satisfies it.
type SystemdConn interface {
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	RestartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	ReloadUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	GetUnitPropertiesContext(ctx context.Context, unit string) (map[string]interface{}, error)
	Close()
}

type SystemdDialer func(ctx context.Context) (SystemdConn, error)

// DialSystemBus connects to the systemd manager on the system bus.
func DialSystemBus(ctx context.Context) (SystemdConn, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	return conn, nil
}

// Unit operations accepted by the systemd kind.
const (
	UnitStart        = "start"
	UnitStop         = "stop"
	UnitRestart      = "restart"
	UnitReload       = "reload"
	UnitEnsureActive = "ensure-active"
)

type SystemdPayload struct {
	Unit      string `json:"unit"`
	Operation string `json:"operation"`
	// Mode is the systemd job mode; default "replace".
	Mode string `json:"mode,omitempty"`
}

// unitName appends ".service" when the name has no unit suffix.
func unitName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.Contains(s, ".") {
		return s
	}
	return s + ".service"
}

// SystemdHandler drives one unit per run. Only units in allow can be touched.
func SystemdHandler(dial SystemdDialer, allow []string) Handler {
	allowed := make(map[string]struct{}, len(allow))
	for _, u := range allow {
		if n := unitName(u); n != "" {
			allowed[n] = struct{}{}
		}
	}
	return func(ctx context.Context, a schedule.Action) error {
		var p SystemdPayload
		if err := decodePayload(a, &p); err != nil {
			return err
		}
		unit := unitName(p.Unit)
		if unit == "" {
			return engine.NoRetry(fmt.Errorf("action %s: systemd payload needs unit", a.ID))
		}
		if _, ok := allowed[unit]; !ok {
			return engine.NoRetry(fmt.Errorf("action %s: unit %s is not in the allowlist", a.ID, unit))
		}
		op := strings.ToLower(strings.TrimSpace(p.Operation))
		if op == "" {
			op = UnitRestart
		}
		mode := strings.TrimSpace(p.Mode)
		if mode == "" {
			mode = "replace"
		}

		conn, err := dial(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		var job func(context.Context, string, string, chan<- string) (int, error)
		switch op {
		case UnitStart:
			job = conn.StartUnitContext
		case UnitStop:
			job = conn.StopUnitContext
		case UnitRestart:
			job = conn.RestartUnitContext
		case UnitReload:
			job = conn.ReloadUnitContext
		case UnitEnsureActive:
			props, err := conn.GetUnitPropertiesContext(ctx, unit)
			if err != nil {
				return fmt.Errorf("action %s: status %s: %w", a.ID, unit, err)
			}
			if load, _ := props["LoadState"].(string); load == "not-found" {
				return engine.NoRetry(fmt.Errorf("action %s: unit %s not found", a.ID, unit))
			}
			if active, _ := props["ActiveState"].(string); active == "active" {
				return nil
			}
			job = conn.StartUnitContext
		default:
			return engine.NoRetry(fmt.Errorf("action %s: unknown systemd operation %q", a.ID, p.Operation))
		}

		done := make(chan string, 1)
		if _, err := job(ctx, unit, mode, done); err != nil {
			return fmt.Errorf("action %s: %s %s: %w", a.ID, op, unit, err)
		}
		select {
		case res := <-done:
			return jobResult(a.ID, op, unit, res)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

var errJobSkipped = errors.New("job skipped")

// jobResult maps a systemd job result string to an error.
func jobResult(id, op, unit, res string) error {
	switch res {
	case "done":
		return nil
	case "skipped", "canceled":
		return engine.NoRetry(fmt.Errorf("action %s: %s %s: %w (%s)", id, op, unit, errJobSkipped, res))
	default:
		return fmt.Errorf("action %s: %s %s: job %s", id, op, unit, res)
	}
}
