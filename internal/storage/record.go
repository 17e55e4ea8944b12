package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"recurd/internal/schedule"
)

// actionRecord is the persisted form shared by every driver.
type actionRecord struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Start     *time.Time      `json:"start,omitempty"`
	Interval  string          `json:"interval,omitempty"`
	LastRun   *time.Time      `json:"last_run,omitempty"`
	State     string          `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func toRecord(sa *schedule.ScheduledAction) (actionRecord, error) {
	if sa == nil {
		return actionRecord{}, fmt.Errorf("storage: nil action")
	}
	if err := sa.Validate(); err != nil {
		return actionRecord{}, err
	}
	r := actionRecord{
		ID:        sa.Action.ID,
		Kind:      sa.Action.Kind,
		Payload:   append(json.RawMessage(nil), sa.Action.Payload...),
		State:     sa.State.String(),
		CreatedAt: sa.CreatedAt.UTC(),
		UpdatedAt: sa.UpdatedAt.UTC(),
	}
	if sa.Start != nil {
		t := *sa.Start
		r.Start = &t
	}
	if sa.Repeating() {
		s, err := schedule.FormatInterval(sa.IntervalCount, sa.IntervalPeriod)
		if err != nil {
			return actionRecord{}, err
		}
		r.Interval = s
	}
	if !sa.LastRun.IsZero() {
		t := sa.LastRun.UTC()
		r.LastRun = &t
	}
	return r, nil
}

func (r actionRecord) toAction() (*schedule.ScheduledAction, error) {
	sa := &schedule.ScheduledAction{
		Action: schedule.Action{
			ID:      r.ID,
			Kind:    r.Kind,
			Payload: append(json.RawMessage(nil), r.Payload...),
		},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Start != nil {
		sa.SetStart(*r.Start)
	}
	if r.Interval != "" {
		c, p, err := schedule.ParseInterval(r.Interval)
		if err != nil {
			return nil, fmt.Errorf("storage: action %s: %w", r.ID, err)
		}
		sa.SetIntervalCount(c)
		sa.SetIntervalPeriod(p)
	}
	if r.LastRun != nil {
		sa.LastRun = *r.LastRun
	}
	st, ok := schedule.ParseState(r.State)
	if !ok {
		return nil, fmt.Errorf("storage: action %s: unknown state %q", r.ID, r.State)
	}
	sa.State = st
	return sa, nil
}

func encodeRecord(sa *schedule.ScheduledAction) ([]byte, error) {
	r, err := toRecord(sa)
	if err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

func decodeRecord(b []byte) (*schedule.ScheduledAction, error) {
	var r actionRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("storage: decode action: %w", err)
	}
	return r.toAction()
}

func sortActions(out []*schedule.ScheduledAction) {
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
}

// newestFirst sorts by start time descending and applies limit.
func newestFirst(runs []RunRecord, limit int) []RunRecord {
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].Started.After(runs[j].Started) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs
}
