package storage

import (
	"context"
	"strings"
	"sync"

	"recurd/internal/schedule"
)

// Memory keeps records in process memory. Records are copied on the way in
// and out so callers never share state with the store.
type Memory struct {
	mu      sync.RWMutex
	closed  bool
	actions map[string]actionRecord
	runs    map[string][]RunRecord
	limit   int
}

func NewMemory(cfg Config) *Memory {
	return &Memory{
		actions: make(map[string]actionRecord),
		runs:    make(map[string][]RunRecord),
		limit:   cfg.runLogLimit(),
	}
}

func (m *Memory) SaveAction(ctx context.Context, sa *schedule.ScheduledAction) error {
	r, err := toRecord(sa)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.actions[r.ID] = r
	return nil
}

func (m *Memory) LoadAction(ctx context.Context, id string) (*schedule.ScheduledAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	r, ok := m.actions[strings.TrimSpace(id)]
	if !ok {
		return nil, ErrNotFound
	}
	return r.toAction()
}

func (m *Memory) DeleteAction(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.actions[id]; !ok {
		return ErrNotFound
	}
	delete(m.actions, id)
	delete(m.runs, id)
	return nil
}

func (m *Memory) ListActions(ctx context.Context) ([]*schedule.ScheduledAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]*schedule.ScheduledAction, 0, len(m.actions))
	for _, r := range m.actions {
		sa, err := r.toAction()
		if err != nil {
			return nil, err
		}
		out = append(out, sa)
	}
	sortActions(out)
	return out, nil
}

func (m *Memory) AppendRun(ctx context.Context, r RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	runs := append(m.runs[r.ActionID], r)
	if len(runs) > m.limit {
		runs = runs[len(runs)-m.limit:]
	}
	m.runs[r.ActionID] = runs
	return nil
}

func (m *Memory) ListRuns(ctx context.Context, actionID string, limit int) ([]RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []RunRecord
	if actionID != "" {
		out = append(out, m.runs[actionID]...)
	} else {
		for _, runs := range m.runs {
			out = append(out, runs...)
		}
	}
	return newestFirst(out, limit), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
