package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"recurd/internal/schedule"
	logx "recurd/pkg/logx"
)

const compactEvery = 1000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.actions.snapshot.json (periodic snapshot)
//   - <prefix>.actions.journal.jsonl (append-only put/delete journal)
//   - <prefix>.runs.jsonl            (append-only run log)
//
// The journal is compacted into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File
	runsFile     *os.File

	actions map[string]actionRecord
	runs    map[string][]RunRecord
	limit   int
	writes  int
}

type journalOp struct {
	Op     string        `json:"op"` // "put" or "del"
	ID     string        `json:"id"`
	Record *actionRecord `json:"record,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".actions.snapshot.json"
	journalPath := prefix + ".actions.journal.jsonl"
	runsPath := prefix + ".runs.jsonl"

	// Load actions from snapshot + journal.
	actions := map[string]actionRecord{}
	if err := loadSnapshot(snapPath, actions); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("action snapshot unreadable", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, actions); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("action journal replay failed", logx.String("path", journalPath), logx.Err(err))
	}

	limit := cfg.runLogLimit()
	runs := map[string][]RunRecord{}
	if err := loadRuns(runsPath, runs, limit); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("run log unreadable", logx.String("path", runsPath), logx.Err(err))
	}
	for id := range runs {
		if _, ok := actions[id]; !ok {
			delete(runs, id)
		}
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}

	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("actions", len(actions)))
	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		runsFile:     rf,
		actions:      actions,
		runs:         runs,
		limit:        limit,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	errCompact := s.compactLocked()
	err1 := s.journalFile.Close()
	err2 := s.runsFile.Close()
	s.journalFile = nil
	s.runsFile = nil
	return errors.Join(errCompact, err1, err2)
}

func (s *fileStore) SaveAction(ctx context.Context, sa *schedule.ScheduledAction) error {
	r, err := toRecord(sa)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := s.appendLocked(journalOp{Op: "put", ID: r.ID, Record: &r}); err != nil {
		return err
	}
	s.actions[r.ID] = r
	return nil
}

func (s *fileStore) LoadAction(ctx context.Context, id string) (*schedule.ScheduledAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, ErrClosed
	}
	r, ok := s.actions[strings.TrimSpace(id)]
	if !ok {
		return nil, ErrNotFound
	}
	return r.toAction()
}

func (s *fileStore) DeleteAction(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if _, ok := s.actions[id]; !ok {
		return ErrNotFound
	}
	if err := s.appendLocked(journalOp{Op: "del", ID: id}); err != nil {
		return err
	}
	delete(s.actions, id)
	delete(s.runs, id)
	return nil
}

func (s *fileStore) ListActions(ctx context.Context) ([]*schedule.ScheduledAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, ErrClosed
	}
	out := make([]*schedule.ScheduledAction, 0, len(s.actions))
	for _, r := range s.actions {
		sa, err := r.toAction()
		if err != nil {
			return nil, err
		}
		out = append(out, sa)
	}
	sortActions(out)
	return out, nil
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.runsFile).Encode(r); err != nil {
		return err
	}
	runs := append(s.runs[r.ActionID], r)
	if len(runs) > s.limit {
		runs = runs[len(runs)-s.limit:]
	}
	s.runs[r.ActionID] = runs
	return nil
}

func (s *fileStore) ListRuns(ctx context.Context, actionID string, limit int) ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return nil, ErrClosed
	}
	var out []RunRecord
	if actionID != "" {
		out = append(out, s.runs[actionID]...)
	} else {
		for _, runs := range s.runs {
			out = append(out, runs...)
		}
	}
	return newestFirst(out, limit), nil
}

func (s *fileStore) appendLocked(op journalOp) error {
	if err := json.NewEncoder(s.journalFile).Encode(op); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("action journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.actions); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]actionRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]actionRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]actionRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var op journalOp
		// A torn trailing line after a crash is skipped.
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil || op.ID == "" {
			continue
		}
		switch op.Op {
		case "put":
			if op.Record != nil {
				out[op.ID] = *op.Record
			}
		case "del":
			delete(out, op.ID)
		}
	}
	return sc.Err()
}

func loadRuns(path string, out map[string][]RunRecord, limit int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		runs := append(out[r.ActionID], r)
		if len(runs) > limit {
			runs = runs[len(runs)-limit:]
		}
		out[r.ActionID] = runs
	}
	return sc.Err()
}
