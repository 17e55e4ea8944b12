package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"recurd/internal/schedule"
	logx "recurd/pkg/logx"
)

// sqliteTime is fixed width so text ordering matches time ordering.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db    *sql.DB
	log   logx.Logger
	limit int

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, limit: cfg.runLogLimit(), pruneEvery: 200}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveAction(ctx context.Context, sa *schedule.ScheduledAction) error {
	r, err := toRecord(sa)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO actions(id, kind, payload, start_at, every, last_run, state, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   kind=excluded.kind, payload=excluded.payload, start_at=excluded.start_at,
		   every=excluded.every, last_run=excluded.last_run, state=excluded.state,
		   created_at=excluded.created_at, updated_at=excluded.updated_at`,
		r.ID, r.Kind, nullStr(string(r.Payload)), nullTime(r.Start), nullStr(r.Interval), nullTime(r.LastRun),
		r.State, r.CreatedAt.Format(sqliteTime), r.UpdatedAt.Format(sqliteTime),
	)
	return s.wrap(err)
}

const actionColumns = `id, kind, payload, start_at, every, last_run, state, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*schedule.ScheduledAction, error) {
	var (
		r                      actionRecord
		payload, start, iv, lr sql.NullString
		created, updated       string
	)
	if err := row.Scan(&r.ID, &r.Kind, &payload, &start, &iv, &lr, &r.State, &created, &updated); err != nil {
		return nil, err
	}
	if payload.Valid {
		r.Payload = json.RawMessage(payload.String)
	}
	r.Interval = iv.String
	var err error
	if r.Start, err = parseNullTime(start); err != nil {
		return nil, err
	}
	if r.LastRun, err = parseNullTime(lr); err != nil {
		return nil, err
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return r.toAction()
}

func (s *sqliteStore) LoadAction(ctx context.Context, id string) (*schedule.ScheduledAction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = ?`, strings.TrimSpace(id))
	sa, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sa, s.wrap(err)
}

func (s *sqliteStore) DeleteAction(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM actions WHERE id = ?`, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE action_id = ?`, strings.TrimSpace(id)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) ListActions(ctx context.Context) ([]*schedule.ScheduledAction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+actionColumns+` FROM actions ORDER BY id`)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer rows.Close()

	var out []*schedule.ScheduledAction
	for rows.Next() {
		sa, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sa)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if r.Started.IsZero() {
		r.Started = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, action_id, outcome, started, duration_ms, queue_ms, attempts, err)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.ID, r.ActionID, r.Outcome, r.Started.UTC().Format(sqliteTime),
		r.Duration.Milliseconds(), r.QueueDelay.Milliseconds(), r.Attempts, nullStr(r.Error),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		if perr := s.pruneRuns(pctx); perr != nil {
			s.log.Debug("run log prune failed", logx.Err(perr))
		}
		cancel()
	}
	return s.wrap(err)
}

func (s *sqliteStore) ListRuns(ctx context.Context, actionID string, limit int) ([]RunRecord, error) {
	q := `SELECT id, action_id, outcome, started, duration_ms, queue_ms, attempts, err FROM runs`
	var args []any
	if actionID != "" {
		q += ` WHERE action_id = ?`
		args = append(args, actionID)
	}
	q += ` ORDER BY started DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r              RunRecord
			started        string
			durMS, queueMS int64
			errText        sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.ActionID, &r.Outcome, &started, &durMS, &queueMS, &r.Attempts, &errText); err != nil {
			return nil, err
		}
		r.Started, _ = time.Parse(time.RFC3339Nano, started)
		r.Duration = time.Duration(durMS) * time.Millisecond
		r.QueueDelay = time.Duration(queueMS) * time.Millisecond
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// pruneRuns keeps the newest limit records per action.
func (s *sqliteStore) pruneRuns(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id IN (
		   SELECT id FROM (
		     SELECT id, ROW_NUMBER() OVER (PARTITION BY action_id ORDER BY started DESC) AS rn FROM runs
		   ) WHERE rn > ?
		 )`, s.limit)
	return err
}

func (s *sqliteStore) wrap(err error) error {
	if err != nil && strings.Contains(err.Error(), "database is closed") {
		return ErrClosed
	}
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(sqliteTime)
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, fmt.Errorf("storage: parse time %q: %w", v.String, err)
	}
	return &t, nil
}
