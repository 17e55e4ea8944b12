package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"recurd/internal/schedule"
	logx "recurd/pkg/logx"
)

// redisStore keeps each action as a JSON string under <prefix>action:<id>,
// enumerates ids through the <prefix>action_ids set and keeps a capped
// newest-first run list per action under <prefix>runs:<id>.
type redisStore struct {
	client goredis.UniversalClient
	log    logx.Logger
	prefix string
	limit  int
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	var opts *goredis.Options
	if u := strings.TrimSpace(cfg.RedisURL); u != "" {
		o, err := goredis.ParseURL(u)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		opts = o
	} else {
		addr := strings.TrimSpace(cfg.RedisAddr)
		if addr == "" {
			addr = "localhost:6379"
		}
		opts = &goredis.Options{Addr: addr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	}

	client := goredis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return NewRedis(client, cfg, log), nil
}

// NewRedis wraps an existing client. Close closes the client.
func NewRedis(client goredis.UniversalClient, cfg Config, log logx.Logger) Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "recurd:"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{client: client, log: log, prefix: prefix, limit: cfg.runLogLimit()}
}

func (s *redisStore) actionKey(id string) string { return s.prefix + "action:" + id }
func (s *redisStore) actionIDsKey() string       { return s.prefix + "action_ids" }
func (s *redisStore) runsKey(id string) string   { return s.prefix + "runs:" + id }

func (s *redisStore) SaveAction(ctx context.Context, sa *schedule.ScheduledAction) error {
	b, err := encodeRecord(sa)
	if err != nil {
		return err
	}
	id := sa.ID()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.actionKey(id), b, 0)
	pipe.SAdd(ctx, s.actionIDsKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return s.wrap(fmt.Errorf("redis save action %s: %w", id, err))
	}
	return nil
}

func (s *redisStore) LoadAction(ctx context.Context, id string) (*schedule.ScheduledAction, error) {
	b, err := s.client.Get(ctx, s.actionKey(strings.TrimSpace(id))).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.wrap(fmt.Errorf("redis load action %s: %w", id, err))
	}
	return decodeRecord(b)
}

func (s *redisStore) DeleteAction(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.actionKey(id))
	pipe.SRem(ctx, s.actionIDsKey(), id)
	pipe.Del(ctx, s.runsKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return s.wrap(fmt.Errorf("redis delete action %s: %w", id, err))
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *redisStore) ListActions(ctx context.Context) ([]*schedule.ScheduledAction, error) {
	ids, err := s.client.SMembers(ctx, s.actionIDsKey()).Result()
	if err != nil {
		return nil, s.wrap(fmt.Errorf("redis list actions: %w", err))
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.actionKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, s.wrap(fmt.Errorf("redis list actions: %w", err))
	}
	out := make([]*schedule.ScheduledAction, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// Index entry without a record; skip it.
			s.log.Debug("redis action index points to missing record", logx.String("id", ids[i]))
			continue
		}
		sa, err := decodeRecord([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, sa)
	}
	sortActions(out)
	return out, nil
}

func (s *redisStore) AppendRun(ctx context.Context, r RunRecord) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	key := s.runsKey(r.ActionID)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, b)
	pipe.LTrim(ctx, key, 0, int64(s.limit-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return s.wrap(fmt.Errorf("redis append run: %w", err))
	}
	return nil
}

func (s *redisStore) ListRuns(ctx context.Context, actionID string, limit int) ([]RunRecord, error) {
	var ids []string
	if actionID != "" {
		ids = []string{actionID}
	} else {
		var err error
		ids, err = s.client.SMembers(ctx, s.actionIDsKey()).Result()
		if err != nil {
			return nil, s.wrap(fmt.Errorf("redis list runs: %w", err))
		}
	}

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	var out []RunRecord
	for _, id := range ids {
		vals, err := s.client.LRange(ctx, s.runsKey(id), 0, stop).Result()
		if err != nil {
			return nil, s.wrap(fmt.Errorf("redis list runs %s: %w", id, err))
		}
		for _, v := range vals {
			var r RunRecord
			if err := json.Unmarshal([]byte(v), &r); err != nil {
				continue
			}
			out = append(out, r)
		}
	}
	return newestFirst(out, limit), nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

func (s *redisStore) wrap(err error) error {
	if errors.Is(err, goredis.ErrClosed) {
		return ErrClosed
	}
	return err
}
