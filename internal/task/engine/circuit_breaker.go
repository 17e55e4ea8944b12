package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	logx "recurd/pkg/logx"
)

// breaker wraps one gobreaker instance for a single task key.
// The whole execution (all retry attempts) counts as one request.
type breaker struct {
	cb  *gobreaker.CircuitBreaker[struct{}]
	cfg circuitCfg
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*breaker
}

// circuitCfg holds effective settings after applying defaults.
type circuitCfg struct {
	trip       int
	openFor    time.Duration
	resetAfter time.Duration
	enabled    bool
}

func effectiveCircuitCfg(engineCfg Config, opt TaskOptions) circuitCfg {
	trip := engineCfg.CircuitTripFailures
	if opt.CircuitTripFailures != 0 {
		trip = opt.CircuitTripFailures
	}
	if trip == 0 {
		trip = 5
	}
	c := circuitCfg{
		trip:       trip,
		openFor:    engineCfg.CircuitOpenFor,
		resetAfter: engineCfg.CircuitResetAfter,
		enabled:    trip > 0,
	}
	if c.openFor <= 0 {
		c.openFor = 30 * time.Second
	}
	return c
}

// get returns the breaker for key, rebuilding it when its settings changed.
// It returns nil when circuit breaking is disabled for the task.
func (s *circuitStore) get(key string, cfg circuitCfg, log logx.Logger) *breaker {
	k := strings.TrimSpace(key)
	if k == "" || !cfg.enabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[string]*breaker)
	}
	if b := s.m[k]; b != nil && b.cfg == cfg {
		return b
	}

	trip := uint32(cfg.trip)
	b := &breaker{cfg: cfg}
	b.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        k,
		MaxRequests: 1, // one probe in half-open state
		Interval:    cfg.resetAfter,
		Timeout:     cfg.openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				logx.String("task_key", name),
				logx.String("from", from.String()),
				logx.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// Shutdown cancellation says nothing about the downstream.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	s.m[k] = b
	return b
}

func (s *circuitStore) reset() {
	s.mu.Lock()
	s.m = nil
	s.mu.Unlock()
}

func (b *breaker) open() bool {
	return b != nil && b.cb.State() == gobreaker.StateOpen
}

// run executes fn under the breaker. Rejections map to ErrCircuitOpen.
func (b *breaker) run(fn func() error) error {
	if b == nil {
		return fn()
	}
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// circuitIsOpen reports whether the breaker for key currently rejects work.
func (s *Service) circuitIsOpen(key string, cfg Config, opt TaskOptions) bool {
	return s.circuits.get(key, effectiveCircuitCfg(cfg, opt), s.log).open()
}

func (s *Service) circuitSnapshot() (total, open int) {
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	for _, b := range s.circuits.m {
		total++
		if b.open() {
			open++
		}
	}
	return total, open
}
