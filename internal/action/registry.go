// Package action maps action kinds to the handlers that execute them.
package action

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"recurd/internal/schedule"
)

var (
	ErrUnknownKind   = errors.New("unknown action kind")
	ErrDuplicateKind = errors.New("action kind already registered")
)

// Handler executes one run of an action.
type Handler func(ctx context.Context, a schedule.Action) error

// Registry maps action kinds to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(kind string, h Handler) error {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return fmt.Errorf("action: empty kind")
	}
	if h == nil {
		return fmt.Errorf("action: nil handler for kind %q", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[kind]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateKind, kind)
	}
	r.handlers[kind] = h
	return nil
}

func (r *Registry) Lookup(kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Has reports whether kind has a handler.
func (r *Registry) Has(kind string) bool {
	_, ok := r.Lookup(kind)
	return ok
}

// Kinds returns registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Runner binds a to its handler and returns the engine task body.
func (r *Registry) Runner(a schedule.Action) (func(ctx context.Context) error, error) {
	h, ok := r.Lookup(a.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q (action %s)", ErrUnknownKind, a.Kind, a.ID)
	}
	return func(ctx context.Context) error { return h(ctx, a) }, nil
}
