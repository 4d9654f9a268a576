// Package generation fans a brief out to the registered generation
// backends and collects their drafts or typed failures.
package generation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/contentpipe/pkg/config"
	"github.com/ethpandaops/contentpipe/pkg/draft"
	"github.com/ethpandaops/contentpipe/pkg/gate"
)

// Backend is the generation capability of one backend.
type Backend interface {
	// ID returns the backend identifier used for registration and audit.
	ID() string

	// Generate produces a draft for brief. Only Content, TokenCost and
	// optionally GenerationLatencyMs need to be set.
	Generate(ctx context.Context, brief draft.Brief) (*draft.Draft, error)
}

// Reviser is the auto-revision capability.
type Reviser interface {
	// Revise returns a new draft addressing the failing score cards. The
	// input draft is never modified.
	Revise(ctx context.Context, d *draft.Draft, failing []gate.ScoreCard) (*draft.Draft, error)
}

// Entry is a registered backend with its per-call timeout.
type Entry struct {
	Backend Backend
	Timeout time.Duration
}

// Registry holds backends in registration order. That order breaks
// comparator ties.
type Registry interface {
	Register(b Backend, timeout time.Duration) error
	Get(id string) (Backend, bool)
	Entries() []Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() Registry {
	return &registry{
		index: make(map[string]int, 2),
	}
}

type registry struct {
	mu      sync.RWMutex
	entries []Entry
	index   map[string]int
}

// Compile-time interface check.
var _ Registry = (*registry)(nil)

// Register appends b. IDs must be unique.
func (r *registry) Register(b Backend, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[b.ID()]; ok {
		return fmt.Errorf("backend %q already registered", b.ID())
	}

	r.index[b.ID()] = len(r.entries)
	r.entries = append(r.entries, Entry{Backend: b, Timeout: timeout})

	return nil
}

// Get returns the backend registered under id.
func (r *registry) Get(id string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.index[id]
	if !ok {
		return nil, false
	}

	return r.entries[i].Backend, true
}

// Entries returns a copy of the registered entries in order.
func (r *registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]Entry(nil), r.entries...)
}

// NewChatRegistry registers one chat backend per configured backend.
func NewChatRegistry(log logrus.FieldLogger, cfg *config.GenerationConfig) (Registry, error) {
	r := NewRegistry()

	for i := range cfg.Backends {
		b := &cfg.Backends[i]

		if err := r.Register(NewChatBackend(log, b), b.TimeoutDuration(cfg.TimeoutDuration())); err != nil {
			return nil, err
		}
	}

	return r, nil
}
