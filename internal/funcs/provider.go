// Package funcs supplies the engine's function providers: timestamps and
// time-ordered identifiers. The engine is polymorphic over the provider so
// tests can pin deterministic streams.
package funcs

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Provider produces timestamps and UUID-v7 identifiers. Timestamps are
// monotonically non-decreasing within a provider.
type Provider interface {
	// Timestamp returns an ISO-8601 UTC timestamp with millisecond
	// precision.
	Timestamp() string

	// UUID returns a time-ordered UUID-v7 string.
	UUID() string
}

// NewClock returns the real-clock provider.
func NewClock() Provider { return &clockProvider{} }

type clockProvider struct {
	mu   sync.Mutex
	last time.Time
}

func (p *clockProvider) Timestamp() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now().UTC()
	// Never move backwards within one provider, even if the wall clock
	// does.
	if !now.After(p.last) {
		now = p.last.Add(time.Millisecond)
	}
	p.last = now
	return now.Format("2006-01-02T15:04:05.000Z")
}

func (p *clockProvider) UUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does; fall back to v4
		// rather than poisoning the engine.
		return uuid.NewString()
	}
	return id.String()
}

// Deterministic is a provider for tests: a fixed timestamp and a counted
// uuid stream ("uuid-0", "uuid-1", ...).
type Deterministic struct {
	mu    sync.Mutex
	Time  string
	Seq   int
	Label string
}

// NewDeterministic returns a provider pinned to the given timestamp.
func NewDeterministic(ts string) *Deterministic {
	return &Deterministic{Time: ts, Label: "uuid"}
}

func (p *Deterministic) Timestamp() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Time
}

func (p *Deterministic) UUID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("%s-%d", p.Label, p.Seq)
	p.Seq++
	return id
}
