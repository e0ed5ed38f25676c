// Package svcpool implements the per-(node, service-type) endpoint set
// of spec.md §4.5: bounded growth between min/max endpoints, a
// selection strategy, and idle reaping back down to min.
package svcpool

import (
	"context"
	"sync"
	"time"

	"github.com/couchbase/cbcore/endpoint"
)

// Strategy picks one endpoint out of a pool's live set.
type Strategy int

const (
	// RoundRobin is the default for non-KV services.
	RoundRobin Strategy = iota
	// FirstAvailable is used for KV, where one endpoint per node is
	// typical (spec.md §4.5).
	FirstAvailable
)

// Config mirrors spec.md §4.5's pool config fields.
type Config struct {
	MinEndpoints int
	MaxEndpoints int
	IdleTime     time.Duration
	Strategy     Strategy
	// InflightCap is the per-connection in-flight cap used by the
	// saturation check that drives growth.
	InflightCap int
}

// member tracks one endpoint plus the bookkeeping the pool needs for
// idle reaping (spec.md §4.5's "idle (no in-flight and no new
// dispatch) for idle-time").
type member struct {
	ep           *endpoint.Endpoint
	lastDispatch time.Time
}

// Pool owns the live endpoint set for one (node, service-type) pair.
type Pool struct {
	cfg     Config
	factory func() *endpoint.Endpoint

	mu      sync.Mutex
	members []*member
	rrIndex int
	closed  bool

	stop chan struct{}
}

// New creates a Pool that lazily grows endpoints via factory up to
// cfg.MaxEndpoints, pre-populated with cfg.MinEndpoints.
func New(cfg Config, factory func() *endpoint.Endpoint) *Pool {
	if cfg.MaxEndpoints <= 0 {
		cfg.MaxEndpoints = 1
	}
	if cfg.MinEndpoints > cfg.MaxEndpoints {
		cfg.MinEndpoints = cfg.MaxEndpoints
	}

	p := &Pool{cfg: cfg, factory: factory, stop: make(chan struct{})}
	for i := 0; i < cfg.MinEndpoints; i++ {
		p.members = append(p.members, &member{ep: factory(), lastDispatch: time.Now()})
	}
	return p
}

// Acquire returns a dispatchable endpoint per the pool's strategy,
// growing the set if every member is saturated and there's room under
// MaxEndpoints, per spec.md §4.5's growth rule. Returns ok=false if the
// pool is at max and every member is saturated or not yet connected
// (pool saturation — the dispatcher applies its retry strategy).
func (p *Pool) Acquire(ctx context.Context) (*endpoint.Endpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false
	}

	if ep := p.pick(); ep != nil {
		return ep, true
	}

	if len(p.members) < p.cfg.MaxEndpoints {
		m := &member{ep: p.factory(), lastDispatch: time.Now()}
		p.members = append(p.members, m)
		go m.ep.Connect(ctx)
		return nil, false // freshly created endpoint is not yet dispatchable
	}

	return nil, false
}

// pick selects a dispatchable, unsaturated member per the configured
// strategy, or nil if none qualifies.
func (p *Pool) pick() *endpoint.Endpoint {
	if len(p.members) == 0 {
		return nil
	}

	switch p.cfg.Strategy {
	case FirstAvailable:
		for _, m := range p.members {
			if p.usable(m) {
				m.lastDispatch = time.Now()
				return m.ep
			}
		}
		return nil
	default: // RoundRobin
		n := len(p.members)
		for i := 0; i < n; i++ {
			idx := (p.rrIndex + i) % n
			m := p.members[idx]
			if p.usable(m) {
				p.rrIndex = (idx + 1) % n
				m.lastDispatch = time.Now()
				return m.ep
			}
		}
		return nil
	}
}

func (p *Pool) usable(m *member) bool {
	if !m.ep.Dispatchable() {
		return false
	}
	if p.cfg.InflightCap <= 0 {
		return true
	}
	return m.ep.InflightCount() < p.cfg.InflightCap
}

// Len returns the current number of endpoints, for tests.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members)
}

// ReapIdle closes and drops endpoints that have been idle for longer
// than cfg.IdleTime, never going below cfg.MinEndpoints, per spec.md
// §4.5's shrink rule.
func (p *Pool) ReapIdle(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	closeBudget := len(p.members) - p.cfg.MinEndpoints
	survivors := make([]*member, 0, len(p.members))
	for _, m := range p.members {
		idle := m.ep.InflightCount() == 0 && now.Sub(m.lastDispatch) >= p.cfg.IdleTime
		if idle && closeBudget > 0 {
			m.ep.Close()
			closeBudget--
			continue
		}
		survivors = append(survivors, m)
	}
	p.members = survivors
}

// RunIdleReaper runs ReapIdle on a ticker until ctx is canceled.
func (p *Pool) RunIdleReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.ReapIdle(now)
		}
	}
}

// CloseAll force-closes every member endpoint immediately, with no grace
// period. Shutdown is the bounded-grace variant for a deliberate pool
// teardown; ReapIdle closes the idle members it removes itself and does
// not go through CloseAll.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.members {
		m.ep.Close()
	}
	p.members = nil
}

// Shutdown implements spec.md §5's graceful-shutdown contract for the
// pool: stop accepting new dispatch immediately (Acquire starts returning
// ok=false), then give every member up to grace to finish its in-flight
// requests on its own before force-closing whatever remains.
func (p *Pool) Shutdown(ctx context.Context, grace time.Duration) {
	p.mu.Lock()
	p.closed = true
	members := p.members
	p.members = nil
	p.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(members))
	for _, m := range members {
		m := m
		go func() {
			defer wg.Done()
			m.ep.Drain(ctx, grace)
		}()
	}
	wg.Wait()
}
