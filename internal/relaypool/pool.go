// Package relaypool implements component C4 of spec.md §4.4: one
// reference-counted pool of persistent relay connections per distinct
// sorted relay-set, multiplexing concurrent REQ subscriptions over them
// and resolving each with an EOSE-grace window plus a hard deadline.
package relaypool

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nweb-ext/nwebcore/internal/cache"
	"github.com/nweb-ext/nwebcore/internal/logging"
)

// EventCache is anything that can persist and recall events across the
// in-memory resultCache's lifetime — satisfied by *eventcache.Cache. A
// narrow interface here, rather than importing eventcache directly,
// keeps relaypool independently testable and mirrors the doh.Fallback
// pattern.
type EventCache interface {
	Save(ctx context.Context, ev *nostr.Event) error
	Query(ctx context.Context, filter nostr.Filter, cacheKey string, ttl time.Duration) ([]*nostr.Event, error)
}

// Config is the subset of internal/config.Config the pool needs,
// threaded explicitly rather than importing the config package, so
// relaypool stays usable from tests without pulling in godotenv/flag.
type Config struct {
	WSReconnect      time.Duration
	WSEOSEGrace      time.Duration
	WSQueryDeadline  time.Duration
	IdleRelayClose   time.Duration
	IdleReapInterval time.Duration
	CacheMaxEvents   int

	// Events is the persistent layer Query falls through to between the
	// in-memory resultCache and the network, and that fetched events are
	// saved to after a network round-trip. Nil disables the persistent
	// layer (used by tests that only care about the network/in-memory
	// behavior).
	Events EventCache
}

// pool is the per-relay-set connection and subscription multiplexer.
// Exported only through Manager, which owns reference counting.
type pool struct {
	key    string
	relays []string
	cfg    Config

	ctx    context.Context
	cancel context.CancelFunc

	connsMu sync.RWMutex
	conns   map[string]*connection

	subsMu sync.RWMutex
	subs   map[string]*subscription

	subCounter atomic.Int64

	resultCache *cache.BoundedCache[string, []*nostr.Event]

	refCount atomic.Int32
	closed   atomic.Bool
}

func newPool(relays []string, cfg Config) *pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &pool{
		key:         sortedKey(relays),
		relays:      relays,
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		conns:       make(map[string]*connection),
		subs:        make(map[string]*subscription),
		resultCache: cache.NewBounded[string, []*nostr.Event](cfg.CacheMaxEvents),
	}
	for _, url := range relays {
		c := newConnection(url, p, cfg.WSReconnect)
		p.conns[url] = c
		go c.run(ctx)
	}
	go p.reapIdle(ctx)
	return p
}

// sortedKey canonicalizes a relay set into a stable map key so two
// requests naming the same relays in different orders share one pool.
func sortedKey(relays []string) string {
	sorted := append([]string(nil), relays...)
	sort.Strings(sorted)
	return strings.Join(sorted, "\n")
}

// Query multiplexes a REQ across every relay in the pool and waits for
// either an EOSE-grace settle or the hard query deadline, per spec.md
// §4.4/§9. If cacheKey is non-empty and ttl > 0, a prior result is
// served without touching the network when still fresh: first from the
// in-memory resultCache, then from the persistent Events store (which
// survives process restarts) before anything is broadcast.
func (p *pool) Query(ctx context.Context, filter nostr.Filter, cacheKey string, ttl time.Duration) ([]*nostr.Event, error) {
	if cacheKey != "" && ttl > 0 {
		if events, ok := p.resultCache.Get(cacheKey); ok {
			return events, nil
		}
		if p.cfg.Events != nil {
			if events, err := p.cfg.Events.Query(ctx, filter, cacheKey, ttl); err == nil && len(events) > 0 {
				p.resultCache.Set(cacheKey, events, ttl)
				return events, nil
			}
		}
	}

	sub := newSubscription(p.nextSubID(), filter, cacheKey)
	p.registerSub(sub)
	defer p.unregisterSub(sub.id)

	p.broadcast(sub)

	events, err := p.awaitSettle(ctx, sub)
	if err != nil {
		return nil, err
	}

	if p.cfg.Events != nil {
		for _, ev := range events {
			if err := p.cfg.Events.Save(ctx, ev); err != nil {
				logging.Debug("relaypool", "Query", "persist event %s: %v", ev.ID, err)
			}
		}
	}

	if cacheKey != "" && ttl > 0 {
		p.resultCache.Set(cacheKey, events, ttl)
	}
	return events, nil
}

func (p *pool) awaitSettle(ctx context.Context, sub *subscription) ([]*nostr.Event, error) {
	eoseCh := sub.eoseCh

	deadline := time.NewTimer(p.cfg.WSQueryDeadline)
	defer deadline.Stop()

	var graceC <-chan time.Time

	for {
		select {
		case <-eoseCh:
			eoseCh = nil
			grace := time.NewTimer(p.cfg.WSEOSEGrace)
			defer grace.Stop()
			graceC = grace.C

		case <-graceC:
			return sub.finish(), nil

		case <-deadline.C:
			return sub.finish(), nil

		case <-ctx.Done():
			return nil, ctx.Err()

		case <-p.ctx.Done():
			return sub.finish(), nil
		}
	}
}

func (p *pool) nextSubID() string {
	return "s" + strconv.FormatInt(p.subCounter.Add(1), 10)
}

func (p *pool) registerSub(sub *subscription) {
	p.subsMu.Lock()
	p.subs[sub.id] = sub
	p.subsMu.Unlock()
}

func (p *pool) unregisterSub(id string) {
	p.subsMu.Lock()
	delete(p.subs, id)
	p.subsMu.Unlock()

	frame, err := encodeClose(id)
	if err != nil {
		return
	}
	p.connsMu.RLock()
	defer p.connsMu.RUnlock()
	for _, c := range p.conns {
		c.send(frame)
	}
}

// broadcast fans the subscription's REQ out to every relay connection
// concurrently. Connections still Connecting simply queue the frame.
func (p *pool) broadcast(sub *subscription) {
	frame, err := encodeREQ(sub.id, sub.filter)
	if err != nil {
		logging.Warn("relaypool", "encode REQ: %v", err)
		return
	}

	p.connsMu.RLock()
	conns := make([]*connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.connsMu.RUnlock()

	var g errgroup.Group
	for _, c := range conns {
		c := c
		g.Go(func() error {
			c.send(frame)
			return nil
		})
	}
	_ = g.Wait()
}

// handleFrame dispatches a decoded relay frame to the subscription it
// names. Frames for unknown or already-closed subscriptions, and frames
// of types this pool doesn't define, are silently dropped.
func (p *pool) handleFrame(raw []byte) {
	frame, err := decodeFrame(raw)
	if err != nil {
		logging.Debug("relaypool", "handleFrame", "dropping malformed frame: %v", err)
		return
	}
	if frame.Type == "" {
		return
	}

	p.subsMu.RLock()
	sub := p.subs[frame.SubID]
	p.subsMu.RUnlock()
	if sub == nil {
		return
	}

	switch frame.Type {
	case frameEvent:
		sub.addEvent(frame.Event)
	case frameEOSE:
		sub.markEOSE()
	}
}

// reapIdle closes relay connections that have neither sent nor received
// a frame in IdleRelayClose, checked every IdleReapInterval (spec.md §9).
func (p *pool) reapIdle(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.IdleReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.connsMu.RLock()
			for url, c := range p.conns {
				if c.State() == stateOpen && c.idleSince() > p.cfg.IdleRelayClose {
					logging.Debug("relaypool", "reapIdle", "closing idle relay %s", url)
					c.disconnectIdle()
				}
			}
			p.connsMu.RUnlock()
		}
	}
}

// Stats reports per-connection state for the debug status page.
type Stats struct {
	Key         string
	RefCount    int32
	Connections map[string]string
	Subscriptions int
}

func (p *pool) Stats() Stats {
	p.connsMu.RLock()
	conns := make(map[string]string, len(p.conns))
	for url, c := range p.conns {
		conns[url] = c.State().String()
	}
	p.connsMu.RUnlock()

	p.subsMu.RLock()
	n := len(p.subs)
	p.subsMu.RUnlock()

	return Stats{
		Key:           p.key,
		RefCount:      p.refCount.Load(),
		Connections:   conns,
		Subscriptions: n,
	}
}

func (p *pool) closeAll() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.cancel()
	p.connsMu.RLock()
	defer p.connsMu.RUnlock()
	for _, c := range p.conns {
		c.close()
	}
}

// Manager owns every live pool, keyed by sorted relay set, and reference
// counts acquisitions across resolver sessions per spec.md §4.4/§5:
// "changing a session's relay set closes the previous pool" generalizes
// to "releases this session's reference to it."
type Manager struct {
	cfg Config

	mu    sync.Mutex
	pools map[string]*pool
}

// NewManager builds a Manager that will construct pools with cfg.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg, pools: make(map[string]*pool)}
}

// Acquire returns the pool for relays, creating it if necessary, and
// increments its reference count. Callers must Release exactly once per
// Acquire.
func (m *Manager) Acquire(relays []string) *pool {
	key := sortedKey(relays)

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pools[key]; ok {
		p.refCount.Add(1)
		return p
	}

	p := newPool(relays, m.cfg)
	p.refCount.Store(1)
	m.pools[key] = p
	return p
}

// Release decrements p's reference count, tearing it down and removing
// it from the manager once no session still holds it.
func (m *Manager) Release(p *pool) {
	if p.refCount.Add(-1) > 0 {
		return
	}

	m.mu.Lock()
	if m.pools[p.key] == p {
		delete(m.pools, p.key)
	}
	m.mu.Unlock()

	p.closeAll()
}

// Stats reports Stats for every pool currently live, keyed by relay-set
// key, for the debug status page and the stats() RPC.
func (m *Manager) Stats() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Stats, len(m.pools))
	for key, p := range m.pools {
		out[key] = p.Stats()
	}
	return out
}

// CloseAll tears down every live pool, regardless of reference count.
// Used on process shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	pools := make([]*pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.pools = make(map[string]*pool)
	m.mu.Unlock()

	for _, p := range pools {
		p.closeAll()
	}
}
