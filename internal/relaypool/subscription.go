package relaypool

import (
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// subscription tracks one in-flight REQ across every relay in a pool:
// its id, a dedup set of event ids already collected, the accumulated
// events, and the first-EOSE signal the pool's Query waits on before
// starting the grace timer (spec.md §9).
type subscription struct {
	id     string
	filter nostr.Filter

	cacheKey string

	mu     sync.Mutex
	seen   map[string]struct{}
	events []*nostr.Event

	eoseCh   chan struct{}
	eoseOnce sync.Once
}

func newSubscription(id string, filter nostr.Filter, cacheKey string) *subscription {
	return &subscription{
		id:       id,
		filter:   filter,
		cacheKey: cacheKey,
		seen:     make(map[string]struct{}),
		eoseCh:   make(chan struct{}),
	}
}

// addEvent records ev if its id hasn't been seen yet on this
// subscription. Relays commonly resend events across reconnects, so
// dedup happens per subscription rather than relying on relays to be
// well-behaved.
func (s *subscription) addEvent(ev *nostr.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[ev.ID]; dup {
		return
	}
	s.seen[ev.ID] = struct{}{}
	s.events = append(s.events, ev)
}

// markEOSE signals the first EOSE seen from any relay on this
// subscription. Only the first call has any effect.
func (s *subscription) markEOSE() {
	s.eoseOnce.Do(func() { close(s.eoseCh) })
}

// finish returns the accumulated events, newest first.
func (s *subscription) finish() []*nostr.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*nostr.Event, len(s.events))
	copy(out, s.events)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}
