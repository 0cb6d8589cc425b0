// Package eventcache implements the persistent manifest/asset/site-index
// event cache of spec.md §4.1 (component C1's persistent half): an
// embedded badger-backed eventstore in front of which sits an in-memory
// BoundedCache fast path, keyed by the same cache keys the resolver
// computes (manifest id for a manifest, site-index id plus asset ids
// for an asset set, publisher key plus d-tag for the site index). Grounded directly on the teacher's Save/Query helpers
// around github.com/fiatjaf/eventstore/badger.BadgerBackend.
package eventcache

import (
	"context"
	"time"

	"github.com/fiatjaf/eventstore/badger"
	"github.com/nbd-wtf/go-nostr"

	"github.com/nweb-ext/nwebcore/internal/cache"
	"github.com/nweb-ext/nwebcore/internal/logging"
)

// Cache is the persistent event store for manifests, assets, and site
// indexes, fronted by an in-memory BoundedCache so repeated lookups for
// hot content don't round-trip through badger.
type Cache struct {
	backend *badger.BadgerBackend
	hot     *cache.BoundedCache[string, []*nostr.Event]
}

// Open initializes a badger-backed event store rooted at dir, with an
// in-memory fast path holding up to maxHot cache keys.
func Open(dir string, maxHot int) (*Cache, error) {
	backend := &badger.BadgerBackend{Path: dir}
	if err := backend.Init(); err != nil {
		return nil, err
	}
	return &Cache{
		backend: backend,
		hot:     cache.NewBounded[string, []*nostr.Event](maxHot),
	}, nil
}

// Close releases the underlying badger database.
func (c *Cache) Close() {
	c.backend.Close()
}

// Save persists ev, per spec.md §4.1 "every fetched manifest/asset/site
// index event is saved to the persistent store as it is fetched."
func (c *Cache) Save(ctx context.Context, ev *nostr.Event) error {
	if err := c.backend.SaveEvent(ctx, ev); err != nil {
		logging.Debug("eventcache", "Save", "failed to save event %s: %v", ev.ID, err)
		return err
	}
	return nil
}

// Query runs filter against the persistent store, caching the result
// in-memory under cacheKey for ttl if both are non-empty/non-zero. A
// fresh hit in the in-memory cache skips the store entirely; ttl == 0
// means "never cache this lookup" (used for the always-fresh entrypoint
// fetch of spec.md §4.2).
func (c *Cache) Query(ctx context.Context, filter nostr.Filter, cacheKey string, ttl time.Duration) ([]*nostr.Event, error) {
	if cacheKey != "" && ttl != 0 {
		if events, ok := c.hot.Get(cacheKey); ok {
			return events, nil
		}
	}

	ch, err := c.backend.QueryEvents(ctx, filter)
	if err != nil {
		return nil, err
	}

	var events []*nostr.Event
	for ev := range ch {
		events = append(events, ev)
	}

	if cacheKey != "" && ttl != 0 {
		c.hot.Set(cacheKey, events, ttl)
	}
	return events, nil
}

// Invalidate drops cacheKey from the in-memory fast path, used when an
// asset or manifest is known to have changed (e.g. a replaceable
// entrypoint event superseding an older one).
func (c *Cache) Invalidate(cacheKey string) {
	c.hot.Delete(cacheKey)
}

// Stats exposes the in-memory fast path's valid/expired/size bookkeeping
// for the debug status page.
func (c *Cache) Stats() cache.Stats {
	return c.hot.Stats()
}
