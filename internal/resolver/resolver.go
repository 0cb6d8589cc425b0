// Package resolver implements component C5 of spec.md §4.5: the
// six-stage pipeline from a host name to an assembled document, each
// stage sharing the relay pool acquired for the bootstrap's relay set.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nweb-ext/nwebcore/internal/assembler"
	"github.com/nweb-ext/nwebcore/internal/cache"
	"github.com/nweb-ext/nwebcore/internal/doh"
	"github.com/nweb-ext/nwebcore/internal/errs"
	"github.com/nweb-ext/nwebcore/internal/integrity"
	"github.com/nweb-ext/nwebcore/internal/logging"
	"github.com/nweb-ext/nwebcore/internal/relaypool"
	"github.com/nweb-ext/nwebcore/internal/store"
	"github.com/nweb-ext/nwebcore/internal/validate"
)

const (
	kindEntrypoint = 11126
	kindSiteIndex  = 31126
	kindManifest   = 1126
)

// Config is the subset of internal/config.Config the resolver needs.
type Config struct {
	MaxRelays      int
	TTLSiteIndex   time.Duration
	TTLImmutable   time.Duration
	TTLFailureMemo time.Duration
	SRIDeadline    time.Duration
	MaxContentSize int64

	// TTLPrefetch bounds the in-memory bundle cache; TTLOffline bounds
	// the persistent one, per spec.md §3/§6's two-layer assembled-
	// document cache. PrefetchMax caps the in-memory cache's entry
	// count.
	TTLPrefetch time.Duration
	TTLOffline  time.Duration
	PrefetchMax int
}

// Resolver ties the DoH client, relay pool manager, and failure memo
// together into the pipeline of spec.md §4.5.
type Resolver struct {
	cfg      Config
	doh      *doh.Client
	pools    *relaypool.Manager
	offline  *store.Offline
	failures *cache.FailureMemo

	bundles *cache.BoundedCache[string, *assembler.Bundle]
}

// New builds a Resolver. pools, dohClient, and offline are shared across
// every resolver session in the process.
func New(cfg Config, dohClient *doh.Client, pools *relaypool.Manager, offline *store.Offline) *Resolver {
	return &Resolver{
		cfg:      cfg,
		doh:      dohClient,
		pools:    pools,
		offline:  offline,
		failures: cache.NewFailureMemo(cfg.TTLFailureMemo),
		bundles:  cache.NewBounded[string, *assembler.Bundle](cfg.PrefetchMax),
	}
}

// AssetSet is the result of the asset-fetch stage: both the id-only view
// the fetchAssets RPC returns and the role-categorized events the
// integrity verifier and assembler consume.
type AssetSet struct {
	HTMLID   string                    `json:"html"`
	CSSIDs   []string                  `json:"css"`
	JSIDs    []string                  `json:"js"`
	OtherIDs []string                  `json:"other"`
	ByID     map[string]*nostr.Event   `json:"byId"`

	Categorized assembler.Categorized `json:"-"`
}

// Categorize rebuilds the role-categorized event view from the ordered
// id slices plus ByID, for a caller (the RPC handler) that received an
// AssetSet over the wire and lost the unexported Categorized field in
// transit. Rebuilding from the id slices, rather than re-deriving roles
// from ByID (an unordered map), preserves the manifest order FetchAssets
// already established.
func (a AssetSet) Categorize() assembler.Categorized {
	var cat assembler.Categorized
	if a.HTMLID != "" {
		cat.HTML = a.ByID[a.HTMLID]
	}
	for _, id := range a.CSSIDs {
		if ev := a.ByID[id]; ev != nil {
			cat.CSS = append(cat.CSS, ev)
		}
	}
	for _, id := range a.JSIDs {
		if ev := a.ByID[id]; ev != nil {
			cat.JS = append(cat.JS, ev)
		}
	}
	for _, id := range a.OtherIDs {
		if ev := a.ByID[id]; ev != nil {
			cat.Other = append(cat.Other, ev)
		}
	}
	return cat
}

// DNSBootstrap resolves host to its { pk, relays } tuple via DoH.
func (r *Resolver) DNSBootstrap(ctx context.Context, host string) (*doh.Bootstrap, error) {
	return r.doh.Bootstrap(ctx, host)
}

// FetchSiteIndex runs stages 2-3 of spec.md §4.5: fetch the publisher's
// entrypoint event, extract the site index it points at via its a-tag,
// and fetch that site index.
func (r *Resolver) FetchSiteIndex(ctx context.Context, bs *doh.Bootstrap) (*nostr.Event, error) {
	pool := r.pools.Acquire(r.boundedRelays(bs.Relays))
	defer r.pools.Release(pool)

	entrypoints, err := pool.Query(ctx, nostr.Filter{
		Kinds:   []int{kindEntrypoint},
		Authors: []string{bs.PK},
		Limit:   1,
	}, "", 0)
	if err != nil {
		return nil, err
	}
	if len(entrypoints) == 0 {
		return nil, errs.New(errs.NotPublished, "no entrypoint event published for this key")
	}

	entry := entrypoints[0]
	kind, d, err := parseEntrypointATag(entry)
	if err != nil {
		return nil, err
	}
	if kind != "31126" || d == "" {
		return nil, errs.New(errs.BadEntrypoint, "entrypoint a-tag must reference kind 31126 with a non-empty d-tag")
	}

	cacheKey := fmt.Sprintf("idx:%s:%s", bs.PK, d)
	siteEvents, err := pool.Query(ctx, nostr.Filter{
		Kinds:   []int{kindSiteIndex},
		Authors: []string{bs.PK},
		Tags:    nostr.TagMap{"d": []string{d}},
	}, cacheKey, r.cfg.TTLSiteIndex)
	if err != nil {
		return nil, err
	}
	if len(siteEvents) == 0 {
		return nil, errs.New(errs.NotPublished, "no site index published for this key")
	}
	return siteEvents[0], nil
}

// parseEntrypointATag extracts the kind and d-tag the entrypoint's first
// a-tag (NIP-01 "kind:pubkey:d" addressable-event coordinate) names.
func parseEntrypointATag(entry *nostr.Event) (kind, d string, err error) {
	for _, tag := range entry.Tags {
		if len(tag) < 2 || tag[0] != "a" {
			continue
		}
		parts := strings.SplitN(tag[1], ":", 3)
		if len(parts) < 2 {
			return "", "", errs.New(errs.BadEntrypoint, "malformed a-tag coordinate")
		}
		kind = parts[0]
		if len(parts) == 3 {
			d = parts[2]
		}
		return kind, d, nil
	}
	return "", "", errs.New(errs.BadEntrypoint, "entrypoint event carries no a-tag")
}

type siteIndexContent struct {
	Routes map[string]string `json:"routes"`
}

// FetchManifestForRoute runs stages 4-5: look the route up in the site
// index's routes object, then fetch the manifest event it names.
func (r *Resolver) FetchManifestForRoute(ctx context.Context, bs *doh.Bootstrap, siteIndex *nostr.Event, route string) (*nostr.Event, error) {
	var content siteIndexContent
	if err := json.Unmarshal([]byte(siteIndex.Content), &content); err != nil || content.Routes == nil {
		return nil, errs.New(errs.ProtocolError, "site index content is not a JSON object with a routes map")
	}

	manifestID, ok := content.Routes[route]
	if !ok {
		available := make([]string, 0, len(content.Routes))
		for r := range content.Routes {
			available = append(available, r)
		}
		sort.Strings(available)
		return nil, errs.WithDetails(errs.RouteNotFound, fmt.Sprintf("route %q is not published", route),
			map[string]any{"available": available})
	}

	pool := r.pools.Acquire(r.boundedRelays(bs.Relays))
	defer r.pools.Release(pool)

	events, err := pool.Query(ctx, nostr.Filter{IDs: []string{manifestID}}, "man:"+manifestID, r.cfg.TTLImmutable)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, errs.Newf(errs.ManifestMissing, "manifest %s not found", manifestID)
	}
	return events[0], nil
}

// FetchAssets runs stages 6-7: extract every e-tagged asset id the
// manifest names, fetch them as a set, and categorize by MIME.
func (r *Resolver) FetchAssets(ctx context.Context, bs *doh.Bootstrap, manifest *nostr.Event, siteIndexID string) (*AssetSet, error) {
	var ids []string
	for _, tag := range manifest.Tags {
		if len(tag) >= 2 && tag[0] == "e" {
			ids = append(ids, tag[1])
		}
	}
	if len(ids) == 0 {
		return nil, errs.New(errs.AssetsMissing, "manifest names no assets")
	}

	cacheKey := fmt.Sprintf("site:%s:assets:%s", siteIndexID, strings.Join(ids, ","))

	pool := r.pools.Acquire(r.boundedRelays(bs.Relays))
	defer r.pools.Release(pool)

	events, err := pool.Query(ctx, nostr.Filter{IDs: ids}, cacheKey, r.cfg.TTLImmutable)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*nostr.Event, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}
	// Reorder into manifest (e-tag) order: the pool returns events sorted
	// by created_at descending, but spec.md §4.7 requires CSS/JS to be
	// collected in manifest order.
	ordered := make([]*nostr.Event, 0, len(ids))
	for _, id := range ids {
		ev, ok := byID[id]
		if !ok {
			return nil, errs.Newf(errs.AssetsMissing, "asset %s not returned by any relay", id)
		}
		if !strings.EqualFold(ev.PubKey, bs.PK) {
			return nil, errs.Newf(errs.WrongAuthor, "asset %s was not published by %s", id, bs.PK)
		}
		ordered = append(ordered, ev)
	}

	cat := assembler.Categorize(ordered)
	if cat.HTML == nil {
		return nil, errs.New(errs.NoHTML, "asset set contains no text/html asset")
	}

	set := &AssetSet{ByID: byID, Categorized: cat, HTMLID: cat.HTML.ID}
	for _, ev := range cat.CSS {
		set.CSSIDs = append(set.CSSIDs, ev.ID)
	}
	for _, ev := range cat.JS {
		set.JSIDs = append(set.JSIDs, ev.ID)
	}
	for _, ev := range cat.Other {
		set.OtherIDs = append(set.OtherIDs, ev.ID)
	}
	return set, nil
}

// Resolve runs the full pipeline for host/route, per spec.md §4.5 "if
// any stage fails, the whole pipeline fails with the first error." Host
// and route are checked with internal/validate first; a failure there
// returns BAD_INPUT before any network I/O. A
// failed resolve is remembered for TTLFailureMemo so repeated
// navigation-time attempts within the window short-circuit without
// re-running the pipeline (spec.md §7).
func (r *Resolver) Resolve(ctx context.Context, host, route string) (*assembler.Bundle, error) {
	if err := validate.Host(host); err != nil {
		return nil, err
	}
	if err := validate.Route(route); err != nil {
		return nil, err
	}
	v, err := r.failures.Do(host, func() (any, error) {
		return r.resolveUncached(ctx, host, route)
	})
	if err != nil {
		return nil, err
	}
	return v.(*assembler.Bundle), nil
}

// resolveUncached runs the pipeline's document-assembly stages (4-7)
// behind a two-layer bundle cache, per spec.md §3/§6: an in-memory
// cache checked first, then the persistent offline store, both keyed
// by host+route. The DNS bootstrap and site index (stages 1-3) are
// never served from this cache — they're always fetched fresh, and a
// cached bundle is only served if its recorded _siteIndexId still
// matches the freshly-fetched site index's id. A site index that
// changed since the bundle was cached (spec.md §8 scenario 5) is
// treated as a miss: the pipeline re-runs from the manifest stage on.
func (r *Resolver) resolveUncached(ctx context.Context, host, route string) (*assembler.Bundle, error) {
	bs, err := r.DNSBootstrap(ctx, host)
	if err != nil {
		return nil, err
	}

	siteIndex, err := r.FetchSiteIndex(ctx, bs)
	if err != nil {
		return nil, err
	}

	cacheKey := "bundle:" + host + ":" + route

	if bundle, ok := r.bundles.Get(cacheKey); ok && bundle.SiteIndexID == siteIndex.ID {
		return bundle, nil
	}

	if r.offline != nil {
		var cached assembler.Bundle
		if _, found, err := r.offline.Get(cacheKey, &cached, r.cfg.TTLOffline); err != nil {
			logging.Debug("resolver", "resolveUncached", "offline bundle lookup for %s failed: %v", cacheKey, err)
		} else if found && cached.SiteIndexID == siteIndex.ID {
			r.bundles.Set(cacheKey, &cached, r.cfg.TTLPrefetch)
			return &cached, nil
		}
	}

	manifest, err := r.FetchManifestForRoute(ctx, bs, siteIndex, route)
	if err != nil {
		return nil, err
	}

	assets, err := r.FetchAssets(ctx, bs, manifest, siteIndex.ID)
	if err != nil {
		return nil, err
	}

	sriCtx, cancel := context.WithTimeout(ctx, r.cfg.SRIDeadline)
	defer cancel()
	if err := integrity.Verify(sriCtx, assets.Categorized.Events(), bs.PK); err != nil {
		return nil, err
	}

	bundle, err := assembler.Assemble(assets.Categorized, manifest.Content, siteIndex.ID, r.cfg.MaxContentSize)
	if err != nil {
		return nil, err
	}

	r.bundles.Set(cacheKey, bundle, r.cfg.TTLPrefetch)
	if r.offline != nil {
		if err := r.offline.Set(cacheKey, bundle); err != nil {
			logging.Debug("resolver", "resolveUncached", "persisting bundle for %s: %v", cacheKey, err)
		}
	}
	return bundle, nil
}

// boundedRelays caps the relay set a pool is built from at MaxRelays, per
// spec.md §6.
func (r *Resolver) boundedRelays(relays []string) []string {
	if r.cfg.MaxRelays > 0 && len(relays) > r.cfg.MaxRelays {
		return relays[:r.cfg.MaxRelays]
	}
	return relays
}
