// Package rpc implements component C8 of spec.md §4.8: the six typed
// request/response operations the extension's content script drives the
// core through, plus the four supplemental operations SPEC_FULL.md adds
// (resolveDocument, dnsPrefetch, invalidateHost, stats). Transport-agnostic — cmd/nwebcore
// wires Handler.Handle to the native-messaging framed stdin/stdout loop.
package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nweb-ext/nwebcore/internal/assembler"
	"github.com/nweb-ext/nwebcore/internal/cache"
	"github.com/nweb-ext/nwebcore/internal/doh"
	"github.com/nweb-ext/nwebcore/internal/errs"
	"github.com/nweb-ext/nwebcore/internal/eventcache"
	"github.com/nweb-ext/nwebcore/internal/integrity"
	"github.com/nweb-ext/nwebcore/internal/logging"
	"github.com/nweb-ext/nwebcore/internal/relaypool"
	"github.com/nweb-ext/nwebcore/internal/resolver"
	"github.com/nweb-ext/nwebcore/internal/store"
)

// Request is the wire envelope the content script sends. Params is kept
// raw and unmarshaled per-method, since each method's shape differs.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response is the wire envelope sent back, exactly once per Request, per
// spec.md §4.8.
type Response struct {
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Config is the subset of internal/config.Config the RPC layer needs.
type Config struct {
	RPCDeadline    time.Duration
	SRIDeadline    time.Duration
	DNSPerHost     int
	DNSGlobal      int
	DNSWindow      time.Duration
	DNSCacheMax    int
	TTLPrefetch    time.Duration
	MaxContentSize int64
}

// Handler dispatches whitelisted RPC methods against the resolver
// pipeline's individual stages, plus the integrity/assembler components
// and the supplemental operational endpoints.
type Handler struct {
	cfg Config

	resolver *resolver.Resolver
	doh      *doh.Client
	pools    *relaypool.Manager
	events   *eventcache.Cache
	offline  *store.Offline

	dnsCache        *cache.BoundedCache[string, *doh.Bootstrap]
	dnsHostLimiter  *cache.RateLimiter
	dnsGlobalLimiter *cache.RateLimiter

	methods map[string]func(ctx context.Context, params json.RawMessage) (any, error)
}

// New builds a Handler wired to the shared resolver, relay pool manager,
// and persistent stores. ctx bounds the lifetime of the rate limiters'
// background cleaners.
func New(ctx context.Context, cfg Config, res *resolver.Resolver, dohClient *doh.Client, pools *relaypool.Manager, events *eventcache.Cache, offline *store.Offline) *Handler {
	h := &Handler{
		cfg:              cfg,
		resolver:         res,
		doh:              dohClient,
		pools:            pools,
		events:           events,
		offline:          offline,
		dnsCache:         cache.NewBounded[string, *doh.Bootstrap](cfg.DNSCacheMax),
		dnsHostLimiter:   cache.NewRateLimiter(ctx, 1000, cfg.DNSPerHost, cfg.DNSWindow),
		dnsGlobalLimiter: cache.NewRateLimiter(ctx, 1, cfg.DNSGlobal, cfg.DNSWindow),
	}
	h.methods = map[string]func(ctx context.Context, params json.RawMessage) (any, error){
		"dnsBootstrap":          h.dnsBootstrap,
		"fetchSiteIndex":        h.fetchSiteIndex,
		"fetchManifestForRoute": h.fetchManifestForRoute,
		"fetchAssets":           h.fetchAssets,
		"verifySRI":             h.verifySRI,
		"assembleDocument":      h.assembleDocument,
		"resolveDocument":       h.resolveDocument,
		"dnsPrefetch":           h.dnsPrefetch,
		"invalidateHost":        h.invalidateHost,
		"stats":                 h.stats,
	}
	return h
}

// Handle decodes raw as a Request, dispatches it against the method
// whitelist with a 30s deadline, and always returns a Response — never an
// error — so the transport loop can frame and write it unconditionally.
func (h *Handler) Handle(ctx context.Context, raw []byte) Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Response{Error: errs.New(errs.ProtocolError, "malformed request envelope").Error()}
	}

	fn, ok := h.methods[req.Method]
	if !ok {
		return Response{ID: req.ID, Error: errs.Newf(errs.ProtocolError, "unknown method %q", req.Method).Error()}
	}

	callCtx, cancel := context.WithTimeout(ctx, h.cfg.RPCDeadline)
	defer cancel()

	result, err := fn(callCtx, req.Params)
	if err != nil {
		switch errs.CodeOf(err) {
		case errs.IntegrityFailure, errs.WrongAuthor:
			logging.Error("rpc", "method %s failed: %v", req.Method, err)
		default:
			logging.Warn("rpc", "method %s failed: %v", req.Method, err)
		}
		return Response{ID: req.ID, Error: err.Error()}
	}
	return Response{ID: req.ID, Result: result}
}

func (h *Handler) dnsBootstrap(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Host string `json:"host"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Host == "" {
		return nil, errs.New(errs.ProtocolError, "dnsBootstrap requires a non-empty host")
	}

	if bs, ok := h.dnsCache.Get(p.Host); ok {
		return bs, nil
	}

	if !h.dnsGlobalLimiter.Check("*") || !h.dnsHostLimiter.Check(p.Host) {
		return nil, errs.Newf(errs.RateLimited, "DNS lookup rate limit exceeded for %s", p.Host)
	}

	bs, err := h.doh.Bootstrap(ctx, p.Host)
	if err != nil {
		return nil, err
	}
	h.dnsCache.Set(p.Host, bs, h.cfg.TTLPrefetch)
	return bs, nil
}

func (h *Handler) fetchSiteIndex(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Bootstrap doh.Bootstrap `json:"bootstrap"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errs.New(errs.ProtocolError, "fetchSiteIndex requires a bootstrap")
	}
	return h.resolver.FetchSiteIndex(ctx, &p.Bootstrap)
}

func (h *Handler) fetchManifestForRoute(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Bootstrap doh.Bootstrap `json:"bootstrap"`
		SiteIndex nostr.Event   `json:"siteIndex"`
		Route     string        `json:"route"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Route == "" {
		return nil, errs.New(errs.ProtocolError, "fetchManifestForRoute requires bootstrap, siteIndex, and route")
	}
	return h.resolver.FetchManifestForRoute(ctx, &p.Bootstrap, &p.SiteIndex, p.Route)
}

func (h *Handler) fetchAssets(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Bootstrap   doh.Bootstrap `json:"bootstrap"`
		Manifest    nostr.Event   `json:"manifest"`
		SiteIndexID string        `json:"siteIndexId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SiteIndexID == "" {
		return nil, errs.New(errs.ProtocolError, "fetchAssets requires bootstrap, manifest, and siteIndexId")
	}
	return h.resolver.FetchAssets(ctx, &p.Bootstrap, &p.Manifest, p.SiteIndexID)
}

func (h *Handler) verifySRI(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Bootstrap doh.Bootstrap    `json:"bootstrap"`
		Assets    resolver.AssetSet `json:"assets"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errs.New(errs.ProtocolError, "verifySRI requires bootstrap and assets")
	}

	sriCtx, cancel := context.WithTimeout(ctx, h.cfg.SRIDeadline)
	defer cancel()

	if err := integrity.Verify(sriCtx, p.Assets.Categorize().Events(), p.Bootstrap.PK); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (h *Handler) assembleDocument(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Manifest    nostr.Event       `json:"manifest"`
		Assets      resolver.AssetSet `json:"assets"`
		SiteIndexID string            `json:"siteIndexId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errs.New(errs.ProtocolError, "assembleDocument requires manifest, assets, and siteIndexId")
	}
	return assembler.Assemble(p.Assets.Categorize(), p.Manifest.Content, p.SiteIndexID, h.cfg.MaxContentSize)
}

// resolveDocument runs the resolver's full pipeline for host/route in one
// call, per spec.md §4.5/§7: the failed-resolve memo that short-circuits
// repeated navigation-time failures only guards this path, since the six
// staged operations above are driven independently by the content script
// and never pass through Resolver.Resolve.
func (h *Handler) resolveDocument(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Host  string `json:"host"`
		Route string `json:"route"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Host == "" || p.Route == "" {
		return nil, errs.New(errs.ProtocolError, "resolveDocument requires a non-empty host and route")
	}
	return h.resolver.Resolve(ctx, p.Host, p.Route)
}

func (h *Handler) dnsPrefetch(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Hosts []string `json:"hosts"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errs.New(errs.ProtocolError, "dnsPrefetch requires a hosts array")
	}

	for _, host := range p.Hosts {
		host := host
		go func() {
			if !h.dnsGlobalLimiter.Check("*") || !h.dnsHostLimiter.Check(host) {
				return
			}
			bg := context.Background()
			bs, err := h.doh.Bootstrap(bg, host)
			if err != nil {
				logging.Debug("rpc", "dnsPrefetch", "prefetch of %s failed: %v", host, err)
				return
			}
			h.dnsCache.Set(host, bs, h.cfg.TTLPrefetch)
		}()
	}
	return map[string]bool{"accepted": true}, nil
}

func (h *Handler) invalidateHost(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Host string `json:"host"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Host == "" {
		return nil, errs.New(errs.ProtocolError, "invalidateHost requires a non-empty host")
	}

	h.dnsCache.Delete(p.Host)
	if h.offline != nil {
		if err := h.offline.DeletePrefix("bundle:" + p.Host + ":"); err != nil {
			logging.Warn("rpc", "invalidateHost: failed to clear offline bundles for %s: %v", p.Host, err)
		}
		if err := h.offline.Delete("doh:" + p.Host); err != nil {
			logging.Debug("rpc", "invalidateHost", "no cached DoH fallback for %s", p.Host)
		}
	}
	return map[string]bool{"invalidated": true}, nil
}

// StatsResult is the read-only snapshot stats() and the debug status
// page both render.
type StatsResult struct {
	DNSCache     cache.Stats            `json:"dnsCache"`
	EventCache   cache.Stats            `json:"eventCache"`
	Pools        map[string]relaypool.Stats `json:"pools"`
	DNSHostKeys  int                    `json:"dnsHostLimiterKeys"`
	DNSGlobalKey int                    `json:"dnsGlobalLimiterRemaining"`
}

func (h *Handler) stats(ctx context.Context, params json.RawMessage) (any, error) {
	return h.Stats(ctx)
}

// Stats returns the same snapshot the "stats" RPC method does, exported
// for the debug status page (internal/statuspage) to render directly
// without going through the JSON envelope.
func (h *Handler) Stats(ctx context.Context) (StatsResult, error) {
	var eventStats cache.Stats
	if h.events != nil {
		eventStats = h.events.Stats()
	}
	return StatsResult{
		DNSCache:     h.dnsCache.Stats(),
		EventCache:   eventStats,
		Pools:        h.pools.Stats(),
		DNSHostKeys:  h.dnsHostLimiter.Len(),
		DNSGlobalKey: h.dnsGlobalLimiter.Remaining("*"),
	}, nil
}
