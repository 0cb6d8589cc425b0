package resolver

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/nbd-wtf/go-nostr"

	"github.com/nweb-ext/nwebcore/internal/doh"
	"github.com/nweb-ext/nwebcore/internal/errs"
	"github.com/nweb-ext/nwebcore/internal/relaypool"
	"github.com/nweb-ext/nwebcore/internal/store"
)

const testPK = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

// fakeRelay answers REQ frames according to respond, keyed off the
// requested filter, and always follows with EOSE.
func fakeRelay(t *testing.T, respond func(nostr.Filter) []*nostr.Event) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if typ != websocket.MessageText {
				continue
			}
			var parts []json.RawMessage
			if err := json.Unmarshal(data, &parts); err != nil || len(parts) < 2 {
				continue
			}
			var frameType, subID string
			_ = json.Unmarshal(parts[0], &frameType)
			_ = json.Unmarshal(parts[1], &subID)
			if frameType != "REQ" || len(parts) < 3 {
				continue
			}
			var filter nostr.Filter
			_ = json.Unmarshal(parts[2], &filter)

			for _, ev := range respond(filter) {
				frame, _ := json.Marshal([]any{"EVENT", subID, ev})
				_ = c.Write(ctx, websocket.MessageText, frame)
			}
			eose, _ := json.Marshal([]any{"EOSE", subID})
			_ = c.Write(ctx, websocket.MessageText, eose)
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func fakeDoHServer(t *testing.T, bootstrap doh.Bootstrap) *httptest.Server {
	t.Helper()
	payload, _ := json.Marshal(bootstrap)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		escaped := strings.ReplaceAll(string(payload), `"`, `\"`)
		resp := struct {
			Answer []struct {
				Type int    `json:"type"`
				Data string `json:"data"`
			} `json:"Answer"`
		}{}
		resp.Answer = append(resp.Answer, struct {
			Type int    `json:"type"`
			Data string `json:"data"`
		}{Type: 16, Data: `"` + escaped + `"`})
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func testResolverConfig() Config {
	return Config{
		MaxRelays:      10,
		TTLSiteIndex:   30 * time.Second,
		TTLImmutable:   7 * 24 * time.Hour,
		TTLFailureMemo: 60 * time.Second,
		SRIDeadline:    time.Second,
		MaxContentSize: 5 * 1024 * 1024,
		TTLPrefetch:    5 * time.Minute,
		TTLOffline:     24 * time.Hour,
		PrefetchMax:    50,
	}
}

func newTestResolver(t *testing.T, dohSrv *httptest.Server) *Resolver {
	t.Helper()
	dohClient := doh.New([]string{dohSrv.URL}, nil, 0, time.Millisecond, 2, nil, 0)
	pools := relaypool.NewManager(relaypool.Config{
		WSReconnect:      20 * time.Millisecond,
		WSEOSEGrace:      20 * time.Millisecond,
		WSQueryDeadline:  500 * time.Millisecond,
		IdleRelayClose:   time.Hour,
		IdleReapInterval: time.Hour,
		CacheMaxEvents:   50,
	})
	offline, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(offline.Close)
	return New(testResolverConfig(), dohClient, pools, offline)
}

func buildSite(route, manifestID, assetID string) (entry, siteIndex, manifest, asset *nostr.Event) {
	entry = &nostr.Event{
		ID: "entry1", PubKey: testPK, Kind: kindEntrypoint,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Tags:      nostr.Tags{{"a", "31126:" + testPK + ":mysite"}},
	}
	siteIndex = &nostr.Event{
		ID: "idx1", PubKey: testPK, Kind: kindSiteIndex,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Tags:      nostr.Tags{{"d", "mysite"}},
		Content:   `{"routes":{"` + route + `":"` + manifestID + `"}}`,
	}
	manifest = &nostr.Event{
		ID: manifestID, PubKey: testPK, Kind: kindManifest,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Tags:      nostr.Tags{{"e", assetID}},
		Content:   `{"title":"Home"}`,
	}
	body := "<html><body>hi</body></html>"
	sum := sha256.Sum256([]byte(body))
	asset = &nostr.Event{
		ID: assetID, PubKey: testPK, Kind: 1125,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Tags:      nostr.Tags{{"m", "text/html"}, {"x", hex.EncodeToString(sum[:])}},
		Content:   body,
	}
	return
}

func TestResolveHappyPath(t *testing.T) {
	entry, siteIndex, manifest, asset := buildSite("/", "manifest1", "asset1")

	relay := fakeRelay(t, func(f nostr.Filter) []*nostr.Event {
		switch {
		case containsKind(f.Kinds, kindEntrypoint):
			return []*nostr.Event{entry}
		case containsKind(f.Kinds, kindSiteIndex):
			return []*nostr.Event{siteIndex}
		case containsID(f.IDs, manifest.ID):
			return []*nostr.Event{manifest}
		case containsID(f.IDs, asset.ID):
			return []*nostr.Event{asset}
		default:
			return nil
		}
	})
	defer relay.Close()

	dohSrv := fakeDoHServer(t, doh.Bootstrap{PK: testPK, Relays: []string{wsURL(relay)}})
	defer dohSrv.Close()

	r := newTestResolver(t, dohSrv)
	bundle, err := r.Resolve(t.Context(), "example.test", "/")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if bundle.HTML != asset.Content {
		t.Errorf("HTML = %q, want %q", bundle.HTML, asset.Content)
	}
	if bundle.SiteIndexID != siteIndex.ID {
		t.Errorf("SiteIndexID = %q, want %q", bundle.SiteIndexID, siteIndex.ID)
	}
	if bundle.ManifestMeta["title"] != "Home" {
		t.Errorf("ManifestMeta = %v", bundle.ManifestMeta)
	}
}

func TestResolveRouteNotFound(t *testing.T) {
	entry, siteIndex, manifest, asset := buildSite("/home", "manifest1", "asset1")

	relay := fakeRelay(t, func(f nostr.Filter) []*nostr.Event {
		switch {
		case containsKind(f.Kinds, kindEntrypoint):
			return []*nostr.Event{entry}
		case containsKind(f.Kinds, kindSiteIndex):
			return []*nostr.Event{siteIndex}
		case containsID(f.IDs, manifest.ID):
			return []*nostr.Event{manifest}
		case containsID(f.IDs, asset.ID):
			return []*nostr.Event{asset}
		default:
			return nil
		}
	})
	defer relay.Close()

	dohSrv := fakeDoHServer(t, doh.Bootstrap{PK: testPK, Relays: []string{wsURL(relay)}})
	defer dohSrv.Close()

	r := newTestResolver(t, dohSrv)
	_, err := r.Resolve(t.Context(), "example.test", "/missing")
	if errs.CodeOf(err) != errs.RouteNotFound {
		t.Fatalf("Resolve error = %v, want ROUTE_NOT_FOUND", err)
	}
}

func TestResolveFailureIsMemoized(t *testing.T) {
	calls := 0
	relay := fakeRelay(t, func(f nostr.Filter) []*nostr.Event {
		calls++
		return nil // no entrypoint ever published
	})
	defer relay.Close()

	dohSrv := fakeDoHServer(t, doh.Bootstrap{PK: testPK, Relays: []string{wsURL(relay)}})
	defer dohSrv.Close()

	r := newTestResolver(t, dohSrv)

	_, err1 := r.Resolve(t.Context(), "example.test", "/")
	if errs.CodeOf(err1) != errs.NotPublished {
		t.Fatalf("Resolve error = %v, want NOT_PUBLISHED", err1)
	}
	callsAfterFirst := calls

	_, err2 := r.Resolve(t.Context(), "example.test", "/")
	if errs.CodeOf(err2) != errs.NotPublished {
		t.Fatalf("Resolve error = %v, want NOT_PUBLISHED", err2)
	}
	if calls != callsAfterFirst {
		t.Error("second Resolve within the memo window should not re-query relays")
	}
}

// TestResolveBundleCacheRevalidatesOnSiteIndexChange covers spec.md §8
// scenario 5: a second load that observes a changed site index id must
// refetch the manifest/assets rather than serve the previously cached
// bundle, even though the bundle cache itself hasn't expired.
func TestResolveBundleCacheRevalidatesOnSiteIndexChange(t *testing.T) {
	entry, siteIndex1, manifest1, asset1 := buildSite("/", "manifest1", "asset1")
	_, siteIndex2, manifest2, asset2 := buildSite("/", "manifest2", "asset2")
	siteIndex2.ID = "idx2"

	var version atomic.Int32
	version.Store(1)

	relay := fakeRelay(t, func(f nostr.Filter) []*nostr.Event {
		switch {
		case containsKind(f.Kinds, kindEntrypoint):
			return []*nostr.Event{entry}
		case containsKind(f.Kinds, kindSiteIndex):
			if version.Load() == 1 {
				return []*nostr.Event{siteIndex1}
			}
			return []*nostr.Event{siteIndex2}
		case containsID(f.IDs, manifest1.ID):
			return []*nostr.Event{manifest1}
		case containsID(f.IDs, manifest2.ID):
			return []*nostr.Event{manifest2}
		case containsID(f.IDs, asset1.ID):
			return []*nostr.Event{asset1}
		case containsID(f.IDs, asset2.ID):
			return []*nostr.Event{asset2}
		default:
			return nil
		}
	})
	defer relay.Close()

	dohSrv := fakeDoHServer(t, doh.Bootstrap{PK: testPK, Relays: []string{wsURL(relay)}})
	defer dohSrv.Close()

	dohClient := doh.New([]string{dohSrv.URL}, nil, 0, time.Millisecond, 2, nil, 0)
	pools := relaypool.NewManager(relaypool.Config{
		WSReconnect:      20 * time.Millisecond,
		WSEOSEGrace:      20 * time.Millisecond,
		WSQueryDeadline:  500 * time.Millisecond,
		IdleRelayClose:   time.Hour,
		IdleReapInterval: time.Hour,
		CacheMaxEvents:   50,
	})
	offline, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(offline.Close)

	cfg := testResolverConfig()
	cfg.TTLSiteIndex = 0 // force a fresh site-index fetch every Resolve, as the entrypoint stage always does
	r := New(cfg, dohClient, pools, offline)

	bundle1, err := r.Resolve(t.Context(), "example.test", "/")
	if err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	if bundle1.SiteIndexID != siteIndex1.ID || bundle1.HTML != asset1.Content {
		t.Fatalf("first bundle = %+v, want siteIndex %s / html %q", bundle1, siteIndex1.ID, asset1.Content)
	}

	version.Store(2)

	bundle2, err := r.Resolve(t.Context(), "example.test", "/")
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if bundle2.SiteIndexID != siteIndex2.ID {
		t.Errorf("second bundle SiteIndexID = %q, want %q (fresh site index)", bundle2.SiteIndexID, siteIndex2.ID)
	}
	if bundle2.HTML != asset2.Content {
		t.Errorf("second bundle served the stale cached HTML %q, want refetched %q", bundle2.HTML, asset2.Content)
	}
}

func containsKind(kinds []int, k int) bool {
	for _, v := range kinds {
		if v == k {
			return true
		}
	}
	return false
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
