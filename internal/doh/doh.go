// Package doh implements the DNS-over-HTTPS bootstrap lookup of spec.md
// §4.3 (component C3): resolve the TXT record under "_nweb.<host>"
// against two upstream endpoints, parse the embedded JSON, and normalize
// the publisher key.
package doh

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nweb-ext/nwebcore/internal/errs"
	"github.com/nweb-ext/nwebcore/internal/keycodec"
	"github.com/nweb-ext/nwebcore/internal/logging"
)

// Bootstrap is the DNS-derived { pk, relays } tuple of spec.md §3.
type Bootstrap struct {
	PK     string   `json:"pk"`
	Relays []string `json:"relays"`
}

// txtAnswer is the shape of one entry in a DoH JSON response's "Answer"
// array (RFC 8484-adjacent "application/dns-json" convention).
type txtAnswer struct {
	Type int    `json:"type"`
	Data string `json:"data"`
}

type dohResponse struct {
	Answer []txtAnswer `json:"Answer"`
}

const txtRecordType = 16

// Fallback is anything that can remember and recall a Bootstrap for a
// host across restarts — satisfied by *store.Offline. A narrow interface
// here, rather than importing store directly, keeps doh independently
// testable with a fake.
type Fallback interface {
	Get(key string, v any, maxAge time.Duration) (cachedAt time.Time, found bool, err error)
	Set(key string, v any) error
}

// Client queries the configured DoH endpoints in order with retry and
// offline fallback.
type Client struct {
	Endpoints  []string
	HTTPClient *http.Client
	MaxRetries int
	RetryBase  time.Duration
	Backoff    float64
	Fallback   Fallback
	FallbackTTL time.Duration

	flight singleflight.Group
}

// New builds a Client. httpClient may be nil, in which case a client
// with a 10s timeout is used.
func New(endpoints []string, httpClient *http.Client, maxRetries int, retryBase time.Duration, backoff float64, fallback Fallback, fallbackTTL time.Duration) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		Endpoints:   endpoints,
		HTTPClient:  httpClient,
		MaxRetries:  maxRetries,
		RetryBase:   retryBase,
		Backoff:     backoff,
		Fallback:    fallback,
		FallbackTTL: fallbackTTL,
	}
}

// Bootstrap resolves host's "_nweb.<host>" TXT record, trying every
// configured endpoint in order, with up to MaxRetries+1 attempts per
// endpoint against transient failures. Concurrent calls for the same
// host are coalesced via singleflight. On total failure it falls back to
// a cached bootstrap (logged as "offline") if one is present, otherwise
// returns a DNS_ERROR, or BAD_KEY when the last answer carried a
// publisher key that does not normalize.
func (c *Client) Bootstrap(ctx context.Context, host string) (*Bootstrap, error) {
	v, err, _ := c.flight.Do(host, func() (any, error) {
		return c.bootstrapUncached(ctx, host)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Bootstrap), nil
}

func (c *Client) bootstrapUncached(ctx context.Context, host string) (*Bootstrap, error) {
	label := "_nweb." + host

	var lastErr error
	for _, endpoint := range c.Endpoints {
		bs, err := c.queryEndpoint(ctx, endpoint, label)
		if err == nil {
			if c.Fallback != nil {
				_ = c.Fallback.Set(fallbackKey(host), bs)
			}
			return bs, nil
		}
		lastErr = err
	}

	if c.Fallback != nil {
		var cached Bootstrap
		if _, found, _ := c.Fallback.Get(fallbackKey(host), &cached, c.FallbackTTL); found {
			logging.Warn("doh", "all endpoints exhausted for %s, serving cached bootstrap (offline)", host)
			return &cached, nil
		}
	}

	if errs.CodeOf(lastErr) == errs.BadKey {
		return nil, lastErr
	}
	return nil, errs.Newf(errs.DNSError, "all DoH endpoints exhausted for %s: %v", host, lastErr)
}

func fallbackKey(host string) string { return "doh:" + host }

// queryEndpoint performs the retry-with-backoff loop against a single
// endpoint, per spec.md §4.3: up to 3 attempts total, 1s*2^n backoff, on
// transient failures only.
func (c *Client) queryEndpoint(ctx context.Context, endpoint, label string) (*Bootstrap, error) {
	var lastErr error
	attempts := c.MaxRetries + 1

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(c.RetryBase) * math.Pow(c.Backoff, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		bs, err := c.doQuery(ctx, endpoint, label)
		if err == nil {
			return bs, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "network", "connection", "fetch"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (c *Client) doQuery(ctx context.Context, endpoint, label string) (*Bootstrap, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("network: invalid endpoint: %w", err)
	}
	q := u.Query()
	q.Set("name", label)
	q.Set("type", "TXT")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("network: %w", err)
	}
	req.Header.Set("Accept", "application/dns-json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("network: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("network: unexpected status %d", resp.StatusCode)
	}

	var parsed dohResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("fetch: malformed DoH response: %w", err)
	}

	for _, ans := range parsed.Answer {
		if ans.Type != txtRecordType {
			continue
		}
		payload := unquoteTXT(ans.Data)

		var raw struct {
			PK     string   `json:"pk"`
			Relays []string `json:"relays"`
		}
		if err := json.Unmarshal([]byte(payload), &raw); err != nil {
			continue
		}

		pk, err := keycodec.Normalize(raw.PK)
		if err != nil {
			return nil, err
		}
		if len(raw.Relays) == 0 {
			continue
		}
		return &Bootstrap{PK: pk, Relays: raw.Relays}, nil
	}

	return nil, fmt.Errorf("fetch: no TXT answer found for %s", label)
}

// unquoteTXT strips the enclosing quotes a TXT record's "data" field
// carries and unescapes \" sequences, per spec.md §6.
func unquoteTXT(data string) string {
	s := strings.TrimSpace(data)
	s = strings.TrimPrefix(s, "\"")
	s = strings.TrimSuffix(s, "\"")
	return strings.ReplaceAll(s, `\"`, `"`)
}
