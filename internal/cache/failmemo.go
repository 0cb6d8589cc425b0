package cache

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// memoEntry is a remembered failure for a host.
type memoEntry struct {
	err       error
	recordedAt time.Time
}

// FailureMemo remembers resolver failures for a TTL (spec.md §7: "60s so
// the navigation interceptor does not retry them on every page load").
// Shaped after the teacher's RankCache: an RWMutex-guarded map plus a
// singleflight.Group, except here the group coalesces concurrent
// *evaluations* of Resolve for the same host rather than concurrent
// network calls for the same rank lookup.
type FailureMemo struct {
	mu      sync.RWMutex
	entries map[string]memoEntry
	ttl     time.Duration
	flight  singleflight.Group
}

// NewFailureMemo builds a memo that remembers failures for ttl.
func NewFailureMemo(ttl time.Duration) *FailureMemo {
	return &FailureMemo{
		entries: make(map[string]memoEntry),
		ttl:     ttl,
	}
}

// Remembered returns the remembered failure for host, if any and still
// fresh.
func (m *FailureMemo) Remembered(host string) (error, bool) {
	m.mu.RLock()
	e, ok := m.entries[host]
	m.mu.RUnlock()

	if !ok || time.Since(e.recordedAt) > m.ttl {
		return nil, false
	}
	return e.err, true
}

// Record remembers err as host's failure for the memo TTL. Passing a nil
// err clears any remembered failure (used after a later successful
// resolve).
func (m *FailureMemo) Record(host string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.entries, host)
		return
	}
	m.entries[host] = memoEntry{err: err, recordedAt: time.Now()}
}

// Do evaluates fn for host, coalescing concurrent calls for the same host
// via singleflight, and remembers a failed result for the memo TTL so a
// subsequent call within the window short-circuits to the remembered
// error instead of re-running fn. A subsequent successful call clears
// the memo.
func (m *FailureMemo) Do(host string, fn func() (any, error)) (any, error) {
	if err, ok := m.Remembered(host); ok {
		return nil, err
	}

	v, err, _ := m.flight.Do(host, fn)
	m.Record(host, err)
	return v, err
}
