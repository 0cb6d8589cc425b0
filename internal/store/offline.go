// Package store implements the persistent, cross-restart key/value layer
// of spec.md §4.1: the offline blob store for assembled bundles and the
// DoH bootstrap fallback cache. Modeled after the CacheBackend interface
// shape used elsewhere in the retrieved example pack
// (Get/Set/Delete over context+[]byte+TTL), narrowed to the single-key
// operations this core needs and backed by an embedded badger database
// rather than a networked cache service.
package store

import (
	"encoding/json"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Offline is a persistent key/value store for JSON blobs with an
// embedded "cachedAt" timestamp, used for the assembled-document offline
// cache (24h) and the DoH bootstrap fallback cache (24h) described in
// spec.md §4.1 and §4.3.
type Offline struct {
	db *badger.DB
}

// record is the on-disk envelope: the caller's value plus the timestamp
// used to lazily expire entries on access.
type record struct {
	Value     json.RawMessage `json:"value"`
	CachedAt  time.Time       `json:"cachedAt"`
}

// Open opens (creating if absent) a badger database rooted at dir.
func Open(dir string) (*Offline, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Offline{db: db}, nil
}

// Close closes the underlying database.
func (o *Offline) Close() error {
	return o.db.Close()
}

// Set stores v (marshaled to JSON) under key, stamped with the current
// time.
func (o *Offline) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	rec := record{Value: raw, CachedAt: time.Now()}
	recBytes, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return o.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), recBytes)
	})
}

// Get unmarshals the value stored under key into v, along with the
// cachedAt timestamp it was stored with. If maxAge > 0 and the entry is
// older than maxAge, it is deleted and Get reports not-found.
func (o *Offline) Get(key string, v any, maxAge time.Duration) (cachedAt time.Time, found bool, err error) {
	var rec record
	err = o.db.View(func(txn *badger.Txn) error {
		item, gerr := txn.Get([]byte(key))
		if gerr != nil {
			return gerr
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err == badger.ErrKeyNotFound {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}

	if maxAge > 0 && time.Since(rec.CachedAt) > maxAge {
		_ = o.Delete(key)
		return time.Time{}, false, nil
	}

	if err := json.Unmarshal(rec.Value, v); err != nil {
		return time.Time{}, false, err
	}
	return rec.CachedAt, true, nil
}

// Delete removes key unconditionally.
func (o *Offline) Delete(key string) error {
	return o.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// DeletePrefix removes every key starting with prefix — used by
// invalidateHost to drop every cache entry for a host in one call.
func (o *Offline) DeletePrefix(prefix string) error {
	return o.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		var keys [][]byte
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			k := it.Item().KeyCopy(nil)
			keys = append(keys, k)
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
