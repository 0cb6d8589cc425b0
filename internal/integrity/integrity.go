// Package integrity verifies asset content against declared SHA-256
// hashes and publisher-key identity, per spec.md §4.6 (component C6).
package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nweb-ext/nwebcore/internal/errs"
)

// codeRequiresHash is the set of MIME types for which a missing x-tag is
// fatal rather than merely warned about, per spec.md §3's invariants.
var codeRequiresHash = map[string]bool{
	"text/html":              true,
	"text/css":               true,
	"application/javascript": true,
	"text/javascript":        true,
}

// Warn is called for every non-fatal integrity observation (a missing
// x-tag on a non-code asset). Swappable so callers can route it through
// their own logger; defaults to a no-op.
var Warn = func(eventID, mime, msg string) {}

// Verify checks every asset in events against its declared x-tag hash
// and publisher key, honoring the deadline carried by ctx (spec.md §4.6:
// 10s, surfaced by the caller via context.WithTimeout). pubkey is the
// bootstrap publisher key every asset's PubKey must equal.
func Verify(ctx context.Context, events []*nostr.Event, pubkey string) error {
	for _, ev := range events {
		select {
		case <-ctx.Done():
			return errs.New(errs.Timeout, "integrity verification deadline exceeded")
		default:
		}

		if !strings.EqualFold(ev.PubKey, pubkey) {
			return errs.WithDetails(errs.WrongAuthor, "asset author does not match bootstrap publisher key",
				map[string]any{"eventId": ev.ID})
		}

		mime := tagValue(ev, "m")
		xHash := tagValue(ev, "x")

		if xHash == "" {
			if codeRequiresHash[mime] {
				return errs.WithDetails(errs.IntegrityFailure, "required asset is missing its declared hash",
					map[string]any{"eventId": ev.ID, "mime": mime})
			}
			Warn(ev.ID, mime, "asset has no declared hash")
			continue
		}

		sum := sha256.Sum256([]byte(ev.Content))
		got := hex.EncodeToString(sum[:])
		if !strings.EqualFold(got, xHash) {
			return errs.WithDetails(errs.IntegrityFailure, "asset content does not match its declared hash",
				map[string]any{"eventId": ev.ID, "mime": mime})
		}
	}
	return nil
}

// tagValue returns the second element of the first tag named key, or ""
// if no such tag exists.
func tagValue(ev *nostr.Event, key string) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == key {
			return tag[1]
		}
	}
	return ""
}
