package relaypool

import (
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Wire frame type tags, per spec.md §4.4/§6.
const (
	frameREQ   = "REQ"
	frameClose = "CLOSE"
	frameEvent = "EVENT"
	frameEOSE  = "EOSE"
)

// encodeREQ builds a ["REQ", subID, filter] frame.
func encodeREQ(subID string, filter nostr.Filter) ([]byte, error) {
	return json.Marshal([]any{frameREQ, subID, filter})
}

// encodeClose builds a ["CLOSE", subID] frame.
func encodeClose(subID string) ([]byte, error) {
	return json.Marshal([]any{frameClose, subID})
}

// incomingFrame is the decoded shape of a relay->client frame. Only
// frameEvent and frameEOSE carry meaning for this pool; anything else
// (including frame types this system doesn't define) is ignored per
// spec.md §4.4/§6 — "unknown frame types are ignored."
type incomingFrame struct {
	Type  string
	SubID string
	Event *nostr.Event
}

// decodeFrame parses a relay->client wire frame. It never returns an
// error for a frame type it doesn't recognize — those are reported with
// Type == "" so the caller can silently ignore them, matching spec.md's
// "unknown frame types are ignored." It does return an error for bytes
// that aren't even a well-formed JSON array, since that indicates a
// malformed relay rather than a future/unknown frame type.
func decodeFrame(raw []byte) (incomingFrame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return incomingFrame{}, fmt.Errorf("malformed frame: %w", err)
	}
	if len(parts) < 2 {
		return incomingFrame{}, fmt.Errorf("malformed frame: fewer than 2 elements")
	}

	var typ string
	if err := json.Unmarshal(parts[0], &typ); err != nil {
		return incomingFrame{}, fmt.Errorf("malformed frame: type is not a string")
	}

	var subID string
	if err := json.Unmarshal(parts[1], &subID); err != nil {
		return incomingFrame{}, fmt.Errorf("malformed frame: subId is not a string")
	}

	switch typ {
	case frameEvent:
		if len(parts) < 3 {
			return incomingFrame{}, fmt.Errorf("malformed EVENT frame")
		}
		var ev nostr.Event
		if err := json.Unmarshal(parts[2], &ev); err != nil {
			return incomingFrame{}, fmt.Errorf("malformed EVENT payload: %w", err)
		}
		return incomingFrame{Type: frameEvent, SubID: subID, Event: &ev}, nil

	case frameEOSE:
		return incomingFrame{Type: frameEOSE, SubID: subID}, nil

	default:
		return incomingFrame{Type: ""}, nil
	}
}
