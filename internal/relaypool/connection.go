package relaypool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/nweb-ext/nwebcore/internal/logging"
)

// connState is the explicit per-relay connection lifecycle called for by
// spec.md §9's design notes: Connecting, Open, Closing, Closed.
type connState int32

const (
	stateConnecting connState = iota
	stateOpen
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// connection owns the raw duplex socket to a single relay, reconnecting
// on failure with a fixed backoff and queueing outbound frames while
// Connecting. Using github.com/coder/websocket directly instead of
// wrapping nostr.Relay keeps this state machine visible and testable
// rather than hidden inside go-nostr's relay client.
type connection struct {
	url  string
	pool *pool

	reconnectDelay time.Duration

	mu      sync.Mutex
	state   connState
	ws      *websocket.Conn
	pending [][]byte

	lastActive atomic.Int64 // unix nanos of last subscribe (send) or receive
}

func newConnection(url string, p *pool, reconnectDelay time.Duration) *connection {
	c := &connection{url: url, pool: p, reconnectDelay: reconnectDelay, state: stateConnecting}
	c.lastActive.Store(time.Now().UnixNano())
	return c
}

// run dials, reads, and redials until ctx is cancelled. It is meant to be
// started in its own goroutine and owns the connection's entire lifetime.
func (c *connection) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			c.setState(stateClosed)
			return
		}

		c.setState(stateConnecting)
		ws, _, err := websocket.Dial(ctx, c.url, nil)
		if err != nil {
			logging.Warn("relaypool", "dial %s failed: %v", c.url, err)
			if !c.sleepOrDone(ctx, c.reconnectDelay) {
				c.setState(stateClosed)
				return
			}
			continue
		}

		c.mu.Lock()
		c.ws = ws
		c.state = stateOpen
		queued := c.pending
		c.pending = nil
		c.mu.Unlock()

		for _, frame := range queued {
			c.writeRaw(ctx, frame)
		}

		c.readLoop(ctx, ws)

		c.mu.Lock()
		deliberatelyClosed := c.state == stateClosing || c.state == stateClosed
		c.ws = nil
		if !deliberatelyClosed {
			c.state = stateConnecting
		}
		c.mu.Unlock()

		_ = ws.Close(websocket.StatusNormalClosure, "reconnecting")

		if deliberatelyClosed || ctx.Err() != nil {
			c.setState(stateClosed)
			return
		}
		if !c.sleepOrDone(ctx, c.reconnectDelay) {
			c.setState(stateClosed)
			return
		}
	}
}

func (c *connection) sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *connection) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		c.lastActive.Store(time.Now().UnixNano())
		c.pool.handleFrame(data)
	}
}

func (c *connection) setState(s connState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *connection) State() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// send writes frame to the relay if the connection is Open, or queues it
// if the connection is Connecting (reconnecting). Frames are dropped
// once the connection has started Closing.
func (c *connection) send(frame []byte) {
	c.mu.Lock()
	switch c.state {
	case stateOpen:
		ws := c.ws
		c.mu.Unlock()
		c.lastActive.Store(time.Now().UnixNano())
		c.writeRaw(context.Background(), frame)
		_ = ws
		return
	case stateConnecting:
		c.pending = append(c.pending, frame)
		c.mu.Unlock()
		c.lastActive.Store(time.Now().UnixNano())
		return
	default:
		c.mu.Unlock()
		return
	}
}

func (c *connection) writeRaw(ctx context.Context, frame []byte) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := ws.Write(writeCtx, websocket.MessageText, frame); err != nil {
		logging.Debug("relaypool", "send", "write to %s failed: %v", c.url, err)
	}
}

// idleSince reports how long this connection has gone without a
// subscribe or a received frame.
func (c *connection) idleSince() time.Duration {
	return time.Since(time.Unix(0, c.lastActive.Load()))
}

// disconnectIdle closes the underlying socket without tearing down the
// state machine: run's reconnect loop redials after reconnectDelay,
// exactly as it would after any other read error, whether or not a new
// subscription arrives. Used by
// the pool's idle reaper (spec.md §9: close connections idle > 5 min).
func (c *connection) disconnectIdle() {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "idle")
	}
}

// close transitions the connection through Closing to Closed and tears
// down the underlying socket, if any.
func (c *connection) close() {
	c.mu.Lock()
	c.state = stateClosing
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "pool closed")
	}

	c.setState(stateClosed)
}
