// Command nwebcore is the native-messaging host process: it wires every
// internal component together and drives internal/rpc.Handler over a
// length-prefixed JSON stdin/stdout loop, the framing real browser
// extension hosts use, following the teacher's main.go wiring-and-
// signal-handling idiom.
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/nweb-ext/nwebcore/internal/config"
	"github.com/nweb-ext/nwebcore/internal/doh"
	"github.com/nweb-ext/nwebcore/internal/eventcache"
	"github.com/nweb-ext/nwebcore/internal/logging"
	"github.com/nweb-ext/nwebcore/internal/relaypool"
	"github.com/nweb-ext/nwebcore/internal/resolver"
	"github.com/nweb-ext/nwebcore/internal/rpc"
	"github.com/nweb-ext/nwebcore/internal/statuspage"
	"github.com/nweb-ext/nwebcore/internal/store"
)

// maxFrameSize bounds a single native-messaging frame, matching the
// ~1MiB ceiling Chromium/Firefox themselves impose on messages sent to
// a native host, well above any realistic RPC request payload.
const maxFrameSize = 1 << 20

func main() {
	cfg := config.Load(os.Args[1:])
	logging.SetVerbose(cfg.Verbose)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logging.Fatal("main", "failed to create data dir %s: %v", cfg.DataDir, err)
	}

	offline, err := store.Open(cfg.DataDir + "/offline")
	if err != nil {
		logging.Fatal("main", "failed to open offline store: %v", err)
	}
	defer offline.Close()

	events, err := eventcache.Open(cfg.DataDir+"/events", cfg.CacheMaxEvents)
	if err != nil {
		logging.Fatal("main", "failed to open event cache: %v", err)
	}
	defer events.Close()

	dohClient := doh.New(cfg.DoHEndpoints, nil, cfg.MaxRetries, cfg.RetryBase, cfg.RetryBackoff, offline, cfg.TTLDNSFallback)

	pools := relaypool.NewManager(relaypool.Config{
		WSReconnect:      cfg.WSReconnect,
		WSEOSEGrace:      cfg.WSEOSEGrace,
		WSQueryDeadline:  cfg.WSQueryDeadline,
		IdleRelayClose:   cfg.IdleRelayClose,
		IdleReapInterval: cfg.IdleReapInterval,
		CacheMaxEvents:   cfg.CacheMaxEvents,
		Events:           events,
	})
	defer pools.CloseAll()

	res := resolver.New(resolver.Config{
		MaxRelays:      cfg.MaxRelays,
		TTLSiteIndex:   cfg.TTLSiteIndex,
		TTLImmutable:   cfg.TTLImmutable,
		TTLFailureMemo: cfg.TTLFailureMemo,
		SRIDeadline:    cfg.SRIDeadline,
		MaxContentSize: cfg.MaxContentSize,
		TTLPrefetch:    cfg.TTLPrefetch,
		TTLOffline:     cfg.TTLOffline,
		PrefetchMax:    cfg.PrefetchMax,
	}, dohClient, pools, offline)

	handler := rpc.New(ctx, rpc.Config{
		RPCDeadline:    cfg.RPCDeadline,
		SRIDeadline:    cfg.SRIDeadline,
		DNSPerHost:     cfg.DNSPerHost,
		DNSGlobal:      cfg.DNSGlobal,
		DNSWindow:      cfg.DNSWindow,
		DNSCacheMax:    cfg.DNSCacheMax,
		TTLPrefetch:    cfg.TTLPrefetch,
		MaxContentSize: cfg.MaxContentSize,
	}, res, dohClient, pools, events, offline)

	if cfg.DebugHTTPAddr != "" {
		page := statuspage.New(cfg.DebugHTTPAddr, handler)
		go func() {
			if err := page.Start(ctx); err != nil {
				logging.Warn("main", "debug status page exited: %v", err)
			}
		}()
	}

	logging.Info("main", "nwebcore ready, reading native-messaging frames on stdin")
	if err := runLoop(ctx, handler, os.Stdin, os.Stdout); err != nil && !errors.Is(err, io.EOF) {
		logging.Fatal("main", "native-messaging loop exited: %v", err)
	}
}

// runLoop reads length-prefixed request frames from r, dispatches each
// through handler, and writes the length-prefixed response to w, until r
// is closed or ctx is cancelled.
func runLoop(ctx context.Context, handler *rpc.Handler, r io.Reader, w io.Writer) error {
	in := bufio.NewReader(r)
	out := bufio.NewWriter(w)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		frame, err := readFrame(in)
		if err != nil {
			return err
		}

		resp := handler.Handle(ctx, frame)
		payload, err := json.Marshal(resp)
		if err != nil {
			logging.Error("main", "failed to marshal response for id %s: %v", resp.ID, err)
			continue
		}
		if err := writeFrame(out, payload); err != nil {
			return err
		}
		if err := out.Flush(); err != nil {
			return err
		}
	}
}

// readFrame reads one native-messaging frame: a 4-byte little-endian
// length prefix followed by that many bytes of UTF-8 JSON.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, errors.New("native-messaging frame exceeds maximum size")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeFrame writes payload as one native-messaging frame.
func writeFrame(w *bufio.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
