// Package statuspage serves the loopback-only debug dashboard
// SPEC_FULL.md adds alongside the native-messaging RPC surface: a plain
// HTML page rendering the same cache/pool/limiter snapshot rpc.Handler's
// stats() method returns, plus that snapshot as raw JSON. Adapted from
// the teacher's favicon/status-page handlers in web.go, generalized from
// a static relay-info page to a live stats renderer.
package statuspage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nweb-ext/nwebcore/internal/logging"
	"github.com/nweb-ext/nwebcore/internal/rpc"
)

// StatsSource is anything that can produce the stats() snapshot; satisfied
// by *rpc.Handler. A narrow interface keeps this package testable without
// wiring a full Handler.
type StatsSource interface {
	Stats(ctx context.Context) (rpc.StatsResult, error)
}

// Server is the loopback HTTP server hosting the dashboard.
type Server struct {
	addr   string
	source StatsSource
	srv    *http.Server
}

// New builds a Server bound to addr (expected to be a loopback address,
// e.g. "127.0.0.1:7717"); it does not start listening until Start is
// called.
func New(addr string, source StatsSource) *Server {
	s := &Server{addr: addr, source: source}

	router := http.NewServeMux()
	router.HandleFunc("/favicon.ico", serveFavicon())
	router.HandleFunc("/stats.json", s.serveStatsJSON)
	router.HandleFunc("/", s.serveDashboard)

	s.srv = &http.Server{Addr: addr, Handler: router}
	return s
}

// Start runs the server until ctx is cancelled, returning only
// unexpected (non-shutdown) errors. It refuses an address whose host is
// not "localhost" or a loopback IP. It blocks until shutdown completes,
// so callers should run it in its own goroutine.
func (s *Server) Start(ctx context.Context) error {
	host, _, err := net.SplitHostPort(s.addr)
	if err != nil {
		return err
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("debug status page address %q is not a loopback address", s.addr)
	}

	exitErr := make(chan error, 1)
	go func() {
		logging.Warn("statuspage", "debug status page listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			exitErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-exitErr:
		return err
	}
}

func (s *Server) serveStatsJSON(w http.ResponseWriter, r *http.Request) {
	stats, err := s.source.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

func (s *Server) serveDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	stats, err := s.source.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(renderDashboard(stats)))
}

func renderDashboard(s rpc.StatsResult) string {
	var pools strings.Builder
	for key, ps := range s.Pools {
		fmt.Fprintf(&pools, `
        <div class="pool">
            <div class="pool-key">%s</div>
            <div>refs: %d, subscriptions: %d</div>
            <table>`, html(key), ps.RefCount, ps.Subscriptions)
		for url, state := range ps.Connections {
			fmt.Fprintf(&pools, `
                <tr><td>%s</td><td>%s</td></tr>`, html(url), html(state))
		}
		pools.WriteString(`
            </table>
        </div>`)
	}
	if pools.Len() == 0 {
		pools.WriteString(`<div class="empty">no active relay pools</div>`)
	}

	return `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>nwebcore status</title>
    <link rel="icon" type="image/png" href="/favicon.ico">
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, "Helvetica Neue", Arial, sans-serif;
            max-width: 900px;
            margin: 50px auto;
            padding: 20px;
            background: #f5f5f5;
            color: #333;
        }
        .container {
            background: white;
            padding: 30px;
            border-radius: 8px;
            box-shadow: 0 2px 4px rgba(0,0,0,0.1);
        }
        h1 { color: #2c3e50; margin-top: 0; }
        h2 { color: #2c3e50; font-size: 16px; margin-top: 28px; }
        .metric-grid {
            display: flex;
            flex-wrap: wrap;
            gap: 16px;
        }
        .metric {
            background: #f8f9fa;
            border-radius: 6px;
            padding: 12px 16px;
            min-width: 140px;
        }
        .metric-label { font-size: 12px; color: #777; }
        .metric-value { font-size: 22px; font-weight: bold; color: #2c3e50; }
        .pool { border-top: 1px solid #eee; padding-top: 12px; margin-top: 12px; }
        .pool-key { font-family: monospace; font-size: 12px; color: #555; }
        table { border-collapse: collapse; width: 100%; margin-top: 6px; }
        td { font-family: monospace; font-size: 12px; padding: 2px 8px 2px 0; }
        .empty { color: #999; font-style: italic; }
        .footer {
            margin-top: 30px;
            padding-top: 20px;
            border-top: 1px solid #eee;
            font-size: 14px;
            color: #888;
        }
    </style>
</head>
<body>
    <div class="container">
        <h1>nwebcore status</h1>

        <h2>DNS cache</h2>
        <div class="metric-grid">
            <div class="metric"><div class="metric-label">valid</div><div class="metric-value">` + fmt.Sprint(s.DNSCache.Valid) + `</div></div>
            <div class="metric"><div class="metric-label">expired</div><div class="metric-value">` + fmt.Sprint(s.DNSCache.Expired) + `</div></div>
            <div class="metric"><div class="metric-label">size / max</div><div class="metric-value">` + fmt.Sprintf("%d / %d", s.DNSCache.Size, s.DNSCache.MaxSize) + `</div></div>
        </div>

        <h2>Event cache</h2>
        <div class="metric-grid">
            <div class="metric"><div class="metric-label">valid</div><div class="metric-value">` + fmt.Sprint(s.EventCache.Valid) + `</div></div>
            <div class="metric"><div class="metric-label">expired</div><div class="metric-value">` + fmt.Sprint(s.EventCache.Expired) + `</div></div>
            <div class="metric"><div class="metric-label">size / max</div><div class="metric-value">` + fmt.Sprintf("%d / %d", s.EventCache.Size, s.EventCache.MaxSize) + `</div></div>
        </div>

        <h2>DNS rate limiters</h2>
        <div class="metric-grid">
            <div class="metric"><div class="metric-label">tracked hosts</div><div class="metric-value">` + fmt.Sprint(s.DNSHostKeys) + `</div></div>
            <div class="metric"><div class="metric-label">global remaining</div><div class="metric-value">` + fmt.Sprint(s.DNSGlobalKey) + `</div></div>
        </div>

        <h2>Relay pools</h2>` + pools.String() + `

        <div class="footer">
            <p>Raw snapshot at <a href="/stats.json">/stats.json</a>. This page is loopback-only and is not part of the extension's RPC surface.</p>
        </div>
    </div>
</body>
</html>`
}

func html(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&#34;")
	return r.Replace(s)
}

// generateFavicon draws a simple 16x16 green square favicon, the same
// "solid background + PNG-encode" idiom as the teacher's web.go.
func generateFavicon() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	bg := color.RGBA{46, 160, 67, 255}
	for y := range 16 {
		for x := range 16 {
			img.Set(x, y, bg)
		}
	}
	var buf bytes.Buffer
	png.Encode(&buf, img)
	return buf.Bytes()
}

func serveFavicon() http.HandlerFunc {
	favicon := generateFavicon()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=86400")
		w.WriteHeader(http.StatusOK)
		w.Write(favicon)
	}
}
