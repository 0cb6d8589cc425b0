// Package config collects every tunable named in spec.md §6 into one
// immutable struct, loaded from environment variables (optionally via a
// .env file) with CLI flags overriding the environment, following the
// teacher's loadConfig/getEnv* convention.
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every enumerated tunable from spec.md §6. No component
// reads an environment variable or flag directly; everything is threaded
// through one of these fields at construction time.
type Config struct {
	TTLImmutable   time.Duration // manifests/assets, keyed by id: 7d
	TTLSiteIndex   time.Duration // 30s
	TTLEntrypoint  time.Duration // 0 — always fetched fresh
	TTLDNSFallback time.Duration // 24h offline DNS cache
	TTLPrefetch    time.Duration // 5m in-memory assembled-document cache
	TTLOffline     time.Duration // 24h persistent assembled-document cache
	TTLFailureMemo time.Duration // 60s repeated-navigation-failure memo

	CacheMaxEvents int // 500, offscreen event cache
	DNSCacheMax    int // 100
	PrefetchMax    int // 50

	WSReconnect     time.Duration // 1.5s
	WSEOSEGrace     time.Duration // 200ms
	WSQueryDeadline time.Duration // 6s
	SRIDeadline     time.Duration // 10s
	RPCDeadline     time.Duration // 30s

	MaxRetries    int           // 2 (3 attempts total)
	RetryBase     time.Duration // 1s
	RetryBackoff  float64       // 2x

	MaxRelays       int   // 10
	MaxContentSize  int64 // 5 MiB

	DNSPerHost  int // 10/min
	DNSGlobal   int // 50/min
	DNSWindow   time.Duration

	IdleRelayClose   time.Duration // 5m
	IdleReapInterval time.Duration // 1m

	DoHEndpoints []string

	DataDir string // base directory for badger-backed persistent stores
	Verbose string

	DebugHTTPAddr string // loopback-only debug status page, empty = disabled
}

// Default returns the configuration spec.md §6 enumerates, before any
// environment or flag overrides are applied.
func Default() Config {
	return Config{
		TTLImmutable:   7 * 24 * time.Hour,
		TTLSiteIndex:   30 * time.Second,
		TTLEntrypoint:  0,
		TTLDNSFallback: 24 * time.Hour,
		TTLPrefetch:    5 * time.Minute,
		TTLOffline:     24 * time.Hour,
		TTLFailureMemo: 60 * time.Second,

		CacheMaxEvents: 500,
		DNSCacheMax:    100,
		PrefetchMax:    50,

		WSReconnect:     1500 * time.Millisecond,
		WSEOSEGrace:     200 * time.Millisecond,
		WSQueryDeadline: 6 * time.Second,
		SRIDeadline:     10 * time.Second,
		RPCDeadline:     30 * time.Second,

		MaxRetries:   2,
		RetryBase:    1 * time.Second,
		RetryBackoff: 2,

		MaxRelays:      10,
		MaxContentSize: 5 * 1024 * 1024,

		DNSPerHost: 10,
		DNSGlobal:  50,
		DNSWindow:  1 * time.Minute,

		IdleRelayClose:   5 * time.Minute,
		IdleReapInterval: 1 * time.Minute,

		DoHEndpoints: []string{
			"https://cloudflare-dns.com/dns-query",
			"https://dns.google/resolve",
		},

		DataDir: "./nwebcore-data",
	}
}

// Load populates Config from a .env file (best effort), the environment,
// then CLI flags, in that order of increasing precedence, mirroring the
// teacher's loadConfig.
func Load(args []string) Config {
	_ = godotenv.Load()

	cfg := Default()

	if v := getEnvDuration("TTL_IMMUTABLE", 0); v > 0 {
		cfg.TTLImmutable = v
	}
	if v := getEnvDuration("TTL_SITE_INDEX", 0); v > 0 {
		cfg.TTLSiteIndex = v
	}
	if v := getEnvDuration("TTL_DNS_FALLBACK", 0); v > 0 {
		cfg.TTLDNSFallback = v
	}
	cfg.CacheMaxEvents = getEnvInt("CACHE_MAX_EVENTS", cfg.CacheMaxEvents)
	cfg.DNSCacheMax = getEnvInt("DNS_CACHE_MAX", cfg.DNSCacheMax)
	cfg.PrefetchMax = getEnvInt("PREFETCH_MAX", cfg.PrefetchMax)
	if v := getEnvDuration("WS_RECONNECT", 0); v > 0 {
		cfg.WSReconnect = v
	}
	if v := getEnvDuration("WS_EOSE_GRACE", 0); v > 0 {
		cfg.WSEOSEGrace = v
	}
	if v := getEnvDuration("WS_QUERY_DEADLINE", 0); v > 0 {
		cfg.WSQueryDeadline = v
	}
	if v := getEnvDuration("SRI_DEADLINE", 0); v > 0 {
		cfg.SRIDeadline = v
	}
	if v := getEnvDuration("RPC_DEADLINE", 0); v > 0 {
		cfg.RPCDeadline = v
	}
	cfg.MaxRetries = getEnvInt("MAX_RETRIES", cfg.MaxRetries)
	cfg.MaxRelays = getEnvInt("MAX_RELAYS", cfg.MaxRelays)
	cfg.DNSPerHost = getEnvInt("DNS_PER_HOST", cfg.DNSPerHost)
	cfg.DNSGlobal = getEnvInt("DNS_GLOBAL", cfg.DNSGlobal)
	if v := getEnvDuration("IDLE_RELAY_CLOSE", 0); v > 0 {
		cfg.IdleRelayClose = v
	}
	cfg.DataDir = getEnvString("NWEBCORE_DATA_DIR", cfg.DataDir)
	cfg.Verbose = os.Getenv("VERBOSE")
	cfg.DebugHTTPAddr = os.Getenv("NWEBCORE_DEBUG_HTTP")

	fs := flag.NewFlagSet("nwebcore", flag.ContinueOnError)
	dataDir := fs.String("data-dir", cfg.DataDir, "base directory for persistent caches (env: NWEBCORE_DATA_DIR)")
	verboseFlag := fs.String("verbose", cfg.Verbose, "debug tracing filter (env: VERBOSE)")
	debugHTTP := fs.String("debug-http", cfg.DebugHTTPAddr, "loopback address for the debug status page, empty disables it (env: NWEBCORE_DEBUG_HTTP)")
	_ = fs.Parse(args)

	cfg.DataDir = *dataDir
	cfg.Verbose = *verboseFlag
	cfg.DebugHTTPAddr = *debugHTTP

	return cfg
}

func getEnvString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}
