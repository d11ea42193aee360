package app

import (
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"prism-board/api"
	"prism-board/export"
	"prism-board/realtime"
	"prism-board/storage"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendTables = "tables"
)

// Config is everything the process reads from its environment.
type Config struct {
	ListenAddr string
	Debug      bool

	Backend          string
	BoltPath         string
	ConnectionString string
	Tables           storage.TableNames
	StorageTimeout   time.Duration

	// EventsQueue enables the event export when set.
	EventsQueue string
	Outbox      export.Config

	RedisOptions *redis.Options
	DeduperTTL   time.Duration

	Auth AuthSettings

	EventHistory int
	NotifyQueue  int
	WS           realtime.Config
}

// AuthSettings selects between Auth0 (RS256 via JWKS) and a shared HS256
// secret for local runs and tests.
type AuthSettings struct {
	Domain       string
	Audience     string
	SharedSecret string
	KeyCacheTTL  time.Duration
}

// Issuer is the expected token issuer.
func (a AuthSettings) Issuer() string {
	if a.Domain == "" {
		return ""
	}
	return "https://" + a.Domain + "/"
}

// JWKSURL is where Auth0 publishes signing keys.
func (a AuthSettings) JWKSURL() string {
	return fmt.Sprintf("https://%s/.well-known/jwks.json", a.Domain)
}

// LoadConfig reads the environment. Missing or malformed mandatory values
// are reported as an error.
func LoadConfig() (Config, error) {
	var p parser
	cfg := Config{
		ListenAddr:       p.envString("LISTEN_ADDR", ":8080"),
		Debug:            p.envBool("DEBUG", false),
		Backend:          strings.ToLower(p.envString("STORAGE_BACKEND", BackendBolt)),
		BoltPath:         p.envString("BOLT_PATH", filepath.Join(os.TempDir(), "prism-board.db")),
		ConnectionString: os.Getenv("STORAGE_CONNECTION_STRING"),
		Tables: storage.TableNames{
			Boards:        p.envString("BOARDS_TABLE", "Boards"),
			Buckets:       p.envString("BUCKETS_TABLE", "Buckets"),
			Items:         p.envString("ITEMS_TABLE", "Items"),
			Notifications: p.envString("NOTIFICATIONS_TABLE", "Notifications"),
		},
		StorageTimeout: p.envDur("STORAGE_TIMEOUT", 5*time.Second),
		EventsQueue:    os.Getenv("EVENTS_QUEUE"),
		Outbox: export.Config{
			Dir:          p.envString("OUTBOX_DIR", filepath.Join(os.TempDir(), "prism-board-outbox")),
			SegmentBytes: int64(p.envInt("OUTBOX_SEGMENT_BYTES", 64<<20)),
			SyncEvery:    p.envInt("OUTBOX_SYNC_EVERY", 64),
			SyncInterval: p.envDur("OUTBOX_SYNC_INTERVAL", 50*time.Millisecond),
			Workers:      p.envInt("OUTBOX_WORKERS", 2),
			BatchSize:    p.envInt("OUTBOX_BATCH_SIZE", 32),
			BatchWait:    p.envDur("OUTBOX_BATCH_WAIT", 20*time.Millisecond),
			QueueSize:    p.envInt("OUTBOX_QUEUE_SIZE", 4096),
			SendTimeout:  p.envDur("OUTBOX_SEND_TIMEOUT", 5*time.Second),
			RetryBase:    p.envDur("OUTBOX_RETRY_BASE", 200*time.Millisecond),
			RetryMax:     p.envDur("OUTBOX_RETRY_MAX", 30*time.Second),
		},
		DeduperTTL:   p.envDur("DEDUPER_TTL", 24*time.Hour),
		EventHistory: p.envInt("EVENT_HISTORY", 512),
		NotifyQueue:  p.envInt("NOTIFY_QUEUE", 1024),
		WS: realtime.Config{
			SendBuffer:   p.envInt("WS_SEND_BUFFER", 64),
			PingInterval: p.envDur("WS_PING_INTERVAL", 25*time.Second),
			WriteTimeout: p.envDur("WS_WRITE_TIMEOUT", 10*time.Second),
			ReadTimeout:  p.envDur("WS_READ_TIMEOUT", 60*time.Second),
		},
	}

	switch cfg.Backend {
	case BackendMemory, BackendBolt:
	case BackendTables:
		if cfg.ConnectionString == "" {
			p.fail("STORAGE_CONNECTION_STRING is required for the tables backend")
		}
	default:
		p.fail("unsupported STORAGE_BACKEND " + cfg.Backend)
	}
	if cfg.EventsQueue != "" && cfg.ConnectionString == "" {
		p.fail("STORAGE_CONNECTION_STRING is required when EVENTS_QUEUE is set")
	}

	if raw := os.Getenv("REDIS_CONNECTION_STRING"); raw != "" {
		cfg.RedisOptions = ParseRedis(raw)
	} else {
		p.fail("missing redis config")
	}

	cfg.Auth = p.auth()
	return cfg, p.err
}

// parser collects the first configuration error.
type parser struct {
	err error
}

func (p *parser) fail(msg string) {
	if p.err == nil {
		p.err = fmt.Errorf("config: %s", msg)
	}
}

func (p *parser) envString(name, def string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return def
}

func (p *parser) envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		p.fail(fmt.Sprintf("invalid %s: must be a positive integer", name))
		return def
	}
	return n
}

func (p *parser) envDur(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		p.fail(fmt.Sprintf("invalid %s: must be a positive duration", name))
		return def
	}
	return d
}

func (p *parser) envBool(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(fmt.Sprintf("invalid %s: must be a boolean", name))
		return def
	}
	return b
}

func (p *parser) auth() AuthSettings {
	a := AuthSettings{KeyCacheTTL: p.envDur("JWKS_CACHE_TTL", api.DefaultJWKSCacheTTL)}
	if mode := strings.ToLower(os.Getenv("LOCAL_AUTH_MODE")); mode != "" {
		if mode != "hs256" {
			p.fail("unsupported LOCAL_AUTH_MODE value")
			return a
		}
		a.SharedSecret = os.Getenv("LOCAL_AUTH_SHARED_SECRET")
		if a.SharedSecret == "" {
			p.fail("LOCAL_AUTH_SHARED_SECRET must be set when LOCAL_AUTH_MODE=hs256")
		}
		a.Audience = os.Getenv("AUTH0_AUDIENCE")
		return a
	}
	if os.Getenv("AUTH0_TEST_MODE") == "1" {
		a.SharedSecret = os.Getenv("TEST_JWT_SECRET")
		if a.SharedSecret == "" {
			p.fail("TEST_JWT_SECRET must be set when AUTH0_TEST_MODE=1")
		}
		a.Audience = os.Getenv("AUTH0_AUDIENCE")
		return a
	}
	a.Audience = os.Getenv("AUTH0_AUDIENCE")
	a.Domain = os.Getenv("AUTH0_DOMAIN")
	if a.Audience == "" || a.Domain == "" {
		p.fail("missing Auth0 config")
	}
	return a
}

// ParseRedis accepts a redis:// URL or an Azure style
// "host:port,password=...,ssl=True" connection string.
func ParseRedis(raw string) *redis.Options {
	if opts, err := redis.ParseURL(raw); err == nil {
		return opts
	}
	parts := strings.Split(raw, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
