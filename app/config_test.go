package app

import (
	"strings"
	"testing"
	"time"
)

func baseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("REDIS_CONNECTION_STRING", "localhost:6379")
	t.Setenv("LOCAL_AUTH_MODE", "hs256")
	t.Setenv("LOCAL_AUTH_SHARED_SECRET", "secret")
}

func TestLoadConfigDefaults(t *testing.T) {
	baseEnv(t)
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.Backend != BackendBolt {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.DeduperTTL != 24*time.Hour || cfg.StorageTimeout != 5*time.Second {
		t.Fatalf("unexpected durations: ttl=%v timeout=%v", cfg.DeduperTTL, cfg.StorageTimeout)
	}
	if cfg.WS.PingInterval != 25*time.Second || cfg.WS.SendBuffer != 64 {
		t.Fatalf("unexpected websocket defaults: %+v", cfg.WS)
	}
	if cfg.EventsQueue != "" {
		t.Fatalf("export must be off by default")
	}
	if cfg.Auth.SharedSecret != "secret" || cfg.Auth.Issuer() != "" {
		t.Fatalf("expected local hs256 auth, got %+v", cfg.Auth)
	}
	if cfg.RedisOptions.Addr != "localhost:6379" {
		t.Fatalf("unexpected redis addr %q", cfg.RedisOptions.Addr)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	baseEnv(t)
	t.Setenv("STORAGE_BACKEND", "Memory")
	t.Setenv("WS_PING_INTERVAL", "5s")
	t.Setenv("OUTBOX_WORKERS", "4")
	t.Setenv("DEBUG", "true")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend != BackendMemory || cfg.WS.PingInterval != 5*time.Second || cfg.Outbox.Workers != 4 || !cfg.Debug {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestLoadConfigRejects(t *testing.T) {
	cases := map[string]map[string]string{
		"bad int":           {"EVENT_HISTORY": "many"},
		"negative duration": {"STORAGE_TIMEOUT": "-1s"},
		"bad bool":          {"DEBUG": "perhaps"},
		"unknown backend":   {"STORAGE_BACKEND": "postgres"},
		"tables without connection string": {
			"STORAGE_BACKEND": "tables",
		},
		"queue without connection string": {"EVENTS_QUEUE": "events"},
		"unknown local auth mode":         {"LOCAL_AUTH_MODE": "none"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			baseEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := LoadConfig(); err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}

func TestLoadConfigRequiresAuth0WithoutLocalMode(t *testing.T) {
	t.Setenv("REDIS_CONNECTION_STRING", "localhost:6379")
	t.Setenv("LOCAL_AUTH_MODE", "")
	t.Setenv("AUTH0_TEST_MODE", "")
	t.Setenv("AUTH0_DOMAIN", "")
	_, err := LoadConfig()
	if err == nil || !strings.Contains(err.Error(), "Auth0") {
		t.Fatalf("expected missing Auth0 config, got %v", err)
	}

	t.Setenv("AUTH0_DOMAIN", "tenant.example.com")
	t.Setenv("AUTH0_AUDIENCE", "api://prism")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.Issuer() != "https://tenant.example.com/" {
		t.Fatalf("unexpected issuer %q", cfg.Auth.Issuer())
	}
	if cfg.Auth.JWKSURL() != "https://tenant.example.com/.well-known/jwks.json" {
		t.Fatalf("unexpected jwks url %q", cfg.Auth.JWKSURL())
	}
}

func TestParseRedis(t *testing.T) {
	opts := ParseRedis("cache.example.net:6380,password=pw,ssl=True,abortConnect=False")
	if opts.Addr != "cache.example.net:6380" || opts.Password != "pw" || opts.TLSConfig == nil {
		t.Fatalf("unexpected options: %+v", opts)
	}
	opts = ParseRedis("redis://:pw@localhost:6379/2")
	if opts.Addr != "localhost:6379" || opts.Password != "pw" || opts.DB != 2 {
		t.Fatalf("unexpected url options: %+v", opts)
	}
}
