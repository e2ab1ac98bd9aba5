package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	// The default ws driver needs a secret the template can't ship.
	cfg.Bus.JWTSecret = "s3cret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	base := func() Config {
		cfg := Default()
		cfg.Bus.JWTSecret = "s3cret"
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Bus.Driver = "carrier-pigeon" }},
		{"ws without url", func(c *Config) { c.Bus.URL = "" }},
		{"ws with http url", func(c *Config) { c.Bus.URL = "http://example.org/bus" }},
		{"ws without secret", func(c *Config) { c.Bus.JWTSecret = "" }},
		{"redis without addr", func(c *Config) {
			c.Bus.Driver = DriverRedis
			c.Bus.Redis.Addr = ""
		}},
		{"no ice servers", func(c *Config) { c.ICE = nil }},
		{"ice entry without urls", func(c *Config) { c.ICE = []ICEServer{{}} }},
		{"ice url bad scheme", func(c *Config) { c.ICE = []ICEServer{{URLs: []string{"udp:1.2.3.4"}}} }},
		{"turn without credentials", func(c *Config) {
			c.ICE = []ICEServer{{URLs: []string{"turn:relay.example.org:3478"}}}
		}},
		{"zero media wait", func(c *Config) { c.Timeouts.MediaWaitSec = 0 }},
		{"negative grace", func(c *Config) { c.Timeouts.DisconnectedGraceSec = -1 }},
		{"bad client id", func(c *Config) { c.Identity.ClientID = "a/b" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peerlobby.json")
	body := `{
		"bus": {"driver": "memory"},
		"timeouts": {"media_wait_seconds": 3, "notice_ttl_seconds": 2}
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Bus.Driver != DriverMemory {
		t.Fatalf("driver = %q", cfg.Bus.Driver)
	}
	if cfg.Timeouts.MediaWaitSec != 3 {
		t.Fatalf("media wait = %d", cfg.Timeouts.MediaWaitSec)
	}
	// Unset fields keep their defaults.
	if len(cfg.ICE) == 0 {
		t.Fatal("default ice servers lost")
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peerlobby.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"bus":{"driver":"memory"}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("BOM-prefixed config rejected: %v", err)
	}
}

func TestEnsureCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peerlobby.json")

	// Default has no jwt_secret, so Ensure must still write the template;
	// memory driver keeps it loadable for this test.
	cfg := Default()
	cfg.Bus.Driver = DriverMemory
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	loaded, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("Ensure recreated an existing file")
	}
	if loaded.Bus.Driver != DriverMemory {
		t.Fatalf("driver = %q", loaded.Bus.Driver)
	}
}

func TestICEServersConversion(t *testing.T) {
	cfg := Default()
	cfg.ICE = []ICEServer{
		{URLs: []string{"stun:stun.example.org:3478"}},
		{URLs: []string{"turn:relay.example.org:3478"}, Username: "u", Credential: "p"},
	}
	servers := cfg.ICEServers()
	if len(servers) != 2 {
		t.Fatalf("got %d servers", len(servers))
	}
	if servers[0].Username != "" {
		t.Fatal("stun entry grew credentials")
	}
	if servers[1].Username != "u" || servers[1].Credential != "p" {
		t.Fatalf("turn credentials lost: %+v", servers[1])
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peerlobby.json")

	write := func(mediaWait int) {
		cfg := Default()
		cfg.Bus.Driver = DriverMemory
		cfg.Timeouts.MediaWaitSec = mediaWait
		if err := Save(path, cfg); err != nil {
			t.Fatal(err)
		}
	}
	write(5)

	got := make(chan Config, 1)
	w, err := Watch(path, func(cfg Config) { got <- cfg })
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	write(7)

	select {
	case cfg := <-got:
		if cfg.Timeouts.MediaWaitSec != 7 {
			t.Fatalf("reloaded media wait = %d", cfg.Timeouts.MediaWaitSec)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reload never fired")
	}
}
