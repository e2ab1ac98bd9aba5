// Package config loads, validates and watches the client's JSON settings
// file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/peerlobby/internal/util"
)

// Bus drivers accepted in bus.driver.
const (
	DriverWebSocket = "ws"
	DriverRedis     = "redis"
	DriverMemory    = "memory"
)

type Config struct {
	Identity Identity    `json:"identity"`
	Bus      Bus         `json:"bus"`
	ICE      []ICEServer `json:"ice_servers"`
	Media    Media       `json:"media"`
	Timeouts Timeouts    `json:"timeouts"`
}

type Identity struct {
	// ClientID pins the identity across restarts. Empty means a fresh
	// UUID per run, which is the normal mode.
	ClientID string `json:"client_id"`
}

type Bus struct {
	// Driver selects the transport: "ws", "redis" or "memory" (tests and
	// single-process demos).
	Driver string `json:"driver"`

	// URL is the websocket endpoint, e.g. wss://lobby.example.org/bus.
	URL string `json:"url"`

	// JWTSecret signs the bearer token presented on connect. Shared with
	// the server.
	JWTSecret string `json:"jwt_secret"`

	Redis Redis `json:"redis"`
}

type Redis struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// ICEServer is one STUN or TURN entry, in the shape pion and browsers share.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
}

type Media struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

type Timeouts struct {
	MediaWaitSec int `json:"media_wait_seconds"`
	NoticeTTLSec int `json:"notice_ttl_seconds"`

	// DisconnectedGraceSec is how long a disconnected call may linger
	// before teardown. 0 leaves recovery to the transport's own failure
	// detection.
	DisconnectedGraceSec int `json:"disconnected_grace_seconds"`
}

func Default() Config {
	return Config{
		Bus: Bus{
			Driver: DriverWebSocket,
			URL:    "ws://127.0.0.1:8686/bus",
			Redis: Redis{
				Addr: "127.0.0.1:6379",
			},
		},
		ICE: []ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		Media: Media{
			Audio: true,
			Video: true,
		},
		Timeouts: Timeouts{
			MediaWaitSec:         10,
			NoticeTTLSec:         6,
			DisconnectedGraceSec: 15,
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if c.Identity.ClientID != "" {
		if _, err := util.ValidateClientID(c.Identity.ClientID); err != nil {
			return fmt.Errorf("identity.client_id: %w", err)
		}
	}

	// Bus
	switch c.Bus.Driver {
	case DriverWebSocket:
		if strings.TrimSpace(c.Bus.URL) == "" {
			return errors.New("bus.url is required for the ws driver")
		}
		u, err := url.Parse(c.Bus.URL)
		if err != nil {
			return fmt.Errorf("bus.url: %v", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return errors.New("bus.url scheme must be ws or wss")
		}
		if u.Host == "" {
			return errors.New("bus.url is missing a host")
		}
		if strings.TrimSpace(c.Bus.JWTSecret) == "" {
			return errors.New("bus.jwt_secret is required for the ws driver")
		}
	case DriverRedis:
		if strings.TrimSpace(c.Bus.Redis.Addr) == "" {
			return errors.New("bus.redis.addr is required for the redis driver")
		}
		if c.Bus.Redis.DB < 0 {
			return errors.New("bus.redis.db must be >= 0")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("bus.driver must be %q, %q or %q", DriverWebSocket, DriverRedis, DriverMemory)
	}

	// ICE
	if len(c.ICE) == 0 {
		return errors.New("ice_servers must list at least one entry")
	}
	for i, s := range c.ICE {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice_servers[%d].urls is empty", i)
		}
		for _, raw := range s.URLs {
			if err := validateICEURL(raw); err != nil {
				return fmt.Errorf("ice_servers[%d]: %w", i, err)
			}
			if strings.HasPrefix(raw, "turn") && s.Username == "" {
				return fmt.Errorf("ice_servers[%d]: turn entries need credentials", i)
			}
		}
	}

	// Timeouts
	if c.Timeouts.MediaWaitSec <= 0 {
		return errors.New("timeouts.media_wait_seconds must be > 0")
	}
	if c.Timeouts.NoticeTTLSec <= 0 {
		return errors.New("timeouts.notice_ttl_seconds must be > 0")
	}
	if c.Timeouts.DisconnectedGraceSec < 0 {
		return errors.New("timeouts.disconnected_grace_seconds must be >= 0")
	}

	return nil
}

func validateICEURL(raw string) error {
	scheme, rest, ok := strings.Cut(raw, ":")
	if !ok || rest == "" {
		return fmt.Errorf("malformed ice url %q", raw)
	}
	switch scheme {
	case "stun", "stuns", "turn", "turns":
		return nil
	}
	return fmt.Errorf("ice url %q: scheme must be stun(s) or turn(s)", raw)
}

// ICEServers converts the configured entries to pion's shape.
func (c *Config) ICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.ICE))
	for _, s := range c.ICE {
		urls := make([]string, len(s.URLs))
		copy(urls, s.URLs)
		entry := webrtc.ICEServer{URLs: urls}
		if s.Username != "" {
			entry.Username = s.Username
			entry.Credential = s.Credential
		}
		out = append(out, entry)
	}
	return out
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
