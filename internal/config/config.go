package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/tutorcall/internal/util"
)

// FileName is the config file inside a peer directory.
const FileName = "tutorcall.json"

type Config struct {
	Identity Identity `json:"identity"`
	Store    Store    `json:"store"`
	Call     Call     `json:"call"`
	Viewer   Viewer   `json:"viewer"`
	Logging  Logging  `json:"logging"`
}

type Identity struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

type Store struct {
	// One of memory, sqlite, mongo, redis. Only the shared drivers let two
	// processes call each other; memory is for a single process.
	Driver string `json:"driver"`

	// Relative to the peer directory. Every participant must point at the
	// same file.
	SQLitePath string `json:"sqlite_path"`

	MongoURI      string `json:"mongo_uri"`
	MongoDatabase string `json:"mongo_database"`

	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	RedisPrefix   string `json:"redis_prefix"`

	// Fallback polling for watchers when the backend has no push signal.
	PollMillis int `json:"poll_millis"`
}

type Call struct {
	ValiditySec           int `json:"validity_seconds"`
	NegotiationTimeoutSec int `json:"negotiation_timeout_seconds"`

	// Ended sessions are purged this long after they ended.
	EndedGraceSec    int `json:"ended_grace_seconds"`
	SweepIntervalSec int `json:"sweep_interval_seconds"`

	Trickle          bool `json:"trickle"`
	AllowReceiveOnly bool `json:"allow_receive_only"`
	Video            bool `json:"video"`
	Audio            bool `json:"audio"`

	// e.g. "stun:stun.l.google.com:19302"
	ICEServers                []string `json:"ice_servers"`
	ICEDisconnectedTimeoutSec int      `json:"ice_disconnected_timeout_seconds"`
	ICEFailedTimeoutSec       int      `json:"ice_failed_timeout_seconds"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
}

type Logging struct {
	// Level for Pion's ICE, DTLS and SCTP subsystems.
	PionLevel string `json:"pion_level"`
}

var (
	drivers    = []string{"memory", "sqlite", "mongo", "redis"}
	pionLevels = []string{"debug", "info", "warn", "error", "dpanic", "panic", "fatal"}
	iceSchemes = []string{"stun", "stuns", "turn", "turns"}
)

func Default() Config {
	return Config{
		Identity: Identity{
			ID:   "",
			Role: "student",
		},
		Store: Store{
			Driver:        "sqlite",
			SQLitePath:    "data/calls.db",
			MongoDatabase: "tutorcall",
			RedisPrefix:   "tutorcall:",
			PollMillis:    1000,
		},
		Call: Call{
			ValiditySec:               120,
			NegotiationTimeoutSec:     30,
			EndedGraceSec:             600,
			SweepIntervalSec:          30,
			Trickle:                   true,
			AllowReceiveOnly:          true,
			Video:                     true,
			Audio:                     true,
			ICEServers:                []string{"stun:stun.l.google.com:19302"},
			ICEDisconnectedTimeoutSec: 5,
			ICEFailedTimeoutSec:       25,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8790",
		},
		Logging: Logging{
			PionLevel: "warn",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if _, err := util.ValidateIdentity(c.Identity.ID); err != nil {
		return fmt.Errorf("identity.id: %w", err)
	}
	if _, err := util.ValidateIdentity(c.Identity.Role); err != nil {
		return fmt.Errorf("identity.role: %w", err)
	}

	// Store
	if !slices.Contains(drivers, c.Store.Driver) {
		return fmt.Errorf("store.driver must be one of %s", strings.Join(drivers, ", "))
	}
	switch c.Store.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			return errors.New("store.sqlite_path is required for the sqlite driver")
		}
	case "mongo":
		if err := validateMongoURI(c.Store.MongoURI); err != nil {
			return fmt.Errorf("store.mongo_uri: %w", err)
		}
		if strings.TrimSpace(c.Store.MongoDatabase) == "" {
			return errors.New("store.mongo_database is required for the mongo driver")
		}
	case "redis":
		if _, _, err := net.SplitHostPort(c.Store.RedisAddr); err != nil {
			return errors.New("store.redis_addr must be host:port")
		}
		if c.Store.RedisDB < 0 {
			return errors.New("store.redis_db must be >= 0")
		}
	}
	if c.Store.PollMillis < 10 {
		return errors.New("store.poll_millis must be >= 10")
	}

	// Call
	if c.Call.ValiditySec <= 0 {
		return errors.New("call.validity_seconds must be > 0")
	}
	if c.Call.NegotiationTimeoutSec <= 0 {
		return errors.New("call.negotiation_timeout_seconds must be > 0")
	}
	if c.Call.EndedGraceSec < 0 {
		return errors.New("call.ended_grace_seconds must be >= 0")
	}
	if c.Call.SweepIntervalSec <= 0 {
		return errors.New("call.sweep_interval_seconds must be > 0")
	}
	if c.Call.ICEDisconnectedTimeoutSec <= 0 || c.Call.ICEFailedTimeoutSec <= 0 {
		return errors.New("call.ice_*_timeout_seconds must be > 0")
	}
	if c.Call.ICEDisconnectedTimeoutSec >= c.Call.ICEFailedTimeoutSec {
		return errors.New("call.ice_disconnected_timeout_seconds must be < call.ice_failed_timeout_seconds")
	}
	for _, s := range c.Call.ICEServers {
		if err := validateICEServer(s); err != nil {
			return fmt.Errorf("call.ice_servers %q: %w", s, err)
		}
	}

	// Viewer
	if a := strings.TrimSpace(c.Viewer.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return errors.New("viewer.http_addr must be host:port")
		}
	}

	// Logging
	if !slices.Contains(pionLevels, c.Logging.PionLevel) {
		return fmt.Errorf("logging.pion_level must be one of %s", strings.Join(pionLevels, ", "))
	}

	return nil
}

func validateMongoURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "mongodb" && u.Scheme != "mongodb+srv" {
		return errors.New("scheme must be mongodb or mongodb+srv")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// validateICEServer accepts RFC 7064/7065 URIs such as stun:host:port.
func validateICEServer(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if !slices.Contains(iceSchemes, u.Scheme) {
		return fmt.Errorf("scheme must be one of %s", strings.Join(iceSchemes, ", "))
	}
	if u.Opaque == "" {
		return errors.New("missing host")
	}
	return nil
}

// Validity and the other duration helpers convert the second-based fields.
func (c Call) Validity() time.Duration { return time.Duration(c.ValiditySec) * time.Second }

func (c Call) NegotiationTimeout() time.Duration {
	return time.Duration(c.NegotiationTimeoutSec) * time.Second
}

func (c Call) EndedGrace() time.Duration { return time.Duration(c.EndedGraceSec) * time.Second }

func (c Call) SweepInterval() time.Duration { return time.Duration(c.SweepIntervalSec) * time.Second }

func (c Call) ICEDisconnectedTimeout() time.Duration {
	return time.Duration(c.ICEDisconnectedTimeoutSec) * time.Second
}

func (c Call) ICEFailedTimeout() time.Duration {
	return time.Duration(c.ICEFailedTimeoutSec) * time.Second
}

func (s Store) PollInterval() time.Duration { return time.Duration(s.PollMillis) * time.Millisecond }

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

// LoadPartial reads a config file without validation. The sweep command
// uses it: it only needs the store section.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
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

// Ensure loads config if it exists; otherwise creates a default config file
// with a fresh identity id.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.ID = "peer-" + uuid.New().String()[:8]
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
