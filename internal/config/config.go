// Package config loads the backbone's configuration: the recognised
// options of spec.md §6, plus ambient logging/metrics tuning. The shape
// follows the teacher repo's struct-of-structs Config (internal/config in
// petervdpas/goop2), the file format is YAML (gopkg.in/yaml.v3) to match
// the rest of the example corpus's configuration convention.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Server holds the recognised options enumerated in spec.md §6.
type Server struct {
	ServerID string `yaml:"server_id"`
	UDPPort  int    `yaml:"udp_port"`
	TCPPort  int    `yaml:"tcp_port"`

	// PeerPorts is the fixed small set of UDP ports probed at discovery
	// bootstrap time (spec.md §4.3, §6).
	PeerPorts []int `yaml:"peer_ports"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`

	// DialBackoffMin/Max bound the random back-off before an outbound peer
	// dial (spec.md §4.4).
	DialBackoffMin time.Duration `yaml:"dial_backoff_min"`
	DialBackoffMax time.Duration `yaml:"dial_backoff_max"`

	// BroadcastAddr defaults to the IPv4 limited broadcast address
	// (spec.md §6); overridable for environments where that is blocked.
	BroadcastAddr string `yaml:"broadcast_addr"`

	// MaxGroupMembers caps group membership (SPEC_FULL.md §4); 0 = unlimited.
	MaxGroupMembers int `yaml:"max_group_members"`
}

// Logging tunes the go-log-backed structured logger.
type Logging struct {
	Level string `yaml:"level"` // debug|info|warn|error
}

// Metrics configures the Prometheus exporter.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"` // e.g. ":9090"
}

// Translate configures the translation adapter (C9).
type Translate struct {
	// CacheSize bounds the in-memory LRU in front of the Backend
	// (SPEC_FULL.md §4); 0 disables caching.
	CacheSize int `yaml:"cache_size"`

	// LuaScript, if set, is the path of a Lua script file; its contents are
	// used as the translation backend instead of the default pass-through.
	LuaScript string `yaml:"lua_script"`
}

// Config is the full recognised configuration surface.
type Config struct {
	Server    Server    `yaml:"server"`
	Logging   Logging   `yaml:"logging"`
	Metrics   Metrics   `yaml:"metrics"`
	Translate Translate `yaml:"translate"`
}

// Default returns the documented defaults (spec.md §6).
func Default() Config {
	return Config{
		Server: Server{
			ServerID:          "",
			UDPPort:           9999,
			TCPPort:           9100,
			PeerPorts:         []int{9999},
			HeartbeatInterval: 10 * time.Second,
			HeartbeatTimeout:  30 * time.Second,
			DialBackoffMin:    500 * time.Millisecond,
			DialBackoffMax:    2 * time.Second,
			BroadcastAddr:     "255.255.255.255",
			MaxGroupMembers:   0,
		},
		Logging: Logging{Level: "info"},
		Metrics: Metrics{Enabled: false, Addr: ":9090"},
		Translate: Translate{
			CacheSize: 256,
		},
	}
}

// Load starts from Default(), parses a YAML config file over it (fields the
// file leaves unset keep their default), then applies environment variable
// overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides lets an operator override a handful of fields without
// editing the file, e.g. for container deployments.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHATD_SERVER_ID"); v != "" {
		cfg.Server.ServerID = v
	}
	if v := os.Getenv("CHATD_UDP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.UDPPort = n
		}
	}
	if v := os.Getenv("CHATD_TCP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.TCPPort = n
		}
	}
	if v := os.Getenv("CHATD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the recognised options for obvious misconfiguration,
// following the teacher's Config.Validate shape (internal/config/config.go).
func (c Config) Validate() error {
	if c.Server.UDPPort <= 0 || c.Server.UDPPort > 65535 {
		return errors.New("server.udp_port must be 1..65535")
	}
	if c.Server.TCPPort <= 0 || c.Server.TCPPort > 65535 {
		return errors.New("server.tcp_port must be 1..65535")
	}
	if c.Server.HeartbeatInterval <= 0 {
		return errors.New("server.heartbeat_interval must be > 0")
	}
	if c.Server.HeartbeatTimeout <= c.Server.HeartbeatInterval {
		return errors.New("server.heartbeat_timeout must be greater than heartbeat_interval")
	}
	if c.Server.DialBackoffMin < 0 || c.Server.DialBackoffMax < c.Server.DialBackoffMin {
		return errors.New("server.dial_backoff_min/max must be non-negative and min <= max")
	}
	if c.Server.MaxGroupMembers < 0 {
		return errors.New("server.max_group_members must be >= 0")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("logging.level %q is not one of debug|info|warn|error", c.Logging.Level)
	}
	return nil
}

// Reloadable reports which fields may be changed by a hot reload
// (spec.md's identity/port fields require a restart; tuning knobs don't).
func (c Config) Reloadable(other Config) bool {
	return c.Server.ServerID == other.Server.ServerID &&
		c.Server.UDPPort == other.Server.UDPPort &&
		c.Server.TCPPort == other.Server.TCPPort
}
