package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Security  SecurityConfig  `yaml:"security"`
	Logging   LoggingConfig   `yaml:"logging"`
	Collab    CollabConfig    `yaml:"collab"`
	Retention RetentionConfig `yaml:"retention"`
}

// ServerConfig holds http and tls settings.
type ServerConfig struct {
	Address string    `yaml:"address"`
	Port    int       `yaml:"port"`
	DBPath  string    `yaml:"db_path"`
	TLS     TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate configuration.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SecurityConfig holds security related settings.
type SecurityConfig struct {
	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
	// Headers the fronting auth layer injects for registered users.
	SessionHeaders SessionHeaders `yaml:"session_headers"`
}

// SessionHeaders names the request headers carrying proxy-verified
// identity.
type SessionHeaders struct {
	UserID   string `yaml:"user_id"`
	UserName string `yaml:"user_name"`
	CanWrite string `yaml:"can_write"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// CollabConfig holds the tunables of the live collaboration core.
type CollabConfig struct {
	// Heartbeat is the expected client presence-refresh interval.
	Heartbeat Duration `yaml:"heartbeat"`
	// LivenessMultiplier: a participant whose awareness record was not
	// refreshed within heartbeat*multiplier is swept.
	LivenessMultiplier int `yaml:"liveness_multiplier"`
	// RoomGrace is how long an empty room lingers before eviction, so quick
	// reconnects land in the same live session.
	RoomGrace Duration `yaml:"room_grace"`
	// SnapshotInterval and SnapshotOps control the versioning bridge: a
	// version is persisted on the interval tick or once this many operations
	// accumulated, whichever comes first.
	SnapshotInterval Duration `yaml:"snapshot_interval"`
	SnapshotOps      int      `yaml:"snapshot_ops"`
	// MaxFrameBytes caps a single inbound sync frame.
	MaxFrameBytes SizeBytes `yaml:"max_frame_bytes"`
	// MalformedBurst is how many malformed frames a connection may produce
	// (refilling one per second) before it is closed.
	MalformedBurst int `yaml:"malformed_burst"`
}

// RetentionConfig holds configuration for the version-history pruner.
type RetentionConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Cron         string `yaml:"cron"`
	KeepVersions int    `yaml:"keep_versions"`
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	host := c.Server.Address
	port := c.Server.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "64MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*s = 0
		return nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		*s = SizeBytes(v)
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = SizeBytes(i)
		return nil
	}
	return fmt.Errorf("invalid size value: %q", node.Value)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

// Duration is a wrapper around time.Duration that supports YAML parsing from strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
