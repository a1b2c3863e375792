package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EffectiveConfigResult is the config after merging file, environment and
// flag sources, plus provenance for the startup banner.
type EffectiveConfigResult struct {
	Config *Config
	Addr   string
	DBPath string
	Source string
}

// Defaults returns a Config with conservative development defaults.
func Defaults() *Config {
	c := &Config{}
	c.Server.Address = "0.0.0.0"
	c.Server.Port = 8080
	c.Server.DBPath = "./data"
	c.Logging.Level = "info"
	c.Collab.Heartbeat = Duration(15 * time.Second)
	c.Collab.LivenessMultiplier = 3
	c.Collab.RoomGrace = Duration(30 * time.Second)
	c.Collab.SnapshotInterval = Duration(60 * time.Second)
	c.Collab.SnapshotOps = 200
	c.Collab.MaxFrameBytes = SizeBytes(1 << 20)
	c.Collab.MalformedBurst = 10
	c.Retention.KeepVersions = 100
	c.Security.SessionHeaders.UserID = "X-User-ID"
	c.Security.SessionHeaders.UserName = "X-User-Name"
	c.Security.SessionHeaders.CanWrite = "X-Can-Write"
	return c
}

// Load reads a YAML config file into a Config over the defaults. A missing
// path is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadEffective loads the config file and applies NOTESYNC_* environment
// overrides. File values win over defaults; env wins over file; explicit
// flags are applied by the caller and win over everything.
func LoadEffective(path string) (EffectiveConfigResult, error) {
	cfg, err := Load(path)
	if err != nil {
		return EffectiveConfigResult{}, err
	}
	src := "defaults"
	if path != "" {
		if _, serr := os.Stat(path); serr == nil {
			src = "config"
		}
	}
	envUsed := false
	if v := os.Getenv("NOTESYNC_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
		envUsed = true
	}
	if v := os.Getenv("NOTESYNC_SERVER_PORT"); v != "" {
		if p, perr := strconv.Atoi(v); perr == nil {
			cfg.Server.Port = p
			envUsed = true
		}
	}
	if v := os.Getenv("NOTESYNC_DB_PATH"); v != "" {
		cfg.Server.DBPath = v
		envUsed = true
	}
	if v := os.Getenv("NOTESYNC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
		envUsed = true
	}
	if envUsed {
		if src == "config" {
			src = "config, env"
		} else {
			src = "env"
		}
	}
	return EffectiveConfigResult{
		Config: cfg,
		Addr:   cfg.Addr(),
		DBPath: cfg.Server.DBPath,
		Source: src,
	}, nil
}
