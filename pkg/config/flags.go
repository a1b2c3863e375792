package config

import (
	"flag"
	"os"
)

// ParseCommandFlags parses the server command line. It returns the raw flag
// values plus a set of flag names the user provided explicitly, so callers
// can let explicit flags win over file/env values.
func ParseCommandFlags() (addr, db, cfgPath string, set map[string]bool) {
	addrFlag := flag.String("addr", "", "listen address (host:port), overrides config")
	dbFlag := flag.String("db", "", "pebble database path, overrides config")
	cfgFlag := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	set = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return *addrFlag, *dbFlag, *cfgFlag, set
}

// ResolveConfigPath picks the config file path: an explicit --config flag
// wins, then NOTESYNC_CONFIG, then ./notesync.yaml if present.
func ResolveConfigPath(flagVal string, flagSet bool) string {
	if flagSet && flagVal != "" {
		return flagVal
	}
	if v := os.Getenv("NOTESYNC_CONFIG"); v != "" {
		return v
	}
	if _, err := os.Stat("notesync.yaml"); err == nil {
		return "notesync.yaml"
	}
	return ""
}
