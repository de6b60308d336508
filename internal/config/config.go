// Package config resolves environment-variable defaults shared by the np,
// npd, and rvd binaries. Flag parsing itself lives in each cmd/ package
// (Cobra commands own their own flag sets); this package only supplies the
// typed-getter-with-fallback helpers the flags fall back to, generalising
// the teacher's internal/config/config.go.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads a .env file from the current directory if present. It is
// a no-op (not an error) when no .env file exists — every binary calls this
// once at startup before reading any environment variable.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// String returns the environment variable named key, or fallback when unset
// or empty.
func String(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Int returns the environment variable named key parsed as an int, or
// fallback when unset or unparsable.
func Int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// Duration returns the environment variable named key parsed with
// time.ParseDuration, or fallback when unset or unparsable.
func Duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// StringSlice returns the comma-separated environment variable named key
// split into a trimmed, non-empty slice, or fallback when unset.
func StringSlice(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// Bool returns the environment variable named key parsed with
// strconv.ParseBool, or fallback when unset or unparsable.
func Bool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// DataDir returns the directory used to store per-principal long-term
// signing keys and the daemon's SSH host key, defaulting to
// $HOME/.sshnp. This generalises the teacher's DataDir (PocketBase's
// pb_data) into this repo's equivalent persisted-state root (spec §6:
// "Daemon and client keep only a local config directory for long-term keys").
func DataDir() string {
	if v := os.Getenv("NOPORTS_DATA_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return home + "/.sshnp"
}
