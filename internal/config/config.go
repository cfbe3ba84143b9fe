// Package config persists the robustws-client CLI's profile: the last
// server URL used, the robust ID to resume with, and the reconnect
// timeout — so a second invocation of the CLI against the same server
// reuses the same robust ID. Its first dial still carries that ID under the
// new-session ("n=") key; only later reconnects use "o=".
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultReconnectTimeout is used when a freshly created profile doesn't
// specify one.
const DefaultReconnectTimeout = 30 * time.Second

// Profile is the CLI's persisted configuration, stored as TOML.
type Profile struct {
	// ServerURL is the WebSocket URL most recently connected to.
	ServerURL string `toml:"server_url"`

	// RobustID is the logical connection ID from the last session
	// against ServerURL, so the next connect reuses it rather than
	// generating a new one.
	RobustID string `toml:"robust_id,omitempty"`

	// ReconnectTimeoutMS bounds how long the client retries a dropped
	// connection before giving up, in milliseconds.
	ReconnectTimeoutMS int64 `toml:"reconnect_timeout_ms"`
}

// ReconnectTimeout returns ReconnectTimeoutMS as a time.Duration, falling
// back to DefaultReconnectTimeout if unset.
func (p *Profile) ReconnectTimeout() time.Duration {
	if p.ReconnectTimeoutMS <= 0 {
		return DefaultReconnectTimeout
	}
	return time.Duration(p.ReconnectTimeoutMS) * time.Millisecond
}

// DefaultProfile returns a Profile with no server URL and the default
// reconnect timeout — the starting point before a first connect.
func DefaultProfile() *Profile {
	return &Profile{ReconnectTimeoutMS: DefaultReconnectTimeout.Milliseconds()}
}

// DefaultPath returns the per-user config file location,
// $XDG_CONFIG_HOME/robustws-client/profile.toml (or
// ~/.config/robustws-client/profile.toml if XDG_CONFIG_HOME is unset).
func DefaultPath() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("determining home directory: %w", err)
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "robustws-client", "profile.toml"), nil
}

// Load reads path, returning DefaultProfile if it doesn't exist yet.
func Load(path string) (*Profile, error) {
	p := DefaultProfile()
	if _, err := toml.DecodeFile(path, p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultProfile(), nil
		}
		return nil, fmt.Errorf("reading profile %s: %w", path, err)
	}
	if p.ReconnectTimeoutMS <= 0 {
		p.ReconnectTimeoutMS = DefaultReconnectTimeout.Milliseconds()
	}
	return p, nil
}

// Save writes p to path, creating parent directories as needed.
func Save(path string, p *Profile) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("opening profile %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(p); err != nil {
		return fmt.Errorf("writing profile %s: %w", path, err)
	}
	return nil
}
