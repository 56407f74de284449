package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/undoable-org/undoable/internal/fileutil"
)

// Bind modes for the daemon listener.
const (
	BindLoopback = "loopback"
	BindAll      = "all"
)

// Auth modes for the gateway.
const (
	AuthModeNone  = "none"
	AuthModeToken = "token"
	AuthModeJWT   = "jwt"
)

// DaemonSettings is the persisted daemon-settings.json document. It captures
// the desired listener and auth configuration; the effective configuration
// may differ until the daemon restarts.
type DaemonSettings struct {
	BindMode       string `json:"bindMode"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	AuthMode       string `json:"authMode"`
	Token          string `json:"token,omitempty"`
	SecurityPolicy string `json:"securityPolicy,omitempty"`
}

// DefaultSettings returns the settings used when no settings file exists.
func DefaultSettings() DaemonSettings {
	return DaemonSettings{
		BindMode: BindLoopback,
		Host:     "127.0.0.1",
		Port:     7777,
		AuthMode: AuthModeNone,
	}
}

// ReadSettings loads the settings file at path. A missing file yields the
// defaults without error.
func ReadSettings(path string) (DaemonSettings, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if os.IsNotExist(err) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return DaemonSettings{}, fmt.Errorf("failed to read settings file %s: %w", path, err)
	}
	settings := DefaultSettings()
	if err := json.Unmarshal(data, &settings); err != nil {
		return DaemonSettings{}, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}
	return settings, nil
}

// WriteSettings persists the settings file atomically with mode 0600.
func WriteSettings(path string, settings DaemonSettings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	return fileutil.WriteFileAtomic(path, append(data, '\n'), 0600)
}

// Validate checks the settings for obviously broken values.
func (s DaemonSettings) Validate() error {
	switch s.BindMode {
	case BindLoopback, BindAll:
	default:
		return fmt.Errorf("invalid bindMode %q", s.BindMode)
	}
	switch s.AuthMode {
	case AuthModeNone, AuthModeToken, AuthModeJWT:
	default:
		return fmt.Errorf("invalid authMode %q", s.AuthMode)
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("invalid port %d", s.Port)
	}
	if s.AuthMode == AuthModeToken && s.Token == "" {
		return fmt.Errorf("authMode %q requires a token", s.AuthMode)
	}
	return nil
}
