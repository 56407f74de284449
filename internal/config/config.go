package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/undoable-org/undoable/internal/logger"
)

// Config is the effective daemon configuration, built from the settings
// file, environment variables and flags. It is constructed once at startup
// and passed explicitly to every component; there are no process globals.
type Config struct {
	Paths    Paths
	Server   Server
	Timeouts Timeouts

	LogLevel  slog.Level
	LogFormat string

	// Settings is the desired (persisted) configuration; Server holds the
	// effective values after env overrides.
	Settings DaemonSettings
}

// Server holds the listener and admission configuration.
type Server struct {
	Host      string
	Port      int
	BindMode  string
	AuthMode  string
	Token     string
	JWTSecret string
}

// Timeouts collects the configurable deadlines of the core. Zero values are
// replaced by the defaults in DefaultTimeouts.
type Timeouts struct {
	ToolInvocation    time.Duration
	Subprocess        time.Duration
	HTTPTool          time.Duration
	Approval          time.Duration
	SSEHeartbeat      time.Duration
	SchedulerMaxDelay time.Duration
	SchedulerStuckJob time.Duration
}

// DefaultTimeouts returns the documented default deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		ToolInvocation:    30 * time.Second,
		Subprocess:        30 * time.Second,
		HTTPTool:          30 * time.Second,
		Approval:          5 * time.Minute,
		SSEHeartbeat:      15 * time.Second,
		SchedulerMaxDelay: 60 * time.Second,
		SchedulerStuckJob: 10 * time.Minute,
	}
}

// Option customizes Load.
type Option func(*loadOptions)

type loadOptions struct {
	home string
	port int
	host string
}

// WithHome overrides the home directory (used by tests).
func WithHome(home string) Option {
	return func(o *loadOptions) { o.home = home }
}

// WithPort overrides the listener port (from the --port flag).
func WithPort(port int) Option {
	return func(o *loadOptions) { o.port = port }
}

// WithHost overrides the listener host.
func WithHost(host string) Option {
	return func(o *loadOptions) { o.host = host }
}

// Load builds the effective configuration. Precedence, highest first:
// flags, UNDOABLE_* env, NRN_* env, daemon-settings.json, defaults.
func Load(opts ...Option) (*Config, error) {
	var lo loadOptions
	for _, opt := range opts {
		opt(&lo)
	}

	// Optional .env next to the working directory; missing is fine.
	_ = godotenv.Load()

	paths := DefaultPaths(lo.home)

	settings, err := ReadSettings(paths.Settings)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetDefault("host", settings.Host)
	v.SetDefault("port", settings.Port)
	v.SetDefault("logLevel", "info")
	v.SetDefault("logFormat", "text")

	_ = v.BindEnv("host", "UNDOABLE_DAEMON_HOST", "NRN_HOST")
	_ = v.BindEnv("port", "UNDOABLE_DAEMON_PORT", "NRN_PORT")
	_ = v.BindEnv("jwtSecret", "UNDOABLE_JWT_SECRET")
	_ = v.BindEnv("logLevel", "UNDOABLE_LOG_LEVEL")
	_ = v.BindEnv("logFormat", "UNDOABLE_LOG_FORMAT")

	cfg := &Config{
		Paths: paths,
		Server: Server{
			Host:      v.GetString("host"),
			Port:      v.GetInt("port"),
			BindMode:  settings.BindMode,
			AuthMode:  settings.AuthMode,
			Token:     settings.Token,
			JWTSecret: v.GetString("jwtSecret"),
		},
		Timeouts:  DefaultTimeouts(),
		LogLevel:  logger.ParseLevel(v.GetString("logLevel")),
		LogFormat: v.GetString("logFormat"),
		Settings:  settings,
	}

	if lo.host != "" {
		cfg.Server.Host = lo.host
	}
	if lo.port > 0 {
		cfg.Server.Port = lo.port
	}
	if cfg.Server.JWTSecret != "" && cfg.Server.AuthMode == AuthModeNone {
		cfg.Server.AuthMode = AuthModeJWT
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Server.Port)
	}
	return cfg, nil
}

// Addr returns the host:port the daemon listens on.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
