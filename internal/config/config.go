package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/livesync/internal/errors"
	"github.com/alexjbarnes/livesync/internal/livesync"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for livesync.
type Config struct {
	// Server endpoints. WSURL defaults to APIURL with the scheme switched
	// to ws or wss.
	APIURL   string `env:"API_URL"`
	WSURL    string `env:"WS_URL"`
	APIToken string `env:"API_TOKEN"`

	// Session timing. Durations use Go syntax ("20s", "1m30s").
	HeartbeatInterval  time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"20s"`
	HeartbeatTimeout   time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"10s"`
	PollInterval       time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	PollErrorThreshold int           `env:"POLL_ERROR_THRESHOLD" envDefault:"3"`
	ExpiryTick         time.Duration `env:"EXPIRY_TICK" envDefault:"1s"`
	WriteTimeout       time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`

	// Push channel reconnect policy.
	ReconnectBase     time.Duration `env:"RECONNECT_BASE" envDefault:"1s"`
	ReconnectMax      time.Duration `env:"RECONNECT_MAX" envDefault:"30s"`
	ReconnectAttempts int           `env:"RECONNECT_ATTEMPTS" envDefault:"6"`
	ReconnectJitter   float64       `env:"RECONNECT_JITTER" envDefault:"0.2"`

	// Watchlist of resources the daemon tracks. Required in daemon mode.
	WatchlistFile string `env:"WATCHLIST_FILE"`

	// Snapshot cache location. Defaults to ~/.livesync/state.db.
	StateDB string `env:"STATE_DB"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// MCP server settings
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
	MCPAPIKey     string `env:"MCP_API_KEY"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the API token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")

	if cfg.WSURL == "" && cfg.APIURL != "" {
		ws, err := deriveWSURL(cfg.APIURL)
		if err != nil {
			return nil, fmt.Errorf("deriving WS_URL: %w", err)
		}

		cfg.WSURL = ws
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.WatchlistFile != "" {
		abs, err := filepath.Abs(cfg.WatchlistFile)
		if err != nil {
			return nil, fmt.Errorf("resolving watchlist path: %w", err)
		}

		cfg.WatchlistFile = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("%w: API_URL is required", apperrors.ErrInvalidConfig)
	}

	if err := checkURL("API_URL", c.APIURL, "http", "https"); err != nil {
		return err
	}

	if err := checkURL("WS_URL", c.WSURL, "ws", "wss"); err != nil {
		return err
	}

	if c.EnableMCP && c.MCPListenAddr == "" {
		return fmt.Errorf("%w: MCP_LISTEN_ADDR is required when MCP is enabled", apperrors.ErrInvalidConfig)
	}

	if err := c.SessionConfig().Validate(); err != nil {
		return err
	}

	return nil
}

func checkURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", apperrors.ErrInvalidConfig, name, err)
	}

	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}

	return fmt.Errorf("%w: %s must be an absolute %s URL", apperrors.ErrInvalidConfig, name, strings.Join(schemes, " or "))
}

func deriveWSURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	return u.String(), nil
}

// SessionConfig returns the per-session timing settings.
func (c *Config) SessionConfig() livesync.Config {
	return livesync.Config{
		HeartbeatInterval: c.HeartbeatInterval,
		HeartbeatTimeout:  c.HeartbeatTimeout,
		PollInterval:      c.PollInterval,
		Reconnect: livesync.ReconnectPolicy{
			BaseDelay:   c.ReconnectBase,
			MaxDelay:    c.ReconnectMax,
			MaxAttempts: c.ReconnectAttempts,
			JitterRatio: c.ReconnectJitter,
		},
		ExpiryTick:         c.ExpiryTick,
		PollErrorThreshold: c.PollErrorThreshold,
		WriteTimeout:       c.WriteTimeout,
	}
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
