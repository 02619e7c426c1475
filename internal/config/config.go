package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the FlowDial dispatcher.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir           string
	HTTPPort          int
	LogLevel          string
	LogFormat         string // log output format: "text" or "json"
	APIToken          string // static bearer token for admin API routes
	EncryptionKey     string // 32-byte hex-encoded key for AES-256-GCM
	EventSecret       string // hex-encoded 32-byte secret for event-token signing
	Originator        string // call origination provider: "sip" or "exec"
	OriginatorCommand string // external originator binary (exec provider)
	SIPHost           string // local SIP contact host for the sip provider
	SIPPort           int

	DispatchInterval  time.Duration // dispatch tick period
	ReconcileInterval time.Duration // reconciliation tick period
	HealthInterval    time.Duration // storage health-check period
	CallTimeout       time.Duration // terminal bound on any single call
	DialRate          float64       // calls per second placed across all campaigns
	PromoteBusy       bool          // allow promoting the oldest busy channel when the pool is empty
}

// defaults
const (
	defaultDataDir           = "./data"
	defaultHTTPPort          = 8080
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
	defaultOriginator        = "sip"
	defaultSIPPort           = 5060
	defaultDispatchInterval  = 10 * time.Second
	defaultReconcileInterval = 15 * time.Second
	defaultHealthInterval    = 30 * time.Second
	defaultCallTimeout       = 45 * time.Second
	defaultDialRate          = 2.0
)

// envPrefix is the prefix for all FlowDial environment variables.
const envPrefix = "FLOWDIAL_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("flowdial", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the SQLite database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.APIToken, "api-token", "", "bearer token required on admin API routes (unauthenticated if empty)")
	fs.StringVar(&cfg.EncryptionKey, "encryption-key", "", "hex-encoded 32-byte key for AES-256-GCM encryption of channel passwords")
	fs.StringVar(&cfg.EventSecret, "event-secret", "", "hex-encoded 32-byte secret for signing originator event tokens (auto-generated if empty)")
	fs.StringVar(&cfg.Originator, "originator", defaultOriginator, "call origination provider (sip, exec)")
	fs.StringVar(&cfg.OriginatorCommand, "originator-command", "", "path to the external call-origination binary (exec provider)")
	fs.StringVar(&cfg.SIPHost, "sip-host", "", "local SIP contact host (defaults to the machine hostname)")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "local SIP listen port for the sip provider")
	fs.DurationVar(&cfg.DispatchInterval, "dispatch-interval", defaultDispatchInterval, "period of the dispatch tick")
	fs.DurationVar(&cfg.ReconcileInterval, "reconcile-interval", defaultReconcileInterval, "period of the reconciliation tick")
	fs.DurationVar(&cfg.HealthInterval, "health-interval", defaultHealthInterval, "period of the storage health check")
	fs.DurationVar(&cfg.CallTimeout, "call-timeout", defaultCallTimeout, "hard bound on any single call before it is forced to end")
	fs.Float64Var(&cfg.DialRate, "dial-rate", defaultDialRate, "maximum calls placed per second across all campaigns")
	fs.BoolVar(&cfg.PromoteBusy, "promote-busy-channels", true, "promote the oldest busy channel when no channel is available (degrade over deny)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command
	// line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"data-dir":              envPrefix + "DATA_DIR",
		"http-port":             envPrefix + "HTTP_PORT",
		"log-level":             envPrefix + "LOG_LEVEL",
		"log-format":            envPrefix + "LOG_FORMAT",
		"api-token":             envPrefix + "API_TOKEN",
		"encryption-key":        envPrefix + "ENCRYPTION_KEY",
		"event-secret":          envPrefix + "EVENT_SECRET",
		"originator":            envPrefix + "ORIGINATOR",
		"originator-command":    envPrefix + "ORIGINATOR_COMMAND",
		"sip-host":              envPrefix + "SIP_HOST",
		"sip-port":              envPrefix + "SIP_PORT",
		"dispatch-interval":     envPrefix + "DISPATCH_INTERVAL",
		"reconcile-interval":    envPrefix + "RECONCILE_INTERVAL",
		"health-interval":       envPrefix + "HEALTH_INTERVAL",
		"call-timeout":          envPrefix + "CALL_TIMEOUT",
		"dial-rate":             envPrefix + "DIAL_RATE",
		"promote-busy-channels": envPrefix + "PROMOTE_BUSY_CHANNELS",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "api-token":
			cfg.APIToken = val
		case "encryption-key":
			cfg.EncryptionKey = val
		case "event-secret":
			cfg.EventSecret = val
		case "originator":
			cfg.Originator = val
		case "originator-command":
			cfg.OriginatorCommand = val
		case "sip-host":
			cfg.SIPHost = val
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "dispatch-interval":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.DispatchInterval = v
			}
		case "reconcile-interval":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.ReconcileInterval = v
			}
		case "health-interval":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.HealthInterval = v
			}
		case "call-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.CallTimeout = v
			}
		case "dial-rate":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.DialRate = v
			}
		case "promote-busy-channels":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.PromoteBusy = v
			}
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	switch c.Originator {
	case "sip":
	case "exec":
		if c.OriginatorCommand == "" {
			return fmt.Errorf("originator-command is required for the exec provider")
		}
	default:
		return fmt.Errorf("originator must be \"sip\" or \"exec\", got %q", c.Originator)
	}

	if c.DispatchInterval < time.Second {
		return fmt.Errorf("dispatch-interval must be at least 1s, got %s", c.DispatchInterval)
	}
	if c.ReconcileInterval < time.Second {
		return fmt.Errorf("reconcile-interval must be at least 1s, got %s", c.ReconcileInterval)
	}
	if c.HealthInterval < time.Second {
		return fmt.Errorf("health-interval must be at least 1s, got %s", c.HealthInterval)
	}
	if c.CallTimeout < 5*time.Second {
		return fmt.Errorf("call-timeout must be at least 5s, got %s", c.CallTimeout)
	}
	if c.DialRate <= 0 {
		return fmt.Errorf("dial-rate must be positive, got %v", c.DialRate)
	}

	return nil
}

// EncryptionKeyBytes returns the decoded 32-byte encryption key, or nil if
// no key is configured.
func (c *Config) EncryptionKeyBytes() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// EventSecretBytes returns the decoded 32-byte event-token signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) EventSecretBytes() ([]byte, error) {
	if c.EventSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating event secret: %w", err)
		}
		c.EventSecret = hex.EncodeToString(key)
		slog.Warn("no event-secret configured, generated ephemeral key (in-flight event tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.EventSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding event secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("event secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// ContactHost returns the host to advertise in SIP Contact headers. It
// defaults to the machine hostname when sip-host is not set.
func (c *Config) ContactHost() string {
	if c.SIPHost != "" {
		return c.SIPHost
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return hostname
}

// SlogHandler returns a slog.Handler configured with the configured format
// and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
