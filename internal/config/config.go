package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the dealerboard server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir              string
	DatabaseURL          string // postgres:// URL; empty selects SQLite in DataDir
	HTTPPort             int
	TLSCert              string
	TLSKey               string
	SIPPort              int
	SIPHostname          string // address advertised in SIP Contact headers
	LogLevel             string
	LogFormat            string // log output format: "text" or "json"
	CORSOrigins          string
	Gateway              string // "sbc" or "loopback"
	CallSetupTimeout     time.Duration
	CallRetention        time.Duration
	DNDTimezone          string
	RateLimit            float64 // API requests per second per client IP; 0 disables
	LoopbackAnswerDelay  time.Duration
	ArchiveRetentionDays int // 0 keeps archived calls forever
}

// defaults
const (
	defaultDataDir              = "./data"
	defaultHTTPPort             = 8080
	defaultSIPPort              = 5060
	defaultLogLevel             = "info"
	defaultLogFormat            = "text"
	defaultGateway              = "sbc"
	defaultCallSetupTimeout     = 30 * time.Second
	defaultCallRetention        = 15 * time.Minute
	defaultDNDTimezone          = "UTC"
	defaultRateLimit            = 20
	defaultLoopbackAnswerDelay  = 2 * time.Second
	defaultArchiveRetentionDays = 90
)

// envPrefix is the prefix for all dealerboard environment variables.
const envPrefix = "DEALERBOARD_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("dealerboard", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the SQLite database")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "PostgreSQL URL (postgres://...); SQLite in data-dir when empty")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP/TCP listen port")
	fs.StringVar(&cfg.SIPHostname, "sip-host", "", "address advertised in SIP Contact headers (auto-detected if empty)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")
	fs.StringVar(&cfg.Gateway, "gateway", defaultGateway, "signaling gateway (sbc, loopback)")
	fs.DurationVar(&cfg.CallSetupTimeout, "call-setup-timeout", defaultCallSetupTimeout, "how long a call may stay unanswered")
	fs.DurationVar(&cfg.CallRetention, "call-retention", defaultCallRetention, "how long terminated calls stay queryable in memory")
	fs.StringVar(&cfg.DNDTimezone, "dnd-timezone", defaultDNDTimezone, "IANA time zone for do-not-disturb schedules")
	fs.Float64Var(&cfg.RateLimit, "rate-limit", defaultRateLimit, "API requests per second per client IP (0 disables)")
	fs.DurationVar(&cfg.LoopbackAnswerDelay, "loopback-answer-delay", defaultLoopbackAnswerDelay, "loopback gateway auto-answer delay (negative disables)")
	fs.IntVar(&cfg.ArchiveRetentionDays, "archive-retention-days", defaultArchiveRetentionDays, "days to keep archived calls (0 keeps forever)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. Malformed values are ignored and
// the default is kept.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		envVar := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			return
		}
		switch f.Name {
		case "data-dir":
			cfg.DataDir = val
		case "database-url":
			cfg.DatabaseURL = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "tls-cert":
			cfg.TLSCert = val
		case "tls-key":
			cfg.TLSKey = val
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "sip-host":
			cfg.SIPHostname = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "cors-origins":
			cfg.CORSOrigins = val
		case "gateway":
			cfg.Gateway = val
		case "call-setup-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.CallSetupTimeout = v
			}
		case "call-retention":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.CallRetention = v
			}
		case "dnd-timezone":
			cfg.DNDTimezone = val
		case "rate-limit":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.RateLimit = v
			}
		case "loopback-answer-delay":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.LoopbackAnswerDelay = v
			}
		case "archive-retention-days":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ArchiveRetentionDays = v
			}
		}
	})
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

	c.Gateway = strings.ToLower(c.Gateway)
	if c.Gateway != "sbc" && c.Gateway != "loopback" {
		return fmt.Errorf("gateway must be one of sbc, loopback; got %q", c.Gateway)
	}

	if c.CallSetupTimeout <= 0 {
		return fmt.Errorf("call-setup-timeout must be positive, got %s", c.CallSetupTimeout)
	}
	if c.CallRetention <= 0 {
		return fmt.Errorf("call-retention must be positive, got %s", c.CallRetention)
	}
	if _, err := time.LoadLocation(c.DNDTimezone); err != nil {
		return fmt.Errorf("dnd-timezone %q: %w", c.DNDTimezone, err)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate-limit must not be negative, got %g", c.RateLimit)
	}
	if c.ArchiveRetentionDays < 0 {
		return fmt.Errorf("archive-retention-days must not be negative, got %d", c.ArchiveRetentionDays)
	}

	// TLS cert and key must both be set or both be empty.
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}
	return nil
}

// TLSEnabled returns true if TLS certificates are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != ""
}

// DNDLocation returns the time zone for do-not-disturb schedules.
func (c *Config) DNDLocation() *time.Location {
	loc, err := time.LoadLocation(c.DNDTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SIPHost returns the address to advertise in SIP Contact headers. If
// sip-host is configured it is returned directly. Otherwise the machine's
// primary non-loopback IPv4 address is used, falling back to "127.0.0.1".
func (c *Config) SIPHost() string {
	if c.SIPHostname != "" {
		return c.SIPHostname
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
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
