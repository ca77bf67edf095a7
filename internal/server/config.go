// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the relay.
package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/Tyrowin/relaychat/internal/observability"
)

// ErrInvalidPort is returned by ParsePort for missing, non-numeric or out of
// range port arguments.
var ErrInvalidPort = errors.New("invalid port")

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the relay configuration. Port is shared by the reliable and
// the unicast channel.
type Config struct {
	Host            string
	Port            int
	HTTPAddr        string
	AllowedOrigins  []string
	MaxMessageSize  int
	MaxPendingBytes int
	RateLimit       RateLimitConfig
	Log             observability.LogConfig
}

const (
	defaultMaxMessageSize  = 1024
	defaultMaxPendingBytes = 64 * 1024
	defaultBurst           = 100
)

func defaultConfig() Config {
	return Config{
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize:  defaultMaxMessageSize,
		MaxPendingBytes: defaultMaxPendingBytes,
		RateLimit: RateLimitConfig{
			Burst:          defaultBurst,
			RefillInterval: time.Second,
		},
		Log: observability.DefaultLogConfig(),
	}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	if cfg.MaxPendingBytes < cfg.MaxMessageSize {
		cfg.MaxPendingBytes = defaultMaxPendingBytes
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultBurst
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config populated with default values for the given port.
func NewConfig(port int) *Config {
	cfg := defaultConfig()
	cfg.Port = port
	return &cfg
}

// TCPAddr is the listen address of the reliable channel.
func (c Config) TCPAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// UDPAddr is the listen address of the unicast channel.
func (c Config) UDPAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LoadConfig builds a Config for port, applying RELAYCHAT_* environment
// overrides on top of the defaults. Example: RELAYCHAT_LOG_LEVEL=debug.
// The admin HTTP server only runs when RELAYCHAT_HTTP_ADDR is set.
func LoadConfig(port int) (*Config, error) {
	cfg := defaultConfig()
	cfg.Port = port

	v := observability.NewEnv()
	v.SetDefault("host", cfg.Host)
	v.SetDefault("http_addr", cfg.HTTPAddr)
	v.SetDefault("allowed_origins", strings.Join(cfg.AllowedOrigins, ","))
	v.SetDefault("max_message_size", cfg.MaxMessageSize)
	v.SetDefault("max_pending_bytes", cfg.MaxPendingBytes)
	v.SetDefault("rate_limit_burst", cfg.RateLimit.Burst)
	v.SetDefault("rate_limit_refill_interval", cfg.RateLimit.RefillInterval.String())

	cfg.Host = v.GetString("host")
	cfg.HTTPAddr = v.GetString("http_addr")
	cfg.AllowedOrigins = parseOrigins(v.GetString("allowed_origins"))
	cfg.MaxMessageSize = parseIntValue(v.GetString("max_message_size"), cfg.MaxMessageSize)
	cfg.MaxPendingBytes = parseIntValue(v.GetString("max_pending_bytes"), cfg.MaxPendingBytes)
	cfg.RateLimit.Burst = parseIntValue(v.GetString("rate_limit_burst"), cfg.RateLimit.Burst)
	cfg.RateLimit.RefillInterval = parseRefillInterval(v.GetString("rate_limit_refill_interval"), cfg.RateLimit.RefillInterval)
	cfg.Log = observability.LoadLogConfig(v, cfg.Log)

	sanitized := sanitizeConfig(cfg)
	return &sanitized, nil
}

// ParsePort validates the server's positional port argument.
func ParsePort(arg string) (int, error) {
	if arg == "" {
		return 0, fmt.Errorf("%w: missing", ErrInvalidPort)
	}
	port, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidPort, arg)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: %d out of range", ErrInvalidPort, port)
	}
	return port, nil
}

func parseOrigins(origins string) []string {
	if strings.TrimSpace(origins) == "" {
		return nil
	}
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseRefillInterval accepts a Go duration ("500ms") or whole seconds ("2").
func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
