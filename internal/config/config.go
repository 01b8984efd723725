// Package config handles application configuration. Values are layered:
// built-in defaults, then an optional YAML file named by GUARD_CONFIG, then
// GUARD_* environment variables. A .env file in the working directory is
// loaded into the environment first.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/telanks/wallet-guard/internal/validation"
)

// EnvPrefix prefixes every environment key.
const EnvPrefix = "GUARD_"

// FileEnv names the environment variable holding the YAML config path.
const FileEnv = "GUARD_CONFIG"

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `koanf:"port"`
	Env       string `koanf:"env"` // "development", "staging", "production"
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"` // "json" or "text"

	// Database (optional, uses in-memory stores if not set)
	DatabaseURL string `koanf:"database_url"`

	// Chain
	RPCURL        string        `koanf:"rpc_url"`
	WSRPCURL      string        `koanf:"ws_rpc_url"` // empty means poll with eth_getLogs
	TokenAddress  string        `koanf:"token_address"`
	TokenDecimals int           `koanf:"token_decimals"`
	PollInterval  time.Duration `koanf:"poll_interval"`

	// Resilience around RPC calls
	RPCMaxAttempts      int           `koanf:"rpc_max_attempts"`
	RPCRetryDelay       time.Duration `koanf:"rpc_retry_delay"`
	BreakerThreshold    int           `koanf:"breaker_threshold"`
	BreakerOpenDuration time.Duration `koanf:"breaker_open_duration"`

	// Monitoring
	ScanInterval      time.Duration `koanf:"scan_interval"`
	ScanConcurrency   int           `koanf:"scan_concurrency"`
	ScannerPublish    bool          `koanf:"scanner_publish"`
	DedupeWindow      time.Duration `koanf:"dedupe_window"`
	EventHistoryLimit int           `koanf:"event_history_limit"`
	MaxClients        int           `koanf:"max_clients"`

	// HTTP hardening
	RateLimitRPM   int    `koanf:"rate_limit_rpm"`
	RateLimitBurst int    `koanf:"rate_limit_burst"`
	CORSOrigins    string `koanf:"cors_origins"` // comma-separated, "*" for any

	// Optional outbound integrations
	AMQPURL      string `koanf:"amqp_url"`
	AMQPExchange string `koanf:"amqp_exchange"`
	OTLPEndpoint string `koanf:"otlp_endpoint"`
}

// Defaults target a local development node.
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultRPCURL            = "http://127.0.0.1:8545"
	DefaultTokenAddress      = "0x78f623e9408cc8cac5a64b1623cddd793fdfeb57"
	DefaultTokenDecimals     = 18
	DefaultPollInterval      = 5 * time.Second
	DefaultScanInterval      = 15 * time.Second
	DefaultScanConcurrency   = 4
	DefaultDedupeWindow      = 30 * time.Second
	DefaultEventHistoryLimit = 500
	DefaultMaxClients        = 10000
	DefaultRPCMaxAttempts    = 3
	DefaultRPCRetryDelay     = 250 * time.Millisecond
	DefaultBreakerThreshold  = 5
	DefaultBreakerOpen       = 30 * time.Second
	DefaultAMQPExchange      = "wallet_guard.risk"
	DefaultRateLimitRPM      = 120
	DefaultRateLimitBurst    = 20
)

// Default returns a Config populated with defaults only.
func Default() *Config {
	return &Config{
		Port:                DefaultPort,
		Env:                 DefaultEnv,
		LogLevel:            DefaultLogLevel,
		LogFormat:           DefaultLogFormat,
		RPCURL:              DefaultRPCURL,
		TokenAddress:        DefaultTokenAddress,
		TokenDecimals:       DefaultTokenDecimals,
		PollInterval:        DefaultPollInterval,
		RPCMaxAttempts:      DefaultRPCMaxAttempts,
		RPCRetryDelay:       DefaultRPCRetryDelay,
		BreakerThreshold:    DefaultBreakerThreshold,
		BreakerOpenDuration: DefaultBreakerOpen,
		ScanInterval:        DefaultScanInterval,
		ScanConcurrency:     DefaultScanConcurrency,
		DedupeWindow:        DefaultDedupeWindow,
		EventHistoryLimit:   DefaultEventHistoryLimit,
		MaxClients:          DefaultMaxClients,
		AMQPExchange:        DefaultAMQPExchange,
		RateLimitRPM:        DefaultRateLimitRPM,
		RateLimitBurst:      DefaultRateLimitBurst,
	}
}

// Load reads configuration from defaults, the optional YAML file and the
// environment, then validates it.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	k := koanf.New(".")

	if path := os.Getenv(FileEnv); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	// GUARD_SCAN_INTERVAL -> scan_interval. Keys stay flat.
	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	token, _ := validation.NormalizeAddress(cfg.TokenAddress)
	cfg.TokenAddress = token
	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("GUARD_RPC_URL is required")
	}
	if _, err := validation.NormalizeAddress(c.TokenAddress); err != nil {
		return fmt.Errorf("GUARD_TOKEN_ADDRESS: %w", err)
	}
	if c.ScanInterval <= 0 {
		return fmt.Errorf("GUARD_SCAN_INTERVAL must be positive")
	}
	if c.TokenDecimals < 0 || c.TokenDecimals > 77 {
		return fmt.Errorf("GUARD_TOKEN_DECIMALS must be between 0 and 77")
	}
	if c.DedupeWindow < 0 {
		return fmt.Errorf("GUARD_DEDUPE_WINDOW must not be negative")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
