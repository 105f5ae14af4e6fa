package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration shared by every vcc subcommand.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Service   ServiceConfig   `yaml:"service"`
	Bus       BusConfig       `yaml:"bus"`
	Exchanger ExchangerConfig `yaml:"exchanger"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// BrokerConfig holds the rendezvous broker settings.
type BrokerConfig struct {
	Listen          string        `yaml:"listen" env:"VCC_BROKER_LISTEN"`           // raw TCP, line-delimited JSON
	HTTPListen      string        `yaml:"http_listen" env:"VCC_BROKER_HTTP_LISTEN"` // /rpc websocket and /status; empty disables
	MaxFrameSize    int           `yaml:"max_frame_size" env:"VCC_BROKER_MAX_FRAME_SIZE"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"VCC_BROKER_WRITE_TIMEOUT"`
	FramesPerSecond float64       `yaml:"frames_per_second" env:"VCC_BROKER_FRAMES_PER_SECOND"` // 0 = unlimited
	Burst           int           `yaml:"burst" env:"VCC_BROKER_BURST"`
}

// ServiceConfig holds settings for processes that dial the broker.
type ServiceConfig struct {
	RPCHost        string        `yaml:"rpc_host" env:"RPCHOST"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" env:"VCC_SERVICE_RECONNECT_DELAY"`
	MaxRetries     int           `yaml:"max_retries" env:"VCC_SERVICE_MAX_RETRIES"` // 0 = unlimited
}

// BusConfig selects the pub/sub backend.
type BusConfig struct {
	Backend  string `yaml:"backend" env:"VCC_BUS_BACKEND"` // "redis" or "memory"
	RedisURL string `yaml:"redis_url" env:"REDIS_URL"`
}

// ExchangerConfig holds the gateway-side RPC client settings.
type ExchangerConfig struct {
	CallTimeout     time.Duration `yaml:"call_timeout" env:"VCC_EXCHANGER_CALL_TIMEOUT"`
	MailboxSize     int           `yaml:"mailbox_size" env:"VCC_EXCHANGER_MAILBOX_SIZE"`
	BreakerFailures uint32        `yaml:"breaker_failures" env:"VCC_EXCHANGER_BREAKER_FAILURES"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout" env:"VCC_EXCHANGER_BREAKER_TIMEOUT"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Addr              string   `yaml:"addr" env:"VCC_GATEWAY_ADDR"`
	RequestsPerSecond float64  `yaml:"requests_per_second" env:"VCC_GATEWAY_REQUESTS_PER_SECOND"`
	Burst             int      `yaml:"burst" env:"VCC_GATEWAY_BURST"`
	AllowedOrigins    []string `yaml:"allowed_origins" env:"VCC_GATEWAY_ALLOWED_ORIGINS"`
	UpgradesPerMinute int      `yaml:"upgrades_per_minute" env:"VCC_GATEWAY_UPGRADES_PER_MINUTE"` // per client IP, 0 = unlimited
	AdminTokens       []string `yaml:"admin_tokens" env:"VCC_GATEWAY_ADMIN_TOKENS"`               // guard /api/v1/status and /metrics
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level" env:"VCC_LOGGER_LEVEL"`
	Format string `yaml:"format" env:"VCC_LOGGER_FORMAT"`
	Output string `yaml:"output" env:"VCC_LOGGER_OUTPUT"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled" env:"VCC_TRACER_ENABLED"`
	Exporter string `yaml:"exporter" env:"VCC_TRACER_EXPORTER"`
}

// DefaultRPCHost is the broker address used when RPCHOST is unset.
const DefaultRPCHost = "127.0.0.1:2474"

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Broker: BrokerConfig{
			Listen:       DefaultRPCHost,
			HTTPListen:   "127.0.0.1:2475",
			MaxFrameSize: 4 << 20,
			WriteTimeout: 5 * time.Second,
			Burst:        64,
		},
		Service: ServiceConfig{
			RPCHost:        DefaultRPCHost,
			ReconnectDelay: 2 * time.Second,
		},
		Bus: BusConfig{
			Backend:  "redis",
			RedisURL: "redis://localhost:6379",
		},
		Exchanger: ExchangerConfig{
			CallTimeout:     30 * time.Second,
			MailboxSize:     1,
			BreakerFailures: 3,
			BreakerTimeout:  10 * time.Second,
		},
		Gateway: GatewayConfig{
			Addr:              "127.0.0.1:7000",
			RequestsPerSecond: 20,
			Burst:             40,
			UpgradesPerMinute: 120,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file over Defaults, applies env var overrides and
// validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			absPath, err := filepath.Abs(path)
			if err != nil {
				return nil, fmt.Errorf("resolve config path: %w", err)
			}
			if err := validatePermissions(absPath); err != nil {
				return nil, err
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps RPCHOST, REDIS_URL and VCC_* env vars onto cfg.
// Unset variables leave the current value in place.
func ApplyEnvOverrides(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	return nil
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
