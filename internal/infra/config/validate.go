package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateBroker(cfg, ve)
	validateService(cfg, ve)
	validateBus(cfg, ve)
	validateExchanger(cfg, ve)
	validateGateway(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateHostPort(ve *ValidationError, field, addr string, required bool) {
	if addr == "" {
		if required {
			ve.Add("%s is required", field)
		}
		return
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		ve.Add("%s %q is not a valid host:port", field, addr)
	}
}

func validateBroker(cfg *Config, ve *ValidationError) {
	validateHostPort(ve, "broker.listen", cfg.Broker.Listen, true)
	validateHostPort(ve, "broker.http_listen", cfg.Broker.HTTPListen, false)
	if cfg.Broker.MaxFrameSize <= 0 {
		ve.Add("broker.max_frame_size must be > 0")
	}
	if cfg.Broker.WriteTimeout < 0 {
		ve.Add("broker.write_timeout must be >= 0")
	}
	if cfg.Broker.FramesPerSecond < 0 {
		ve.Add("broker.frames_per_second must be >= 0")
	}
	if cfg.Broker.FramesPerSecond > 0 && cfg.Broker.Burst <= 0 {
		ve.Add("broker.burst must be > 0 when frames_per_second is set")
	}
}

func validateService(cfg *Config, ve *ValidationError) {
	addr := cfg.Service.RPCHost
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		if _, err := url.Parse(addr); err != nil {
			ve.Add("service.rpc_host %q is not a valid URL", addr)
		}
	} else {
		validateHostPort(ve, "service.rpc_host", strings.TrimPrefix(addr, "tcp://"), true)
	}
	if cfg.Service.ReconnectDelay <= 0 {
		ve.Add("service.reconnect_delay must be > 0")
	}
	if cfg.Service.MaxRetries < 0 {
		ve.Add("service.max_retries must be >= 0")
	}
}

func validateBus(cfg *Config, ve *ValidationError) {
	switch cfg.Bus.Backend {
	case "memory":
	case "redis":
		if cfg.Bus.RedisURL == "" {
			ve.Add("bus.redis_url is required for the redis backend")
		} else if u, err := url.Parse(cfg.Bus.RedisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			ve.Add("bus.redis_url %q must be a redis:// or rediss:// URL", cfg.Bus.RedisURL)
		}
	default:
		ve.Add("bus.backend %q is invalid (want: redis, memory)", cfg.Bus.Backend)
	}
}

func validateExchanger(cfg *Config, ve *ValidationError) {
	if cfg.Exchanger.CallTimeout < 0 {
		ve.Add("exchanger.call_timeout must be >= 0")
	}
	if cfg.Exchanger.MailboxSize < 1 {
		ve.Add("exchanger.mailbox_size must be >= 1")
	}
	if cfg.Exchanger.BreakerFailures == 0 {
		ve.Add("exchanger.breaker_failures must be > 0")
	}
	if cfg.Exchanger.BreakerTimeout <= 0 {
		ve.Add("exchanger.breaker_timeout must be > 0")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	validateHostPort(ve, "gateway.addr", cfg.Gateway.Addr, true)
	if cfg.Gateway.RequestsPerSecond < 0 {
		ve.Add("gateway.requests_per_second must be >= 0")
	}
	if cfg.Gateway.RequestsPerSecond > 0 && cfg.Gateway.Burst <= 0 {
		ve.Add("gateway.burst must be > 0 when requests_per_second is set")
	}
	if cfg.Gateway.UpgradesPerMinute < 0 {
		ve.Add("gateway.upgrades_per_minute must be >= 0")
	}
	for i, tok := range cfg.Gateway.AdminTokens {
		if tok == "" {
			ve.Add("gateway.admin_tokens[%d] is empty", i)
		}
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true, "": true}
	if !validLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	validFormats := map[string]bool{"text": true, "json": true, "": true}
	if !validFormats[strings.ToLower(cfg.Logger.Format)] {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "noop", "stdout", "":
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
}
