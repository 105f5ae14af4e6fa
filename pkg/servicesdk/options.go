package servicesdk

import (
	"log/slog"
	"time"
)

// Option configures a Service.
type Option func(*Service)

// WithAddr sets the broker address. Plain host:port dials TCP; ws:// and
// wss:// dial the broker's WebSocket endpoint.
func WithAddr(addr string) Option {
	return func(s *Service) { s.addr = addr }
}

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithBackoff sets the fixed delay between reconnect attempts.
func WithBackoff(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.delay = d
		}
	}
}

// WithMaxRetries bounds consecutive failed reconnects. Negative means retry
// forever, which is the default.
func WithMaxRetries(n int) Option {
	return func(s *Service) { s.maxRetries = n }
}

// WithCallTimeout bounds outbound calls made through Service.Call whose
// context has no deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Service) { s.callTimeout = d }
}
