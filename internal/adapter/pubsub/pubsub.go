// Package pubsub carries chat messages and events between gateway processes
// and services. Redis is the production backend; Memory serves single-process
// deployments and tests.
package pubsub

import (
	"context"
	"fmt"
	"log/slog"
)

// Message is one item received from a channel.
type Message struct {
	Channel string
	Payload []byte
}

// Bus publishes to and subscribes on named channels.
type Bus interface {
	// Publish sends payload to every subscriber of channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a channel of messages published on any of channels.
	// The returned channel is closed when ctx is cancelled or the bus closes.
	Subscribe(ctx context.Context, channels ...string) (<-chan Message, error)
	// Close releases the bus.
	Close() error
}

// Open returns the bus backend named by backend ("redis" or "memory").
func Open(ctx context.Context, backend, redisURL string, logger *slog.Logger) (Bus, error) {
	switch backend {
	case "", "redis":
		return NewRedis(ctx, redisURL, logger)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown bus backend %q", backend)
	}
}
