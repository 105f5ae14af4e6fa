// Package fanout delivers bus items from the one per-process subscription to
// every logical client whose membership matches.
package fanout

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"vcc-rpc/internal/adapter/pubsub"
	"vcc-rpc/internal/domain"
)

// Receiver is a registered consumer of bus items.
type Receiver interface {
	// Accepts reports whether item is addressed to the receiver.
	Accepts(item domain.BusItem) bool
	// Deliver hands item over without blocking. It reports false when the
	// item was dropped.
	Deliver(item domain.BusItem) bool
}

// Stats counts what the multiplexer has done since it was created.
type Stats struct {
	Receivers int    `json:"receivers"`
	Received  uint64 `json:"received"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Malformed uint64 `json:"malformed"`
	Panics    uint64 `json:"panics"`
}

// Multiplexer routes items to receivers. It holds no membership state itself.
type Multiplexer struct {
	mu        sync.RWMutex
	receivers map[uint64]Receiver
	nextID    atomic.Uint64
	logger    *slog.Logger

	received  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	malformed atomic.Uint64
	panics    atomic.Uint64
}

// New creates a multiplexer with no receivers.
func New(logger *slog.Logger) *Multiplexer {
	return &Multiplexer{
		receivers: make(map[uint64]Receiver),
		logger:    logger,
	}
}

// Add registers r and returns the function that removes it. Removing twice
// is harmless.
func (m *Multiplexer) Add(r Receiver) func() {
	id := m.nextID.Add(1)

	m.mu.Lock()
	m.receivers[id] = r
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.receivers, id)
		m.mu.Unlock()
	}
}

// Len returns the number of registered receivers.
func (m *Multiplexer) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.receivers)
}

// Run consumes msgs until the channel closes or ctx is cancelled. Payloads
// that do not decode are logged and skipped.
func (m *Multiplexer) Run(ctx context.Context, msgs <-chan pubsub.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			item, err := domain.DecodeBusItem(msg.Channel, msg.Payload)
			if err != nil {
				m.malformed.Add(1)
				m.logger.Warn("fanout: skipping malformed bus item", "channel", msg.Channel, "error", err)
				continue
			}
			m.Dispatch(item)
		}
	}
}

// Dispatch offers item to every receiver registered at the time of the call.
func (m *Multiplexer) Dispatch(item domain.BusItem) {
	m.received.Add(1)

	m.mu.RLock()
	targets := make([]Receiver, 0, len(m.receivers))
	for _, r := range m.receivers {
		targets = append(targets, r)
	}
	m.mu.RUnlock()

	for _, r := range targets {
		m.offer(r, item)
	}
}

func (m *Multiplexer) offer(r Receiver, item domain.BusItem) {
	defer func() {
		if p := recover(); p != nil {
			m.panics.Add(1)
			m.logger.Error("fanout: receiver panicked",
				"channel", item.Channel,
				"chat", item.Chat(),
				"panic", p,
			)
		}
	}()

	if !r.Accepts(item) {
		return
	}
	if r.Deliver(item) {
		m.delivered.Add(1)
		return
	}
	m.dropped.Add(1)
	m.logger.Debug("fanout: mailbox full, item dropped", "channel", item.Channel, "chat", item.Chat())
}

// Stats returns the current counters.
func (m *Multiplexer) Stats() Stats {
	return Stats{
		Receivers: m.Len(),
		Received:  m.received.Load(),
		Delivered: m.delivered.Load(),
		Dropped:   m.dropped.Load(),
		Malformed: m.malformed.Load(),
		Panics:    m.panics.Load(),
	}
}
