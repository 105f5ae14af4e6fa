package pubsub

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by a Memory bus after Close.
var ErrClosed = errors.New("bus closed")

type memorySub struct {
	channels map[string]struct{}
	in       chan Message
	done     chan struct{}
	once     sync.Once
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}

// Memory is an in-process Bus. Publishes are delivered to subscribers in
// publish order.
type Memory struct {
	pubMu sync.Mutex // serializes delivery so every subscriber sees one order

	mu     sync.RWMutex
	subs   map[*memorySub]struct{}
	closed bool
}

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[*memorySub]struct{})}
}

// Publish implements Bus. It blocks while a subscriber's buffer is full.
func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*memorySub, 0, len(m.subs))
	for s := range m.subs {
		if _, ok := s.channels[channel]; ok {
			targets = append(targets, s)
		}
	}
	m.mu.RUnlock()

	msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
	for _, s := range targets {
		select {
		case s.in <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe implements Bus.
func (m *Memory) Subscribe(ctx context.Context, channels ...string) (<-chan Message, error) {
	s := &memorySub{
		channels: make(map[string]struct{}, len(channels)),
		in:       make(chan Message, subscriberBuffer),
		done:     make(chan struct{}),
	}
	for _, c := range channels {
		s.channels[c] = struct{}{}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.subs[s] = struct{}{}
	m.mu.Unlock()

	out := make(chan Message)
	go func() {
		defer close(out)
		defer m.remove(s)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case msg := <-s.in:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				case <-s.done:
					return
				}
			}
		}
	}()
	return out, nil
}

func (m *Memory) remove(s *memorySub) {
	s.stop()
	m.mu.Lock()
	delete(m.subs, s)
	m.mu.Unlock()
}

// Subscribers returns the number of live subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// Close ends every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	subs := make([]*memorySub, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	return nil
}
