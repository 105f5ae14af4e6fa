// Package exchanger is the process-wide facade a gateway uses: one broker
// connection for outbound calls, one bus subscription fanned out to the
// per-connection Clients it creates.
package exchanger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"

	"vcc-rpc/internal/adapter/pubsub"
	"vcc-rpc/internal/domain"
	"vcc-rpc/internal/usecase/fanout"
)

// Options configures an Exchanger.
type Options struct {
	Addr            string        // broker address, host:port or ws://
	CallTimeout     time.Duration // applied to calls without a deadline
	MailboxSize     int           // per-client buffered bus items, default 1
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Exchanger owns the broker link, the bus subscription and the multiplexer.
type Exchanger struct {
	opts    Options
	bus     pubsub.Bus
	logger  *slog.Logger
	mux     *fanout.Multiplexer
	breaker *gobreaker.CircuitBreaker[*link]
	group   singleflight.Group

	mu         sync.RWMutex
	link       *link
	reconnects int
	stopFanout context.CancelFunc
	fanoutDone chan struct{}
}

// New creates an Exchanger. Connect must be called before use.
func New(bus pubsub.Bus, opts Options, logger *slog.Logger) *Exchanger {
	return &Exchanger{
		opts:    opts,
		bus:     bus,
		logger:  logger,
		mux:     fanout.New(logger),
		breaker: newDialBreaker(opts.BreakerFailures, opts.BreakerTimeout, logger),
	}
}

// Connect dials the broker and subscribes to the shared bus channels.
func (e *Exchanger) Connect(ctx context.Context) error {
	l, err := dialLink(ctx, e.opts.Addr, e.opts.CallTimeout, e.logger)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	msgs, err := e.bus.Subscribe(subCtx, domain.ChannelMessages, domain.ChannelEvents)
	if err != nil {
		cancel()
		l.close()
		return fmt.Errorf("subscribe bus: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.mux.Run(subCtx, msgs)
	}()

	e.mu.Lock()
	e.link = l
	e.stopFanout = cancel
	e.fanoutDone = done
	e.mu.Unlock()
	return nil
}

func (e *Exchanger) current() *link {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.link
}

// Connected reports whether the broker link is up.
func (e *Exchanger) Connected() bool {
	l := e.current()
	return l != nil && l.alive()
}

// Call invokes namespace/method on the broker and returns the raw result.
func (e *Exchanger) Call(ctx context.Context, namespace, method string, args any) (json.RawMessage, error) {
	l := e.current()
	if l == nil {
		return nil, domain.NewDomainError("Exchanger.Call", domain.ErrTransport, "not connected")
	}
	return l.corr.Call(ctx, namespace, method, args)
}

// Namespace is a handle for calling the methods of one namespace.
type Namespace struct {
	ex   *Exchanger
	name string
}

// RPC returns the handle for namespace.
func (e *Exchanger) RPC(namespace string) Namespace {
	return Namespace{ex: e, name: namespace}
}

// Call invokes method and decodes the result into out unless out is nil.
func (n Namespace) Call(ctx context.Context, method string, args, out any) error {
	raw, err := n.ex.Call(ctx, n.name, method, args)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return domain.NewDomainError(n.name+"/"+method, domain.ErrInvalidArgument, "decode result: "+err.Error())
	}
	return nil
}

// Reconnect replaces a dead broker link. Concurrent callers share one dial,
// a live link is left alone, and repeated dial failures open a breaker so
// later attempts fail fast.
func (e *Exchanger) Reconnect(ctx context.Context) error {
	_, err, _ := e.group.Do("reconnect", func() (any, error) {
		if e.Connected() {
			return nil, nil
		}
		l, err := e.breaker.Execute(func() (*link, error) {
			return dialLink(ctx, e.opts.Addr, e.opts.CallTimeout, e.logger)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, domain.NewDomainError("Exchanger.Reconnect", domain.ErrTransport, "broker circuit open: "+err.Error())
			}
			return nil, err
		}

		e.mu.Lock()
		old := e.link
		e.link = l
		e.reconnects++
		e.mu.Unlock()
		if old != nil {
			old.close()
		}
		e.logger.Info("broker link re-established", "addr", e.opts.Addr)
		return nil, nil
	})
	return err
}

// PublishMessage publishes m on the messages channel, assigning an id when
// it has none, and returns the id.
func (e *Exchanger) PublishMessage(ctx context.Context, m domain.BusMessage) (string, error) {
	if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	if err := e.bus.Publish(ctx, domain.ChannelMessages, raw); err != nil {
		return "", err
	}
	return m.ID, nil
}

// PublishEvent publishes ev on the events channel.
func (e *Exchanger) PublishEvent(ctx context.Context, ev domain.BusEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return e.bus.Publish(ctx, domain.ChannelEvents, raw)
}

// NewClient creates a logical client registered with the multiplexer.
func (e *Exchanger) NewClient() *Client {
	return e.newClient(false)
}

// NewBotClient creates a bot client. Bots log in with a token, use the bot
// namespace for membership calls and see every session of their chats.
func (e *Exchanger) NewBotClient() *Client {
	return e.newClient(true)
}

func (e *Exchanger) newClient(bot bool) *Client {
	c := &Client{
		ex:     e,
		bot:    bot,
		member: fanout.NewMembership(bot),
		box:    fanout.NewMailbox(e.opts.MailboxSize),
	}
	c.remove = e.mux.Add(c)
	return c
}

// Stats describes the exchanger for status endpoints.
type Stats struct {
	Connected  bool         `json:"connected"`
	Pending    int          `json:"pending"`
	Reconnects int          `json:"reconnects"`
	Breaker    string       `json:"breaker"`
	Fanout     fanout.Stats `json:"fanout"`
}

// Stats returns the current state.
func (e *Exchanger) Stats() Stats {
	e.mu.RLock()
	l := e.link
	reconnects := e.reconnects
	e.mu.RUnlock()

	s := Stats{
		Reconnects: reconnects,
		Breaker:    e.breaker.State().String(),
		Fanout:     e.mux.Stats(),
	}
	if l != nil {
		s.Connected = l.alive()
		s.Pending = l.corr.Pending()
	}
	return s
}

// Close stops the fan-out and closes the broker link. Pending calls fail.
func (e *Exchanger) Close() error {
	e.mu.Lock()
	l := e.link
	stop := e.stopFanout
	done := e.fanoutDone
	e.link = nil
	e.stopFanout = nil
	e.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	if l != nil {
		l.close()
	}
	return nil
}
