// Package correlator multiplexes concurrent calls over one framed connection
// by matching respond frames to pending jobs on their job id.
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"vcc-rpc/internal/domain"
	"vcc-rpc/internal/infra/tracer"
)

// Sender writes frames to the connection the correlator multiplexes.
type Sender interface {
	Send(frame domain.Frame) error
}

type result struct {
	frame domain.Frame
	err   error
}

// Correlator tracks jobs in flight on a single connection. Each job id
// resolves at most once.
type Correlator struct {
	sender  Sender
	logger  *slog.Logger
	timeout time.Duration
	newID   func() string

	mu      sync.Mutex
	pending map[string]chan result
	closed  error
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithTimeout applies d to calls whose context carries no deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Correlator) { c.timeout = d }
}

// WithIDFunc replaces the UUID job id generator.
func WithIDFunc(fn func() string) Option {
	return func(c *Correlator) { c.newID = fn }
}

// New creates a correlator writing calls through sender.
func New(sender Sender, logger *slog.Logger, opts ...Option) *Correlator {
	c := &Correlator{
		sender:  sender,
		logger:  logger,
		newID:   uuid.NewString,
		pending: make(map[string]chan result),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Call sends namespace/method with args and waits for the matching response.
// args is JSON-encoded unless it is already a json.RawMessage; nil sends {}.
//
// The call fails with ErrTransport when the connection closes first and with
// ErrTimeout when ctx expires. A response arriving after a timeout is dropped.
func (c *Correlator) Call(ctx context.Context, namespace, method string, args any) (json.RawMessage, error) {
	const op = "Correlator.Call"

	ctx, span := tracer.StartCall(ctx, "rpc.call", namespace, method)
	defer span.End()

	raw, err := encodeArgs(args)
	if err != nil {
		err = domain.NewDomainError(op, domain.ErrInvalidArgument, err.Error())
		tracer.RecordError(span, err)
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	id := c.newID()
	ch := make(chan result, 1)

	c.mu.Lock()
	if c.closed != nil {
		err := c.closed
		c.mu.Unlock()
		tracer.RecordError(span, err)
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.sender.Send(domain.CallFrame(namespace, method, raw, id)); err != nil {
		c.discard(id)
		if !errors.Is(err, domain.ErrTransport) {
			err = domain.NewDomainError(op, domain.ErrTransport, err.Error())
		}
		tracer.RecordError(span, err)
		return nil, err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			tracer.RecordError(span, res.err)
			return nil, res.err
		}
		if res.frame.Failed() {
			err := domain.RemoteError(op, res.frame.Error, res.frame.Detail())
			tracer.RecordError(span, err)
			return nil, err
		}
		tracer.SetOK(span)
		return res.frame.Data, nil
	case <-ctx.Done():
		c.discard(id)
		var err error
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = domain.NewDomainError(op, domain.ErrTimeout, namespace+"/"+method)
		} else {
			err = fmt.Errorf("%s: %w", op, ctx.Err())
		}
		tracer.RecordError(span, err)
		return nil, err
	}
}

// Resolve delivers a response frame to its pending job. It reports false
// for unknown, late or duplicate job ids, which are logged and dropped.
func (c *Correlator) Resolve(frame domain.Frame) bool {
	c.mu.Lock()
	ch, ok := c.pending[frame.JobID]
	delete(c.pending, frame.JobID)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("correlator: dropping response for unknown job", "jobid", frame.JobID)
		return false
	}
	ch <- result{frame: frame}
	return true
}

// FailAll fails every pending job with err and rejects later calls with it.
// A nil err is replaced by a transport error.
func (c *Correlator) FailAll(err error) {
	if err == nil {
		err = domain.NewDomainError("Correlator.FailAll", domain.ErrTransport, "connection closed")
	}

	c.mu.Lock()
	if c.closed == nil {
		c.closed = err
	}
	pending := c.pending
	c.pending = make(map[string]chan result)
	c.mu.Unlock()

	for id, ch := range pending {
		ch <- result{err: err}
		c.logger.Debug("correlator: failed pending job", "jobid", id, "error", err)
	}
}

// Pending returns the number of jobs awaiting a response.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) discard(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func encodeArgs(args any) (json.RawMessage, error) {
	switch v := args.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}
