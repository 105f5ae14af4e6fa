// Package servicesdk provides the library a service process uses to export
// methods through the broker.
//
// A service registers handlers per namespace and then runs: the SDK dials the
// broker, declares every namespace, answers calls concurrently and reconnects
// with a fixed delay whenever the connection drops.
//
// Example:
//
//	svc := servicesdk.New(servicesdk.WithAddr("127.0.0.1:2474"))
//	svc.Handle("echo", "ping", servicesdk.Func(
//	    func(ctx context.Context, args struct{ Msg string `json:"msg"` }) (string, error) {
//	        return args.Msg, nil
//	    },
//	))
//	err := svc.Run(ctx)
package servicesdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"os"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"vcc-rpc/internal/adapter/wire"
	"vcc-rpc/internal/domain"
	"vcc-rpc/internal/usecase/correlator"
)

// DefaultReconnectDelay is the pause between reconnect attempts.
const DefaultReconnectDelay = 2 * time.Second

// Handler answers one call. args is the raw JSON argument object; the result
// is JSON-encoded unless it is already a json.RawMessage.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Handler errors with a dedicated reply on the wire. Any other error is
// reported to the caller as a server error carrying its message.
var (
	ErrWrongFormat = errors.New(domain.RemoteWrongFormat)
	ErrInvalidData = errors.New(domain.RemoteInvalidDataType)
)

// Func adapts a typed function into a Handler. Arguments that do not decode
// into A are rejected with ErrInvalidData before fn runs.
func Func[A, R any](fn func(ctx context.Context, args A) (R, error)) Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args A
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
			}
		}
		return fn(ctx, args)
	}
}

// Service exports handlers to the broker.
type Service struct {
	addr        string
	delay       time.Duration
	maxRetries  int
	callTimeout time.Duration
	logger      *slog.Logger

	mu       sync.RWMutex
	handlers map[string]map[string]Handler
	conn     *wire.Conn
	corr     *correlator.Correlator

	inflight sync.WaitGroup
}

// New creates a Service. The broker address defaults to $RPCHOST, then
// 127.0.0.1:2474.
func New(opts ...Option) *Service {
	s := &Service{
		addr:       os.Getenv("RPCHOST"),
		delay:      DefaultReconnectDelay,
		maxRetries: -1,
		logger:     slog.Default(),
		handlers:   make(map[string]map[string]Handler),
	}
	if s.addr == "" {
		s.addr = "127.0.0.1:2474"
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle registers h as namespace/method. Registering on a connected service
// declares the method to the broker immediately.
func (s *Service) Handle(namespace, method string, h Handler) {
	s.mu.Lock()
	methods, ok := s.handlers[namespace]
	if !ok {
		methods = make(map[string]Handler)
		s.handlers[namespace] = methods
	}
	methods[method] = h
	conn := s.conn
	s.mu.Unlock()

	s.logger.Debug("method registered", "namespace", namespace, "method", method)
	if conn != nil {
		if err := conn.Send(domain.ServiceHandshake(namespace, []string{method})); err != nil {
			s.logger.Warn("could not declare method", "namespace", namespace, "method", method, "error", err)
		}
	}
}

// Register adds every handler in methods under namespace.
func (s *Service) Register(namespace string, methods map[string]Handler) {
	for _, name := range slices.Sorted(maps.Keys(methods)) {
		s.Handle(namespace, name, methods[name])
	}
}

// Namespaces returns the registered namespaces and their methods.
func (s *Service) Namespaces() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]string, len(s.handlers))
	for ns, methods := range s.handlers {
		out[ns] = slices.Sorted(maps.Keys(methods))
	}
	return out
}

// Connected reports whether the service is currently registered with the broker.
func (s *Service) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.corr != nil
}

// Call invokes another service through the broker over this service's
// connection.
func (s *Service) Call(ctx context.Context, namespace, method string, args any) (json.RawMessage, error) {
	s.mu.RLock()
	corr := s.corr
	s.mu.RUnlock()
	if corr == nil {
		return nil, domain.NewDomainError("Service.Call", domain.ErrTransport, "not connected")
	}
	return corr.Call(ctx, namespace, method, args)
}

// Run connects to the broker and serves calls until ctx is cancelled. A lost
// connection is re-dialed after the reconnect delay and every namespace is
// declared again. Run returns an error only when the retry limit is exhausted.
func (s *Service) Run(ctx context.Context) error {
	defer s.inflight.Wait()

	var policy backoff.BackOff = backoff.NewConstantBackOff(s.delay)
	if s.maxRetries >= 0 {
		policy = backoff.WithMaxRetries(policy, uint64(s.maxRetries))
	}

	for {
		registered, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if registered {
			policy.Reset()
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("servicesdk: giving up on %s: %w", s.addr, err)
		}
		s.logger.Warn("broker connection lost, reconnecting", "addr", s.addr, "error", err, "retry_in", wait)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// session runs one connection from dial to disconnect. registered reports
// whether the handshake completed.
func (s *Service) session(ctx context.Context) (registered bool, err error) {
	conn, err := wire.Dial(ctx, s.addr, wire.WithLogger(s.logger))
	if err != nil {
		return false, err
	}
	defer conn.Close()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sessCtx, func() { conn.Close() })
	defer stop()

	next, done := iter.Pull(conn.Frames())
	defer done()

	early, err := s.handshake(conn, next)
	if err != nil {
		return false, err
	}

	opts := []correlator.Option{}
	if s.callTimeout > 0 {
		opts = append(opts, correlator.WithTimeout(s.callTimeout))
	}
	corr := correlator.New(conn, s.logger, opts...)

	s.mu.Lock()
	s.conn = conn
	s.corr = corr
	s.mu.Unlock()
	s.logger.Info("service registered", "addr", s.addr, "namespaces", len(s.Namespaces()))

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.corr = nil
		s.mu.Unlock()
		corr.FailAll(nil)
	}()

	serve := func(f domain.Frame) {
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.dispatch(sessCtx, conn, f)
		}()
	}
	for _, f := range early {
		serve(f)
	}

	for {
		f, ok := next()
		if !ok {
			break
		}
		switch {
		case f.Type == domain.FrameCall:
			serve(f)
		case f.IsResponse():
			corr.Resolve(f)
		case f.Res == domain.ResOK:
		case f.Res == domain.ResError || f.Type == domain.FrameError:
			s.logger.Warn("broker reported error", "error", f.Error)
		default:
			s.logger.Debug("ignoring frame", "type", string(f.Type))
		}
	}

	if err := conn.Err(); err != nil {
		return true, err
	}
	return true, domain.NewDomainError("Service.Run", domain.ErrTransport, "connection closed")
}

// handshake declares every namespace and waits for each acknowledgement.
// A namespace is routable as soon as it is acknowledged, so calls can arrive
// before the last ack. They are returned for dispatch once the session is up.
func (s *Service) handshake(conn *wire.Conn, next func() (domain.Frame, bool)) ([]domain.Frame, error) {
	namespaces := s.Namespaces()
	if len(namespaces) == 0 {
		return nil, domain.NewDomainError("Service.handshake", domain.ErrProtocol, "no namespaces registered")
	}

	var early []domain.Frame
	for _, ns := range slices.Sorted(maps.Keys(namespaces)) {
		if err := conn.Send(domain.ServiceHandshake(ns, namespaces[ns])); err != nil {
			return nil, err
		}
		for {
			f, ok := next()
			if !ok {
				return nil, domain.NewDomainError("Service.handshake", domain.ErrTransport, "connection closed during handshake")
			}
			if f.Type == domain.FrameCall {
				early = append(early, f)
				continue
			}
			if !isAck(f) {
				s.logger.Debug("ignoring frame during handshake", "type", string(f.Type), "jobid", f.JobID)
				continue
			}
			if f.Res != domain.ResOK {
				return nil, domain.NewDomainError("Service.handshake", domain.ErrProtocol, fmt.Sprintf("namespace %q rejected: %s", ns, f.Error))
			}
			break
		}
	}
	return early, nil
}

// isAck reports whether f answers a handshake rather than a job.
func isAck(f domain.Frame) bool {
	return f.Type == "" && f.JobID == "" && (f.Res == domain.ResOK || f.Res == domain.ResError)
}

// dispatch runs one call and writes its reply. Handler errors and panics are
// turned into error replies.
func (s *Service) dispatch(ctx context.Context, conn wire.Sender, f domain.Frame) {
	reply := func(out domain.Frame) {
		if err := conn.Send(out); err != nil {
			s.logger.Debug("reply failed", "jobid", f.JobID, "error", err)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic",
				"namespace", f.Namespace,
				"method", f.Service,
				"panic", r,
			)
			reply(domain.HandlerErrorFrame(f.JobID, fmt.Sprintf("panic: %v\n%s", r, debug.Stack())))
		}
	}()

	s.mu.RLock()
	h, ok := s.handlers[f.Namespace][f.Service]
	s.mu.RUnlock()
	if !ok {
		reply(domain.ErrorFrame(f.JobID, domain.RemoteNoSuchService))
		return
	}

	res, err := h(ctx, f.Data)
	switch {
	case errors.Is(err, ErrWrongFormat):
		reply(domain.ErrorFrame(f.JobID, domain.RemoteWrongFormat))
		return
	case errors.Is(err, ErrInvalidData):
		reply(domain.ErrorFrame(f.JobID, domain.RemoteInvalidDataType))
		return
	case err != nil:
		s.logger.Debug("handler failed", "namespace", f.Namespace, "method", f.Service, "error", err)
		reply(domain.HandlerErrorFrame(f.JobID, err.Error()))
		return
	}

	raw, err := encodeResult(res)
	if err != nil {
		reply(domain.HandlerErrorFrame(f.JobID, err.Error()))
		return
	}
	reply(domain.RespondFrame(f.JobID, raw))
}

func encodeResult(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
