// Package gateway exposes the exchanger to browsers over WebSocket. Each
// connection gets its own exchanger.Client; requests map onto Client
// operations and bus items addressed to the client are pushed as events.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"vcc-rpc/internal/domain"
	"vcc-rpc/internal/infra/middleware"
	"vcc-rpc/internal/usecase/exchanger"
)

// RPCHandler handles a single RPC method call for one connection's client.
type RPCHandler func(ctx context.Context, client *exchanger.Client, payload json.RawMessage) (json.RawMessage, error)

// Config holds the gateway listener settings.
type Config struct {
	Addr              string
	RequestsPerSecond float64 // per connection, 0 = unlimited
	Burst             int
	AllowedOrigins    []string
	UpgradesPerMinute int // per client IP, 0 = unlimited
}

// clientConn tracks a single WebSocket connection.
type clientConn struct {
	id        uint64
	client    *exchanger.Client
	ws        *websocket.Conn
	sendCh    chan Frame // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter
	transport atomic.Int32 // transport errors seen
}

func (cc *clientConn) shutdown(code websocket.StatusCode, reason string) {
	cc.closeOnce.Do(func() {
		close(cc.done)
		cc.ws.Close(code, reason)
	})
}

// Server is the WebSocket gateway in front of an Exchanger.
type Server struct {
	ex         *exchanger.Exchanger
	cfg        Config
	auth       Authenticator // nil leaves the REST endpoints open
	clients    sync.Map      // connID (uint64) -> *clientConn
	handlersMu sync.RWMutex
	handlers   map[string]RPCHandler
	httpRoutes []httpRoute
	logger     *slog.Logger
	metrics    *Metrics
	startTime  time.Time
	nextID     atomic.Uint64

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
	ready     chan struct{}
}

type httpRoute struct {
	pattern string
	handler http.HandlerFunc
}

// NewServer creates a gateway server.
func NewServer(ex *exchanger.Exchanger, auth Authenticator, cfg Config, logger *slog.Logger) *Server {
	return &Server{
		ex:        ex,
		cfg:       cfg,
		auth:      auth,
		handlers:  make(map[string]RPCHandler),
		logger:    logger,
		metrics:   &Metrics{},
		startTime: time.Now(),
		ready:     make(chan struct{}),
	}
}

// RegisterHandler adds an RPC handler for the given method name.
// Safe to call concurrently with active connections.
func (s *Server) RegisterHandler(method string, handler RPCHandler) {
	s.handlersMu.Lock()
	s.handlers[method] = handler
	s.handlersMu.Unlock()
}

// Methods returns the registered method names.
func (s *Server) Methods() []string {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		out = append(out, m)
	}
	return out
}

// RegisterHTTPRoute adds an HTTP handler to the gateway's mux.
// Must be called before Handler or Start.
func (s *Server) RegisterHTTPRoute(pattern string, handler http.HandlerFunc) {
	s.httpRoutes = append(s.httpRoutes, httpRoute{pattern: pattern, handler: handler})
}

// Handler returns the gateway's HTTP handler. ctx bounds the background
// sweeper of the upgrade limiter.
func (s *Server) Handler(ctx context.Context) http.Handler {
	limit := middleware.PerIP(ctx, middleware.PerIPLimit{PerMinute: s.cfg.UpgradesPerMinute})

	mux := http.NewServeMux()
	mux.Handle("/ws", limit(http.HandlerFunc(s.handleUpgrade)))
	for _, route := range s.httpRoutes {
		mux.HandleFunc(route.pattern, route.handler)
	}
	return middleware.SecurityHeaders(mux)
}

// Start begins accepting WebSocket connections. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	srv := &http.Server{Handler: s.Handler(ctx), ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.httpSrv = srv
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()
	close(s.ready)

	s.logger.Info("gateway started", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Ready is closed once Start has bound its listener.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// BoundAddr returns the actual address the server bound to. Only valid after Ready.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// Stop closes every client connection and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.shutdown(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
	return nil
}

func (s *Server) originPatterns() []string {
	if len(s.cfg.AllowedOrigins) > 0 {
		return s.cfg.AllowedOrigins
	}
	return []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns()})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	cc := &clientConn{
		id:     s.nextID.Add(1),
		client: s.ex.NewClient(),
		ws:     ws,
		sendCh: make(chan Frame, 64),
		done:   make(chan struct{}),
	}
	if s.cfg.RequestsPerSecond > 0 {
		cc.limiter = rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.Burst)
	}
	s.clients.Store(cc.id, cc)
	s.metrics.ConnectionsTotal.Add(1)
	s.metrics.ConnectionsActive.Add(1)
	s.logger.Info("gateway client connected", "conn_id", cc.id, "remote", r.RemoteAddr)

	go s.writeLoop(cc)
	go s.eventLoop(ctx, cc)

	// Read loop (blocking).
	s.readLoop(ctx, cc)

	cancel()
	cc.shutdown(websocket.StatusNormalClosure, "")
	s.clients.Delete(cc.id)
	s.metrics.ConnectionsActive.Add(-1)

	go func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cc.client.Close(closeCtx); err != nil {
			s.logger.Debug("gateway: client close", "conn_id", cc.id, "error", err)
		}
	}()
	s.logger.Info("gateway client disconnected", "conn_id", cc.id)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return // connection closed or error
		}
		if frame.Type != FrameTypeRequest {
			continue
		}
		go s.dispatchRPC(ctx, cc, frame)
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// eventLoop forwards bus items addressed to the connection's client.
func (s *Server) eventLoop(ctx context.Context, cc *clientConn) {
	for {
		item, err := cc.client.Recv(ctx)
		if err != nil {
			return
		}
		frame, err := eventFrame(item)
		if err != nil {
			s.logger.Warn("gateway: encode event", "conn_id", cc.id, "error", err)
			continue
		}
		select {
		case cc.sendCh <- frame:
			s.metrics.EventsSent.Add(1)
		case <-cc.done:
			return
		default:
			s.metrics.EventsDropped.Add(1)
			s.logger.Warn("gateway: dropped event for slow client", "conn_id", cc.id)
		}
	}
}

func eventFrame(item domain.BusItem) (Frame, error) {
	var (
		payload []byte
		err     error
	)
	if item.Message != nil {
		payload, err = json.Marshal(item.Message)
	} else {
		payload, err = json.Marshal(item.Event)
	}
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameTypeEvent, Method: item.Channel, Payload: payload}, nil
}

func (s *Server) dispatchRPC(ctx context.Context, cc *clientConn, req Frame) {
	s.metrics.RequestsTotal.Add(1)

	if cc.limiter != nil && !cc.limiter.Allow() {
		s.metrics.RateLimited.Add(1)
		s.sendResponse(cc, req.ID, nil, domain.NewDomainError("gateway."+req.Method, domain.ErrRateLimit, ""))
		return
	}

	s.handlersMu.RLock()
	handler, ok := s.handlers[req.Method]
	s.handlersMu.RUnlock()
	if !ok {
		s.sendResponse(cc, req.ID, nil, domain.NewDomainError("gateway", domain.ErrRPCMethodNotFound, req.Method))
		return
	}

	result, err := handler(ctx, cc.client, req.Payload)
	s.sendResponse(cc, req.ID, result, err)
	if err != nil && domain.IsRetryableError(err) {
		s.onTransportError(ctx, cc, err)
	}
}

// onTransportError redials the broker on the first transport failure of a
// connection and closes the connection with a policy violation on the next.
func (s *Server) onTransportError(ctx context.Context, cc *clientConn, cause error) {
	if cc.transport.Add(1) > 1 {
		s.logger.Warn("gateway: closing connection after repeated transport errors", "conn_id", cc.id, "error", cause)
		cc.shutdown(websocket.StatusPolicyViolation, "broker unavailable")
		return
	}
	if err := s.ex.Reconnect(ctx); err != nil {
		s.logger.Warn("gateway: broker reconnect failed", "conn_id", cc.id, "error", err)
		return
	}
	s.logger.Info("gateway: broker reconnected", "conn_id", cc.id)
}

func (s *Server) sendResponse(cc *clientConn, id uint64, result json.RawMessage, err error) {
	resp := Frame{
		Type:    FrameTypeResponse,
		ID:      id,
		Payload: result,
	}
	if err != nil {
		s.metrics.ErrorsTotal.Add(1)
		resp.Payload = nil
		resp.Error = err.Error()
		resp.Code = string(domain.ErrorCodeOf(err))
	}
	select {
	case cc.sendCh <- resp:
	case <-cc.done:
	default:
		s.logger.Warn("gateway: dropped RPC response for slow client", "conn_id", cc.id, "frame_id", id)
	}
}
