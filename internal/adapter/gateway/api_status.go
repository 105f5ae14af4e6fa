package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"vcc-rpc/internal/usecase/exchanger"
)

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Gateway   GatewayStatus   `json:"gateway"`
	Requests  RequestStatus   `json:"requests"`
	Events    EventStatus     `json:"events"`
	Exchanger exchanger.Stats `json:"exchanger"`
	Methods   int             `json:"methods"`
}

// GatewayStatus holds connection info.
type GatewayStatus struct {
	UptimeSeconds     int64 `json:"uptime_seconds"`
	ConnectionsActive int64 `json:"connections_active"`
	ConnectionsTotal  int64 `json:"connections_total"`
}

// RequestStatus holds request counters.
type RequestStatus struct {
	Total       int64 `json:"total"`
	Errors      int64 `json:"errors"`
	RateLimited int64 `json:"rate_limited"`
}

// EventStatus holds bus push counters.
type EventStatus struct {
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
}

// Metrics tracks counters for the status API and Prometheus metrics.
type Metrics struct {
	ConnectionsActive atomic.Int64
	ConnectionsTotal  atomic.Int64
	RequestsTotal     atomic.Int64
	ErrorsTotal       atomic.Int64
	RateLimited       atomic.Int64
	EventsSent        atomic.Int64
	EventsDropped     atomic.Int64
}

// Metrics returns the server's counters.
func (s *Server) Metrics() *Metrics { return s.metrics }

// RegisterRESTHandlers registers the status and metrics endpoints. They
// require a bearer token when the server has an Authenticator.
func RegisterRESTHandlers(s *Server) {
	s.RegisterHTTPRoute("/api/v1/status", s.requireToken(statusHandler(s)))
	s.RegisterHTTPRoute("/metrics", s.requireToken(metricsHandler(s)))
}

func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	if s.auth == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			token, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		op, err := s.auth.Authenticate(token)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		s.logger.Debug("gateway: operator request", "operator", op.Name, "path", r.URL.Path)
		next(w, r)
	}
}

func (s *Server) status() StatusResponse {
	m := s.metrics
	return StatusResponse{
		Gateway: GatewayStatus{
			UptimeSeconds:     int64(time.Since(s.startTime).Seconds()),
			ConnectionsActive: m.ConnectionsActive.Load(),
			ConnectionsTotal:  m.ConnectionsTotal.Load(),
		},
		Requests: RequestStatus{
			Total:       m.RequestsTotal.Load(),
			Errors:      m.ErrorsTotal.Load(),
			RateLimited: m.RateLimited.Load(),
		},
		Events: EventStatus{
			Sent:    m.EventsSent.Load(),
			Dropped: m.EventsDropped.Load(),
		},
		Exchanger: s.ex.Stats(),
		Methods:   len(s.Methods()),
	}
}

// statusHandler returns an HTTP handler for GET /api/v1/status.
func statusHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.status())
	}
}
