package gateway

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
)

// metricsHandler returns an HTTP handler for GET /metrics in Prometheus text format.
func metricsHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		st := s.status()
		connected := 0
		if st.Exchanger.Connected {
			connected = 1
		}

		writeMetric(w, "vcc_gateway_uptime_seconds", "gauge", "Seconds since the gateway started.", st.Gateway.UptimeSeconds)
		writeMetric(w, "vcc_gateway_connections_active", "gauge", "Open WebSocket connections.", st.Gateway.ConnectionsActive)
		writeMetric(w, "vcc_gateway_connections_total", "counter", "WebSocket connections accepted.", st.Gateway.ConnectionsTotal)
		writeMetric(w, "vcc_gateway_requests_total", "counter", "RPC requests received.", st.Requests.Total)
		writeMetric(w, "vcc_gateway_request_errors_total", "counter", "RPC requests answered with an error.", st.Requests.Errors)
		writeMetric(w, "vcc_gateway_requests_rate_limited_total", "counter", "RPC requests rejected by the per-connection limiter.", st.Requests.RateLimited)
		writeMetric(w, "vcc_gateway_events_sent_total", "counter", "Bus items pushed to clients.", st.Events.Sent)
		writeMetric(w, "vcc_gateway_events_dropped_total", "counter", "Bus items dropped for slow clients.", st.Events.Dropped)

		writeMetric(w, "vcc_exchanger_connected", "gauge", "Whether the broker link is up.", connected)
		writeMetric(w, "vcc_exchanger_pending_calls", "gauge", "Calls awaiting a broker response.", st.Exchanger.Pending)
		writeMetric(w, "vcc_exchanger_reconnects_total", "counter", "Broker links re-established.", st.Exchanger.Reconnects)
		writeMetric(w, "vcc_fanout_receivers", "gauge", "Clients registered with the multiplexer.", st.Exchanger.Fanout.Receivers)
		writeMetric(w, "vcc_fanout_received_total", "counter", "Bus items received.", st.Exchanger.Fanout.Received)
		writeMetric(w, "vcc_fanout_delivered_total", "counter", "Bus items delivered to mailboxes.", st.Exchanger.Fanout.Delivered)
		writeMetric(w, "vcc_fanout_dropped_total", "counter", "Bus items dropped on full mailboxes.", st.Exchanger.Fanout.Dropped)
		writeMetric(w, "vcc_fanout_malformed_total", "counter", "Bus payloads that failed to decode.", st.Exchanger.Fanout.Malformed)

		writeMetric(w, "go_goroutines", "gauge", "Number of goroutines.", runtime.NumGoroutine())
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		writeMetric(w, "go_memstats_alloc_bytes", "gauge", "Bytes of allocated heap objects.", mem.Alloc)
	}
}

func writeMetric[N int | int64 | uint64](w io.Writer, name, kind, help string, v N) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n%s %d\n", name, help, name, kind, name, v)
}
