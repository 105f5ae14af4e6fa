package broker

import (
	"encoding/json"
	"net/http"

	"nhooyr.io/websocket"

	"vcc-rpc/internal/adapter/wire"
)

// Handler exposes the broker over HTTP:
//
//	/rpc     WebSocket upgrade speaking the same line-delimited frames as TCP
//	/status  GET, JSON Stats snapshot
func (b *Broker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", b.handleUpgrade)
	mux.HandleFunc("/status", b.handleStatus)
	return mux
}

func (b *Broker) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"},
	})
	if err != nil {
		b.logger.Warn("broker: websocket accept failed", "error", err)
		return
	}

	b.ServeConn(r.Context(), wire.NewWebSocket(ws, b.connOptions()...))
}

func (b *Broker) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(b.Stats()); err != nil {
		b.logger.Debug("broker: status encode failed", "error", err)
	}
}
