package middleware

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/status", nil))

	want := map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "no-store",
	}
	for header, value := range want {
		if got := w.Header().Get(header); got != value {
			t.Errorf("%s = %q, want %q", header, got, value)
		}
	}
	if hsts := w.Header().Get("Strict-Transport-Security"); hsts != "" {
		t.Errorf("HSTS set without TLS: %q", hsts)
	}

	req := httptest.NewRequest("GET", "/status", nil)
	req.TLS = &tls.ConnectionState{}
	w = httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(w, req)
	if w.Header().Get("Strict-Transport-Security") == "" {
		t.Error("HSTS missing with TLS")
	}
}

func serveFrom(h http.Handler, addr string) int {
	req := httptest.NewRequest("GET", "/ws", nil)
	req.RemoteAddr = addr
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Code
}

func TestPerIPBlocksAfterBurst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := PerIP(ctx, PerIPLimit{PerMinute: 6, Burst: 3})(okHandler())

	var ok, blocked int
	for range 10 {
		switch serveFrom(h, "192.168.1.1:4000") {
		case http.StatusOK:
			ok++
		case http.StatusTooManyRequests:
			blocked++
		}
	}
	if ok != 3 || blocked != 7 {
		t.Errorf("ok=%d blocked=%d, want 3 and 7", ok, blocked)
	}

	if code := serveFrom(h, "192.168.1.2:4000"); code != http.StatusOK {
		t.Errorf("other client got %d", code)
	}
}

func TestPerIPDisabled(t *testing.T) {
	h := PerIP(context.Background(), PerIPLimit{})(okHandler())
	for range 50 {
		if code := serveFrom(h, "10.0.0.1:1"); code != http.StatusOK {
			t.Fatalf("got %d with limiting disabled", code)
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		xff     string
		xri     string
		trusted []string
		want    string
	}{
		{name: "direct", remote: "192.168.1.1:12345", want: "192.168.1.1"},
		{name: "xff ignored without trust", remote: "1.2.3.4:1", xff: "8.8.8.8", want: "1.2.3.4"},
		{name: "xff from other proxy ignored", remote: "1.2.3.4:1", xff: "8.8.8.8", trusted: []string{"10.0.0.1"}, want: "1.2.3.4"},
		{name: "xff from trusted proxy", remote: "10.0.0.1:1", xff: "203.0.113.1, 198.51.100.1", trusted: []string{"10.0.0.1"}, want: "203.0.113.1"},
		{name: "x-real-ip from trusted proxy", remote: "10.0.0.1:1", xri: "203.0.113.9", trusted: []string{"10.0.0.1"}, want: "203.0.113.9"},
		{name: "ipv6", remote: "[::1]:8080", want: "::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			if got := ClientIP(req, tt.trusted); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
