// Package wire implements the newline-delimited JSON framing spoken between
// clients, services and the broker.
package wire

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"vcc-rpc/internal/domain"
)

// DefaultMaxFrameSize bounds a single line on the wire.
const DefaultMaxFrameSize = 4 << 20

// Sender is the write half of a Conn.
type Sender interface {
	Send(frame domain.Frame) error
}

// Conn frames a byte stream as one JSON value per line. Send is safe for
// concurrent use; Frames must be consumed by a single goroutine.
type Conn struct {
	rwc          io.ReadWriteCloser
	logger       *slog.Logger
	writeTimeout time.Duration
	maxFrame     int

	writeMu   sync.Mutex
	streamed  atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	errMu sync.Mutex
	err   error
}

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger used for malformed-frame diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) { c.logger = l }
}

// WithWriteTimeout bounds every Send when the transport supports deadlines.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Conn) { c.writeTimeout = d }
}

// WithMaxFrameSize sets the longest accepted line in bytes.
func WithMaxFrameSize(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.maxFrame = n
		}
	}
}

// New wraps rwc.
func New(rwc io.ReadWriteCloser, opts ...Option) *Conn {
	c := &Conn{
		rwc:      rwc,
		logger:   slog.Default(),
		maxFrame: DefaultMaxFrameSize,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewWebSocket runs the same line framing over text messages of ws.
func NewWebSocket(ws *websocket.Conn, opts ...Option) *Conn {
	c := New(nil, opts...)
	ws.SetReadLimit(int64(c.maxFrame))
	c.rwc = websocket.NetConn(context.Background(), ws, websocket.MessageText)
	return c
}

// Dial connects to addr. Addresses starting with ws:// or wss:// are dialed
// as WebSocket endpoints; anything else is treated as host:port over TCP,
// with an optional tcp:// prefix.
func Dial(ctx context.Context, addr string, opts ...Option) (*Conn, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		ws, _, err := websocket.Dial(ctx, addr, nil)
		if err != nil {
			return nil, domain.NewDomainError("wire.Dial", domain.ErrTransport, err.Error())
		}
		return NewWebSocket(ws, opts...), nil
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", strings.TrimPrefix(addr, "tcp://"))
	if err != nil {
		return nil, domain.NewDomainError("wire.Dial", domain.ErrTransport, err.Error())
	}
	return New(nc, opts...), nil
}

// Send writes frame as a single line.
func (c *Conn) Send(frame domain.Frame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	raw = append(raw, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if dl, ok := c.rwc.(interface{ SetWriteDeadline(time.Time) error }); ok {
			_ = dl.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		}
	}
	if _, err := c.rwc.Write(raw); err != nil {
		return domain.NewDomainError("Conn.Send", domain.ErrTransport, err.Error())
	}
	return nil
}

// Frames returns the inbound frame sequence. It ends when the transport
// closes or a line exceeds the frame limit and cannot be restarted: only the
// first call yields anything. A line that is not a JSON object is answered
// with a "not json" error frame and skipped.
func (c *Conn) Frames() iter.Seq[domain.Frame] {
	return func(yield func(domain.Frame) bool) {
		if c.streamed.Swap(true) {
			return
		}

		sc := bufio.NewScanner(c.rwc)
		sc.Buffer(make([]byte, 0, min(64*1024, c.maxFrame)), c.maxFrame)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			var f domain.Frame
			if err := json.Unmarshal(line, &f); err != nil {
				c.logger.Debug("wire: malformed frame", "error", err, "remote", c.RemoteAddr())
				if err := c.Send(domain.NotJSONFrame()); err != nil {
					c.setErr(err)
					return
				}
				continue
			}
			if !yield(f) {
				return
			}
		}
		c.setErr(sc.Err())
	}
}

func (c *Conn) setErr(err error) {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return
	}
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

// Err returns the error that ended Frames, or nil on a clean close.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close closes the transport. It is idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.rwc.Close()
	})
	return err
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} { return c.done }

// RemoteAddr returns the peer address when the transport knows it.
func (c *Conn) RemoteAddr() string {
	if nc, ok := c.rwc.(interface{ RemoteAddr() net.Addr }); ok && nc.RemoteAddr() != nil {
		return nc.RemoteAddr().String()
	}
	return ""
}
