package exchanger

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"vcc-rpc/internal/adapter/wire"
	"vcc-rpc/internal/domain"
	"vcc-rpc/internal/usecase/correlator"
)

// link is one client-role connection to the broker and the correlator
// multiplexing calls over it.
type link struct {
	conn *wire.Conn
	corr *correlator.Correlator
}

func (l *link) alive() bool {
	select {
	case <-l.conn.Done():
		return false
	default:
		return true
	}
}

func (l *link) close() {
	l.conn.Close()
}

// dialLink connects to the broker, completes the client handshake and starts
// the reader that resolves responses. When the connection ends every pending
// call fails with a transport error.
func dialLink(ctx context.Context, addr string, callTimeout time.Duration, logger *slog.Logger) (*link, error) {
	const op = "exchanger.dial"

	conn, err := wire.Dial(ctx, addr, wire.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	next, stop := iter.Pull(conn.Frames())

	if err := conn.Send(domain.ClientHandshake()); err != nil {
		stop()
		conn.Close()
		return nil, err
	}

	unwatch := context.AfterFunc(ctx, func() { conn.Close() })
	ack, ok := next()
	unwatch()
	if !ok || ack.Res != domain.ResOK {
		stop()
		conn.Close()
		detail := "connection closed during handshake"
		if ok {
			detail = "handshake rejected: " + ack.Error
		}
		return nil, domain.NewDomainError(op, domain.ErrTransport, detail)
	}

	var opts []correlator.Option
	if callTimeout > 0 {
		opts = append(opts, correlator.WithTimeout(callTimeout))
	}
	l := &link{conn: conn, corr: correlator.New(conn, logger, opts...)}

	go func() {
		defer stop()
		for {
			f, ok := next()
			if !ok {
				break
			}
			switch {
			case f.IsResponse():
				l.corr.Resolve(f)
			case f.Type == domain.FrameError || f.Res == domain.ResError:
				logger.Warn("broker reported error", "error", f.Error)
			default:
				logger.Debug("exchanger: ignoring frame", "type", string(f.Type))
			}
		}
		conn.Close()
		l.corr.FailAll(domain.NewDomainError("exchanger.link", domain.ErrTransport, "broker connection closed"))
		logger.Info("broker connection closed", "addr", addr)
	}()

	logger.Info("connected to broker", "addr", addr)
	return l, nil
}

// Default breaker settings for redialing the broker.
const (
	defaultBreakerFailures uint32        = 3
	defaultBreakerTimeout  time.Duration = 10 * time.Second
)

// newDialBreaker guards broker redials: after failures consecutive failed
// dials the breaker opens and every reconnect fails fast until timeout.
func newDialBreaker(failures uint32, timeout time.Duration, logger *slog.Logger) *gobreaker.CircuitBreaker[*link] {
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	return gobreaker.NewCircuitBreaker[*link](gobreaker.Settings{
		Name:        "broker-dial",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}
