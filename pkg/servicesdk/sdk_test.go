package servicesdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vcc-rpc/internal/adapter/wire"
	"vcc-rpc/internal/domain"
	"vcc-rpc/internal/usecase/broker"
	"vcc-rpc/internal/usecase/correlator"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type pingArgs struct {
	Msg string `json:"msg"`
}

func startBroker(t *testing.T) (*broker.Broker, string) {
	t.Helper()
	b := broker.New(broker.Config{}, testLogger())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		b.Shutdown()
		<-done
	})
	return b, ln.Addr().String()
}

func runService(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, svc.Connected, 2*time.Second, 10*time.Millisecond)
}

type testClient struct {
	conn *wire.Conn
	corr *correlator.Correlator
}

func dialClient(t *testing.T, addr string) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := wire.Dial(ctx, addr, wire.WithLogger(testLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &testClient{conn: conn, corr: correlator.New(conn, testLogger(), correlator.WithTimeout(2*time.Second))}
	acked := make(chan struct{})
	go func() {
		for f := range conn.Frames() {
			switch {
			case f.IsResponse():
				c.corr.Resolve(f)
			case f.Res == domain.ResOK:
				close(acked)
			}
		}
		c.corr.FailAll(nil)
	}()

	require.NoError(t, conn.Send(domain.ClientHandshake()))
	select {
	case <-acked:
	case <-time.After(2 * time.Second):
		t.Fatal("client handshake not acknowledged")
	}
	return c
}

func (c *testClient) call(namespace, method string, args any) (json.RawMessage, error) {
	return c.corr.Call(context.Background(), namespace, method, args)
}

func newEchoService(addr string, opts ...Option) *Service {
	svc := New(append([]Option{WithAddr(addr), WithLogger(testLogger()), WithBackoff(20 * time.Millisecond)}, opts...)...)
	svc.Register("echo", map[string]Handler{
		"ping": Func(func(_ context.Context, args pingArgs) (string, error) {
			return args.Msg, nil
		}),
		"fail": func(context.Context, json.RawMessage) (any, error) {
			return nil, errors.New("disk on fire")
		},
		"panic": func(context.Context, json.RawMessage) (any, error) {
			panic("boom")
		},
		"strict": func(context.Context, json.RawMessage) (any, error) {
			return nil, ErrWrongFormat
		},
		"raw": func(_ context.Context, args json.RawMessage) (any, error) {
			return args, nil
		},
	})
	return svc
}

func TestNewDefaults(t *testing.T) {
	t.Setenv("RPCHOST", "")
	s := New()
	assert.Equal(t, "127.0.0.1:2474", s.addr)
	assert.Equal(t, DefaultReconnectDelay, s.delay)
	assert.Equal(t, -1, s.maxRetries)

	t.Setenv("RPCHOST", "broker.internal:9000")
	assert.Equal(t, "broker.internal:9000", New().addr)
	assert.Equal(t, "elsewhere:1", New(WithAddr("elsewhere:1")).addr)
}

func TestRegisterListsNamespaces(t *testing.T) {
	s := New(WithLogger(testLogger()))
	noop := func(context.Context, json.RawMessage) (any, error) { return nil, nil }
	s.Register("chat", map[string]Handler{"send": noop, "join": noop})
	s.Handle("file", "get", noop)

	assert.Equal(t, map[string][]string{
		"chat": {"join", "send"},
		"file": {"get"},
	}, s.Namespaces())
}

func TestFuncRejectsBadArguments(t *testing.T) {
	h := Func(func(_ context.Context, args pingArgs) (string, error) { return args.Msg, nil })

	res, err := h(context.Background(), json.RawMessage(`{"msg":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "hi", res)

	_, err = h(context.Background(), json.RawMessage(`[1,2,3]`))
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestEchoEndToEnd(t *testing.T) {
	_, addr := startBroker(t)
	svc := newEchoService(addr)
	runService(t, svc)
	c := dialClient(t, addr)

	out, err := c.call("echo", "ping", pingArgs{Msg: "hello"})
	require.NoError(t, err)
	assert.JSONEq(t, `"hello"`, string(out))

	out, err = c.call("echo", "raw", json.RawMessage(`{"a":[1,2]}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":[1,2]}`, string(out))
}

func TestHandlerFailuresBecomeErrorReplies(t *testing.T) {
	_, addr := startBroker(t)
	runService(t, newEchoService(addr))
	c := dialClient(t, addr)

	_, err := c.call("echo", "fail", nil)
	assert.ErrorIs(t, err, domain.ErrRemoteHandler)
	assert.Contains(t, err.Error(), "disk on fire")

	_, err = c.call("echo", "panic", nil)
	assert.ErrorIs(t, err, domain.ErrRemoteHandler)
	assert.Contains(t, err.Error(), "boom")

	_, err = c.call("echo", "strict", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = c.call("echo", "ping", json.RawMessage(`"not an object"`))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = c.call("echo", "missing", nil)
	assert.ErrorIs(t, err, domain.ErrServiceNotFound)

	out, err := c.call("echo", "ping", pingArgs{Msg: "still alive"})
	require.NoError(t, err)
	assert.JSONEq(t, `"still alive"`, string(out))
}

func TestUnknownMethodAnsweredByService(t *testing.T) {
	svc := newEchoService("127.0.0.1:0")

	rec := &recordingSender{}
	svc.dispatch(context.Background(), rec, domain.CallFrame("echo", "nope", nil, "j1"))
	require.Len(t, rec.frames, 1)
	assert.Equal(t, domain.RemoteNoSuchService, rec.frames[0].Error)
	assert.Equal(t, "j1", rec.frames[0].JobID)
}

type recordingSender struct {
	frames []domain.Frame
}

func (r *recordingSender) Send(f domain.Frame) error {
	r.frames = append(r.frames, f)
	return nil
}

func TestCallsAreDispatchedConcurrently(t *testing.T) {
	_, addr := startBroker(t)
	release := make(chan struct{})
	svc := New(WithAddr(addr), WithLogger(testLogger()))
	svc.Handle("work", "slow", func(ctx context.Context, _ json.RawMessage) (any, error) {
		select {
		case <-release:
			return "slow", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	svc.Handle("work", "fast", func(context.Context, json.RawMessage) (any, error) {
		return "fast", nil
	})
	runService(t, svc)
	c := dialClient(t, addr)

	slowDone := make(chan error, 1)
	go func() {
		_, err := c.call("work", "slow", nil)
		slowDone <- err
	}()

	out, err := c.call("work", "fast", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"fast"`, string(out))

	close(release)
	require.NoError(t, <-slowDone)
}

func TestReconnectAfterDisconnect(t *testing.T) {
	b, addr := startBroker(t)
	svc := newEchoService(addr, WithBackoff(300*time.Millisecond))
	runService(t, svc)

	c := dialClient(t, addr)
	_, err := c.call("echo", "ping", pingArgs{Msg: "before"})
	require.NoError(t, err)

	b.Shutdown()
	require.Eventually(t, func() bool { return !svc.Connected() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return b.Stats().Providers["echo"] == 1 && svc.Connected()
	}, 2*time.Second, 10*time.Millisecond)

	c = dialClient(t, addr)
	out, err := c.call("echo", "ping", pingArgs{Msg: "after"})
	require.NoError(t, err)
	assert.JSONEq(t, `"after"`, string(out))
}

func TestInFlightCallFailsOnProviderLoss(t *testing.T) {
	b, addr := startBroker(t)
	var started atomic.Bool
	svc := New(WithAddr(addr), WithLogger(testLogger()), WithBackoff(time.Hour))
	svc.Handle("hang", "forever", func(ctx context.Context, _ json.RawMessage) (any, error) {
		started.Store(true)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	runService(t, svc)

	waiter := dialClient(t, addr)
	errc := make(chan error, 1)
	go func() {
		_, err := waiter.call("hang", "forever", nil)
		errc <- err
	}()
	require.Eventually(t, started.Load, 2*time.Second, 10*time.Millisecond)

	b.Shutdown()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, domain.ErrTransport)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not failed")
	}
}

func TestServiceCallsAnotherService(t *testing.T) {
	_, addr := startBroker(t)
	runService(t, newEchoService(addr))

	front := New(WithAddr(addr), WithLogger(testLogger()), WithCallTimeout(2*time.Second))
	front.Handle("front", "relay", Func(func(ctx context.Context, args pingArgs) (json.RawMessage, error) {
		return front.Call(ctx, "echo", "ping", args)
	}))
	runService(t, front)

	c := dialClient(t, addr)
	out, err := c.call("front", "relay", pingArgs{Msg: "via front"})
	require.NoError(t, err)
	assert.JSONEq(t, `"via front"`, string(out))
}

func TestCallWhileDisconnected(t *testing.T) {
	s := New(WithLogger(testLogger()))
	_, err := s.Call(context.Background(), "echo", "ping", nil)
	assert.ErrorIs(t, err, domain.ErrTransport)
}

func TestRunGivesUpAfterMaxRetries(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	s := newEchoService(addr, WithBackoff(5*time.Millisecond), WithMaxRetries(2))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = s.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransport)
}

func TestRunStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	s := newEchoService(addr, WithBackoff(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// scriptedBroker accepts service connections and hands each one to the test
// as a wire.Conn so the frame order can be controlled.
func scriptedBroker(t *testing.T) (string, <-chan *wire.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	conns := make(chan *wire.Conn, 4)
	go func() {
		for {
			raw, err := ln.Accept()
			if err != nil {
				return
			}
			conns <- wire.New(raw, wire.WithLogger(testLogger()))
		}
	}()
	return ln.Addr().String(), conns
}

func TestCallBetweenHandshakeAcksIsServed(t *testing.T) {
	addr, conns := scriptedBroker(t)
	svc := New(WithAddr(addr), WithLogger(testLogger()), WithBackoff(20*time.Millisecond))
	ping := Func(func(_ context.Context, args pingArgs) (string, error) { return args.Msg, nil })
	svc.Register("a", map[string]Handler{"ping": ping})
	svc.Register("b", map[string]Handler{"ping": ping})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	var conn *wire.Conn
	select {
	case conn = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("service never dialed")
	}
	defer conn.Close()
	next, stop := iter.Pull(conn.Frames())
	defer stop()
	expectFrame := func() domain.Frame {
		t.Helper()
		f, ok := next()
		require.True(t, ok, "service closed the connection")
		return f
	}

	hs := expectFrame()
	require.Equal(t, "a", hs.Name)
	require.NoError(t, conn.Send(domain.AckFrame()))

	hs = expectFrame()
	require.Equal(t, "b", hs.Name)
	require.NoError(t, conn.Send(domain.CallFrame("a", "ping", json.RawMessage(`{"msg":"early"}`), "j1")))
	require.NoError(t, conn.Send(domain.AckFrame()))

	reply := expectFrame()
	assert.Equal(t, domain.FrameRespond, reply.Type)
	assert.Equal(t, "j1", reply.JobID)
	assert.JSONEq(t, `"early"`, string(reply.Data))

	require.Eventually(t, svc.Connected, time.Second, 5*time.Millisecond)
	select {
	case <-conns:
		t.Fatal("service reconnected after an early call")
	case <-time.After(150 * time.Millisecond):
	}
	assert.True(t, svc.Connected())
}
