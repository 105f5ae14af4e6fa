package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vcc-rpc/internal/domain"
)

type chanSender struct {
	frames chan domain.Frame
	err    error
}

func newChanSender() *chanSender {
	return &chanSender{frames: make(chan domain.Frame, 64)}
}

func (s *chanSender) Send(f domain.Frame) error {
	if s.err != nil {
		return s.err
	}
	s.frames <- f
	return nil
}

func (s *chanSender) next(t *testing.T) domain.Frame {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame sent")
		return domain.Frame{}
	}
}

func newTestCorrelator(s Sender, opts ...Option) *Correlator {
	return New(s, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

type callResult struct {
	data json.RawMessage
	err  error
}

func goCall(ctx context.Context, c *Correlator, ns, method string, args any) <-chan callResult {
	out := make(chan callResult, 1)
	go func() {
		data, err := c.Call(ctx, ns, method, args)
		out <- callResult{data, err}
	}()
	return out
}

func TestCallSendsCallFrame(t *testing.T) {
	s := newChanSender()
	c := newTestCorrelator(s)

	res := goCall(context.Background(), c, "echo", "ping", map[string]string{"msg": "hi"})
	f := s.next(t)

	assert.Equal(t, domain.FrameCall, f.Type)
	assert.Equal(t, "echo", f.Namespace)
	assert.Equal(t, "ping", f.Service)
	assert.JSONEq(t, `{"msg":"hi"}`, string(f.Data))
	assert.NotEmpty(t, f.JobID)

	require.True(t, c.Resolve(domain.RespondFrame(f.JobID, json.RawMessage(`"hi"`))))
	r := <-res
	require.NoError(t, r.err)
	assert.JSONEq(t, `"hi"`, string(r.data))
	assert.Zero(t, c.Pending())
}

func TestOutOfOrderResponses(t *testing.T) {
	s := newChanSender()
	c := newTestCorrelator(s)

	const n = 5
	results := make([]<-chan callResult, n)
	byArg := map[string]string{}
	for i := range n {
		results[i] = goCall(context.Background(), c, "echo", "ping", map[string]int{"i": i})
	}
	frames := make([]domain.Frame, 0, n)
	for range n {
		f := s.next(t)
		frames = append(frames, f)
		byArg[f.JobID] = string(f.Data)
	}
	require.Equal(t, n, c.Pending())

	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		require.True(t, c.Resolve(domain.RespondFrame(f.JobID, json.RawMessage(f.Data))))
	}

	for i, ch := range results {
		r := <-ch
		require.NoError(t, r.err)
		assert.JSONEq(t, fmt.Sprintf(`{"i":%d}`, i), string(r.data))
	}
	assert.Len(t, byArg, n, "job ids must be unique")
}

func TestResolveTwiceIsDropped(t *testing.T) {
	s := newChanSender()
	c := newTestCorrelator(s)

	res := goCall(context.Background(), c, "a", "b", nil)
	f := s.next(t)

	assert.True(t, c.Resolve(domain.RespondFrame(f.JobID, json.RawMessage(`1`))))
	assert.False(t, c.Resolve(domain.RespondFrame(f.JobID, json.RawMessage(`2`))))
	assert.False(t, c.Resolve(domain.RespondFrame("unknown", nil)))

	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, "1", string(r.data))
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name  string
		frame func(id string) domain.Frame
		want  error
	}{
		{"no such service", func(id string) domain.Frame { return domain.ErrorFrame(id, domain.RemoteNoSuchService) }, domain.ErrServiceNotFound},
		{"invalid data type", func(id string) domain.Frame { return domain.ErrorFrame(id, domain.RemoteInvalidDataType) }, domain.ErrInvalidArgument},
		{"wrong format", func(id string) domain.Frame { return domain.ErrorFrame(id, domain.RemoteWrongFormat) }, domain.ErrInvalidArgument},
		{"server error", func(id string) domain.Frame { return domain.HandlerErrorFrame(id, "trace") }, domain.ErrRemoteHandler},
		{"provider died", func(id string) domain.Frame { return domain.ErrorFrame(id, domain.RemoteTransportError) }, domain.ErrProviderGone},
		{"unknown", func(id string) domain.Frame { return domain.ErrorFrame(id, "disk full") }, domain.ErrUnknownRemote},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newChanSender()
			c := newTestCorrelator(s)
			res := goCall(context.Background(), c, "ns", "m", nil)
			f := s.next(t)
			c.Resolve(tt.frame(f.JobID))
			r := <-res
			assert.ErrorIs(t, r.err, tt.want)
		})
	}
}

func TestRemoteHandlerDetailSurfaced(t *testing.T) {
	s := newChanSender()
	c := newTestCorrelator(s)
	res := goCall(context.Background(), c, "ns", "m", nil)
	f := s.next(t)
	c.Resolve(domain.HandlerErrorFrame(f.JobID, "ZeroDivisionError"))

	r := <-res
	var de *domain.DomainError
	require.True(t, errors.As(r.err, &de))
	assert.Equal(t, "ZeroDivisionError", de.Detail)
}

func TestFailAllFailsPendingAndLaterCalls(t *testing.T) {
	s := newChanSender()
	c := newTestCorrelator(s)

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Call(context.Background(), "ns", "m", nil)
			errs <- err
		}()
	}
	for range 3 {
		s.next(t)
	}
	c.FailAll(nil)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, domain.ErrTransport)
	}

	_, err := c.Call(context.Background(), "ns", "m", nil)
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.Zero(t, c.Pending())
}

func TestTimeoutDiscardsJob(t *testing.T) {
	s := newChanSender()
	c := newTestCorrelator(s, WithTimeout(50*time.Millisecond))

	res := goCall(context.Background(), c, "slow", "m", nil)
	f := s.next(t)

	r := <-res
	assert.ErrorIs(t, r.err, domain.ErrTimeout)
	assert.Zero(t, c.Pending())
	assert.False(t, c.Resolve(domain.RespondFrame(f.JobID, nil)), "late response must be dropped")
}

func TestCancelledContext(t *testing.T) {
	s := newChanSender()
	c := newTestCorrelator(s)
	ctx, cancel := context.WithCancel(context.Background())

	res := goCall(ctx, c, "ns", "m", nil)
	s.next(t)
	cancel()

	r := <-res
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.Zero(t, c.Pending())
}

func TestSendFailureIsTransportError(t *testing.T) {
	s := newChanSender()
	s.err = io.ErrClosedPipe
	c := newTestCorrelator(s)

	_, err := c.Call(context.Background(), "ns", "m", nil)
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.Zero(t, c.Pending())
}

func TestBadArgsAreInvalidArgument(t *testing.T) {
	c := newTestCorrelator(newChanSender())
	_, err := c.Call(context.Background(), "ns", "m", map[string]any{"f": func() {}})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestCustomIDFunc(t *testing.T) {
	s := newChanSender()
	c := newTestCorrelator(s, WithIDFunc(func() string { return "fixed" }))
	res := goCall(context.Background(), c, "ns", "m", nil)
	f := s.next(t)
	assert.Equal(t, "fixed", f.JobID)
	c.Resolve(domain.RespondFrame("fixed", nil))
	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, "null", string(r.data))
}
