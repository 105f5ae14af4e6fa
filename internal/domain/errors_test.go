package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Correlator.Call", ErrRemoteHandler, "Traceback: boom")
	want := "Correlator.Call: Traceback: boom: remote handler failed"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Client.ChatQuit", ErrChatNotJoined, "")
	want := "Client.ChatQuit: chat not joined"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Broker.route", ErrServiceNotFound, "echo/ping")
	if !errors.Is(err, ErrServiceNotFound) {
		t.Error("errors.Is should match ErrServiceNotFound")
	}
}

func TestWrapOp(t *testing.T) {
	assert.NoError(t, WrapOp("op", nil))
	err := WrapOp("Exchanger.Connect", ErrTransport)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, "Exchanger.Connect: transport closed", err.Error())
}

func TestRemoteError(t *testing.T) {
	tests := []struct {
		remote string
		detail string
		want   error
	}{
		{RemoteNoSuchService, "", ErrServiceNotFound},
		{RemoteInvalidDataType, "", ErrInvalidArgument},
		{RemoteWrongFormat, "", ErrInvalidArgument},
		{RemoteServerError, "Traceback", ErrRemoteHandler},
		{RemoteTransportError, "", ErrProviderGone},
		{RemoteHandshakeRequired, "", ErrProtocol},
		{"quota exceeded", "", ErrUnknownRemote},
	}
	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			err := RemoteError("op", tt.remote, tt.detail)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRemoteErrorKeepsDetail(t *testing.T) {
	err := RemoteError("op", RemoteServerError, "ZeroDivisionError")
	assert.Equal(t, "ZeroDivisionError", err.Detail)

	err = RemoteError("op", "weird", "stack")
	assert.Equal(t, "weird: stack", err.Detail)

	err = RemoteError("op", "weird", "")
	assert.Equal(t, "weird", err.Detail)
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(fmt.Errorf("call: %w", ErrTransport)))
	assert.False(t, IsRetryableError(ErrServiceNotFound))
	assert.False(t, IsRetryableError(RemoteError("call", RemoteTransportError, "")))
}

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeServiceNotFound, ErrorCodeOf(ErrServiceNotFound))
	assert.Equal(t, CodeNotAuthorized, ErrorCodeOf(ErrNotAuthorized))
	assert.Equal(t, CodeTimeout, ErrorCodeOf(ErrTimeout))
}

func TestErrorCodeOf_DomainError(t *testing.T) {
	err := NewDomainError("Client.Send", ErrChatNotJoined, "chat 4")
	assert.Equal(t, CodeChatNotJoined, ErrorCodeOf(err))
	assert.Equal(t, CodeChatNotJoined, err.Code())
}

func TestErrorCodeOf_WrappedError(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", NewDomainError("x", ErrTransport, ""))
	assert.Equal(t, CodeTransport, ErrorCodeOf(wrapped))
}

func TestErrorCodeOf_UnknownError(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(fmt.Errorf("some random error")))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestAllSentinelsHaveCodes(t *testing.T) {
	for sentinel := range errorCodeMap {
		require.NotEqual(t, CodeUnknown, ErrorCodeOf(sentinel), sentinel.Error())
	}
}
