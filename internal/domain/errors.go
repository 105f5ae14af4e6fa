package domain

import (
	"errors"
	"fmt"
)

// Fabric errors. Remote failures are mapped onto these by the correlator so
// callers can use errors.Is regardless of which hop produced them.
var (
	ErrProtocol          = fmt.Errorf("protocol error")
	ErrServiceNotFound   = fmt.Errorf("no such service")
	ErrInvalidArgument   = fmt.Errorf("invalid argument")
	ErrRemoteHandler     = fmt.Errorf("remote handler failed")
	ErrUnknownRemote     = fmt.Errorf("unknown remote error")
	ErrTransport         = fmt.Errorf("transport closed")
	ErrProviderGone      = fmt.Errorf("provider disconnected")
	ErrTimeout           = fmt.Errorf("operation timed out")
	ErrProviderNotFound  = fmt.Errorf("oauth provider not found")
	ErrRateLimit         = fmt.Errorf("rate limit exceeded")
	ErrReservedNamespace = fmt.Errorf("namespace is reserved")
)

// Gateway errors.
var (
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrGatewayAuthFailed = fmt.Errorf("gateway authentication failed")
)

// Local guard errors. These never reach the network.
var (
	ErrNotAuthorized     = fmt.Errorf("not authorized")
	ErrChatNotJoined     = fmt.Errorf("chat not joined")
	ErrChatAlreadyJoined = fmt.Errorf("chat already joined")
	ErrPermissionDenied  = fmt.Errorf("permission denied")
	ErrLoginFailed       = fmt.Errorf("login failed")
)

// Reply strings carried in the "error" field of respond frames.
const (
	RemoteNoSuchService     = "no such service"
	RemoteInvalidDataType   = "invalid request data type"
	RemoteWrongFormat       = "wrong format"
	RemoteServerError       = "server error"
	RemoteTransportError    = "transport error"
	RemoteHandshakeRequired = "handshake required"
	RemoteNotJSON           = "not json"
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Correlator.Call")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail, often a remote stack trace
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// RemoteError maps the error string of a respond frame onto a DomainError.
// detail is the diagnostic payload the peer attached, if any.
func RemoteError(op, remote, detail string) *DomainError {
	switch remote {
	case RemoteNoSuchService:
		return NewDomainError(op, ErrServiceNotFound, detail)
	case RemoteInvalidDataType, RemoteWrongFormat:
		return NewDomainError(op, ErrInvalidArgument, remote)
	case RemoteServerError:
		return NewDomainError(op, ErrRemoteHandler, detail)
	case RemoteTransportError:
		return NewDomainError(op, ErrProviderGone, detail)
	case RemoteHandshakeRequired:
		return NewDomainError(op, ErrProtocol, remote)
	default:
		if detail == "" {
			detail = remote
		} else {
			detail = remote + ": " + detail
		}
		return NewDomainError(op, ErrUnknownRemote, detail)
	}
}

// IsRetryableError reports whether err may succeed after the broker
// connection has been re-established. A provider lost behind a live broker
// (ErrProviderGone) is not a link failure.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrTransport)
}

// ErrorCode is a machine-parseable error category for gateway replies and logs.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeProtocol         ErrorCode = "PROTOCOL"
	CodeServiceNotFound  ErrorCode = "SERVICE_NOT_FOUND"
	CodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	CodeRemoteHandler    ErrorCode = "REMOTE_HANDLER"
	CodeUnknownRemote    ErrorCode = "UNKNOWN_REMOTE"
	CodeTransport        ErrorCode = "TRANSPORT"
	CodeProviderGone     ErrorCode = "PROVIDER_GONE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeProviderNotFound ErrorCode = "PROVIDER_NOT_FOUND"
	CodeRateLimit        ErrorCode = "RATE_LIMIT"
	CodeReserved         ErrorCode = "RESERVED_NAMESPACE"
	CodeNotAuthorized    ErrorCode = "NOT_AUTHORIZED"
	CodeChatNotJoined    ErrorCode = "CHAT_NOT_JOINED"
	CodeChatJoined       ErrorCode = "CHAT_ALREADY_JOINED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeLoginFailed      ErrorCode = "LOGIN_FAILED"
	CodeMethodNotFound   ErrorCode = "METHOD_NOT_FOUND"
	CodeAuthFailed       ErrorCode = "AUTH_FAILED"
)

var errorCodeMap = map[error]ErrorCode{
	ErrProtocol:          CodeProtocol,
	ErrServiceNotFound:   CodeServiceNotFound,
	ErrInvalidArgument:   CodeInvalidArgument,
	ErrRemoteHandler:     CodeRemoteHandler,
	ErrUnknownRemote:     CodeUnknownRemote,
	ErrTransport:         CodeTransport,
	ErrProviderGone:      CodeProviderGone,
	ErrTimeout:           CodeTimeout,
	ErrProviderNotFound:  CodeProviderNotFound,
	ErrRateLimit:         CodeRateLimit,
	ErrReservedNamespace: CodeReserved,
	ErrNotAuthorized:     CodeNotAuthorized,
	ErrChatNotJoined:     CodeChatNotJoined,
	ErrChatAlreadyJoined: CodeChatJoined,
	ErrPermissionDenied:  CodePermissionDenied,
	ErrLoginFailed:       CodeLoginFailed,
	ErrRPCMethodNotFound: CodeMethodNotFound,
	ErrGatewayAuthFailed: CodeAuthFailed,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
