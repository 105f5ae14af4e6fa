package domain

import "encoding/json"

// FrameType identifies the kind of frame exchanged with the broker.
type FrameType string

const (
	FrameHandshake FrameType = "handshake"
	FrameCall      FrameType = "call"
	FrameRespond   FrameType = "respond"
	FrameError     FrameType = "error"
)

// Role is the identity a connection declares in its handshake.
type Role string

const (
	RoleClient  Role = "client"
	RoleService Role = "service"
)

// ResOK and ResError are the values of the "res" field.
const (
	ResOK    = "ok"
	ResError = "error"
)

// Frame is the newline-delimited JSON envelope spoken between clients,
// services and the broker. Which fields are set depends on Type.
type Frame struct {
	Type      FrameType       `json:"type,omitempty"`
	Role      Role            `json:"role,omitempty"`      // handshake
	Name      string          `json:"name,omitempty"`      // handshake: namespace
	Services  []string        `json:"services,omitempty"`  // handshake: method names
	Namespace string          `json:"namespace,omitempty"` // call
	Service   string          `json:"service,omitempty"`   // call: method name
	Data      json.RawMessage `json:"data,omitempty"`      // call args, respond result or diagnostic detail
	JobID     string          `json:"jobid,omitempty"`
	Res       string          `json:"res,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// IsResponse reports whether f resolves a pending job.
func (f Frame) IsResponse() bool {
	if f.JobID == "" {
		return false
	}
	return f.Type == FrameRespond || f.Res == ResError
}

// Failed reports whether a response frame carries an error.
func (f Frame) Failed() bool {
	return f.Error != "" || f.Res == ResError
}

// ClientHandshake returns the handshake a CLIENT connection opens with.
func ClientHandshake() Frame {
	return Frame{Type: FrameHandshake, Role: RoleClient}
}

// ServiceHandshake returns the handshake declaring one namespace and its methods.
func ServiceHandshake(namespace string, methods []string) Frame {
	return Frame{Type: FrameHandshake, Role: RoleService, Name: namespace, Services: methods}
}

// CallFrame builds a call for namespace/method.
func CallFrame(namespace, method string, args json.RawMessage, jobID string) Frame {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	return Frame{Type: FrameCall, Namespace: namespace, Service: method, Data: args, JobID: jobID}
}

// RespondFrame builds a successful reply. A nil result is sent as JSON null.
func RespondFrame(jobID string, result json.RawMessage) Frame {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return Frame{Type: FrameRespond, Data: result, JobID: jobID}
}

// HandlerErrorFrame builds the reply for a handler that failed inside a service.
func HandlerErrorFrame(jobID, detail string) Frame {
	data, _ := json.Marshal(detail)
	return Frame{Type: FrameRespond, Error: RemoteServerError, Data: data, JobID: jobID}
}

// ErrorFrame builds a job-level error reply such as "no such service".
func ErrorFrame(jobID, msg string) Frame {
	return Frame{Res: ResError, Error: msg, JobID: jobID}
}

// AckFrame is the reply to a successful handshake.
func AckFrame() Frame {
	return Frame{Res: ResOK}
}

// NotJSONFrame is sent back once per malformed line.
func NotJSONFrame() Frame {
	return Frame{Type: FrameError, Error: RemoteNotJSON}
}

// Detail extracts the diagnostic string attached to an error reply.
func (f Frame) Detail() string {
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(f.Data, &s); err == nil {
		return s
	}
	return string(f.Data)
}
