// Package message defines the RPC envelope exchanged between client and server.
//
// Request and Response are the structures serialized by the codec layer and
// wrapped in a protocol frame for transmission over TCP. A Response correlates
// 1:1 with a Request on the same connection via CallID.
package message

// Operations carried in Request.Op.
const (
	OpCall      = "call"      // invoke an endpoint
	OpEndpoints = "endpoints" // list the service's endpoint names
)

// Response status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request carries one RPC invocation.
//
// Args and Kwargs are the call arguments; Go has no keyword arguments, so
// kwargs travel as a string-keyed map alongside the positional slice,
// preserving the wire contract for non-Go peers. CtorArgs/CtorKwargs select
// (and, on first use, construct) the server-side service instance that
// handles the call; they ride on every request so any pooled connection can
// serve any proxy.
type Request struct {
	CallID     uint64         `json:"call_id" msgpack:"call_id"`
	Op         string         `json:"op" msgpack:"op"`
	Endpoint   string         `json:"endpoint,omitempty" msgpack:"endpoint,omitempty"`
	Args       []any          `json:"args,omitempty" msgpack:"args,omitempty"`
	Kwargs     map[string]any `json:"kwargs,omitempty" msgpack:"kwargs,omitempty"`
	CtorArgs   []any          `json:"ctor_args,omitempty" msgpack:"ctor_args,omitempty"`
	CtorKwargs map[string]any `json:"ctor_kwargs,omitempty" msgpack:"ctor_kwargs,omitempty"`
}

// Response carries the outcome of one Request. CallID echoes the request.
// On StatusOK, Result holds the decoded payload and Error is nil; on
// StatusError, Error describes the failure and Result is nil.
type Response struct {
	CallID uint64           `json:"call_id" msgpack:"call_id"`
	Status string           `json:"status" msgpack:"status"`
	Result any              `json:"result" msgpack:"result"`
	Error  *ErrorDescriptor `json:"error,omitempty" msgpack:"error,omitempty"`
}

// ErrorDescriptor is the reproducible remote-error payload: kind + message +
// optional structured detail, never raw stack state.
type ErrorDescriptor struct {
	Kind    string `json:"kind" msgpack:"kind"`
	Message string `json:"message" msgpack:"message"`
	Detail  any    `json:"detail,omitempty" msgpack:"detail,omitempty"`
}

// NewOKResponse builds a success response echoing callID.
func NewOKResponse(callID uint64, result any) *Response {
	return &Response{CallID: callID, Status: StatusOK, Result: result}
}

// NewErrorResponse builds an error response echoing callID.
func NewErrorResponse(callID uint64, kind, msg string) *Response {
	return &Response{
		CallID: callID,
		Status: StatusError,
		Error:  &ErrorDescriptor{Kind: kind, Message: msg},
	}
}

// NewErrorResponseDetail is NewErrorResponse with a structured detail value.
func NewErrorResponseDetail(callID uint64, kind, msg string, detail any) *Response {
	resp := NewErrorResponse(callID, kind, msg)
	resp.Error.Detail = detail
	return resp
}
