package message

import (
	"errors"
	"fmt"
)

// Error kinds carried in ErrorDescriptor.Kind. The client reconstructs a
// local RemoteError with the same kind, so callers can branch on the remote
// failure class without ever seeing remote stack state.
const (
	KindServiceNotFound  = "ServiceNotFoundError"
	KindPoolExhausted    = "PoolExhaustedError"
	KindProtocol         = "ProtocolError"
	KindSerialization    = "SerializationError"
	KindEndpointNotFound = "EndpointNotFoundError"
	KindConstructor      = "ConstructorError"
	KindRemoteExecution  = "RemoteExecutionError"
	KindRateLimit        = "RateLimitError"
	KindTimeout          = "TimeoutError"
)

// RemoteError is the local reconstruction of a remote ErrorDescriptor.
type RemoteError struct {
	Kind    string
	Message string
	Detail  any
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is lets errors.Is match two RemoteErrors by kind, so callers can compare
// against &RemoteError{Kind: KindEndpointNotFound} without caring about the
// message text.
func (e *RemoteError) Is(target error) bool {
	t, ok := target.(*RemoteError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// AsRemoteError converts a wire descriptor into a local error value.
func (d *ErrorDescriptor) AsRemoteError() *RemoteError {
	return &RemoteError{Kind: d.Kind, Message: d.Message, Detail: d.Detail}
}

// IsKind reports whether err is (or wraps) a RemoteError of the given kind.
func IsKind(err error, kind string) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Kind == kind
}
