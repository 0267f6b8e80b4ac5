// Package codec provides the pluggable serialization layer for metabridge.
//
// Both ends of a deployment are configured with the same codec; the frame
// itself carries no codec marker. Msgpack is the default because it encodes
// the bridge's dynamically-typed args/kwargs values compactly and is readable
// from non-Go processes. JSON is available for debugging and interop.
package codec

import "errors"

type Type byte

const (
	TypeMsgpack Type = 0
	TypeJSON    Type = 1
)

// ErrSerialization reports a value that cannot be represented in the wire
// format (channels, funcs, cyclic structures, ...). It always fails at the
// call site before any bytes are sent, so the connection is unaffected.
var ErrSerialization = errors.New("serialization error")

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() Type
}

// GetCodec returns the codec implementation for the given type.
// Unknown types fall back to msgpack, the wire default.
func GetCodec(t Type) Codec {
	if t == TypeJSON {
		return &JSONCodec{}
	}
	return &MsgpackCodec{}
}
