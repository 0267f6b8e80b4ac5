package codec

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackCodec is the default wire codec. Msgpack preserves the distinction
// between strings, binary blobs, integers and floats that JSON loses, and it
// round-trips nested []any / map[string]any values without schema knowledge.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return data, nil
}

func (c *MsgpackCodec) Decode(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return nil
}

func (c *MsgpackCodec) Type() Type {
	return TypeMsgpack
}
