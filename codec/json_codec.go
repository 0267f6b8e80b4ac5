package codec

import (
	"encoding/json"
	"fmt"
)

// JSONCodec serializes with the standard library's encoding/json.
// Pros: human-readable, easy to debug with any tooling.
// Cons: slower, larger payloads, and all numbers decode as float64.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return data, nil
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return nil
}

func (c *JSONCodec) Type() Type {
	return TypeJSON
}
