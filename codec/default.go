package codec

import (
	"encoding"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// DefaultCodec handles protobuf messages and binary (un)marshalers.
type DefaultCodec struct{}

// Encode appends the wire form of m to b.
func (c *DefaultCodec) Encode(m any, b []byte) ([]byte, error) {
	switch v := m.(type) {
	case proto.Message:
		return proto.MarshalOptions{}.MarshalAppend(b, v)
	case encoding.BinaryMarshaler:
		data, err := v.MarshalBinary()
		if err != nil {
			return nil, err
		}
		return append(b, data...), nil
	default:
		return nil, fmt.Errorf("codec: unsupported message type %T", m)
	}
}

// Decode parses b into a, which must be a pointer produced by a message factory.
func (c *DefaultCodec) Decode(a any, b []byte) error {
	switch v := a.(type) {
	case proto.Message:
		return proto.Unmarshal(b, v)
	case encoding.BinaryUnmarshaler:
		return v.UnmarshalBinary(b)
	default:
		return fmt.Errorf("codec: unsupported message type %T", a)
	}
}
