// Package codec encodes RMI payloads. Application messages are protobuf
// messages; the engine's own core messages implement the encoding binary
// marshaler interfaces.
package codec

import (
	"errors"
)

var (
	errCodecNotInit = errors.New("codec not init")

	_codec Codec = &DefaultCodec{}
)

// Codec encodes and decodes RMI payloads.
type Codec interface {
	Encode(m any, b []byte) ([]byte, error)
	Decode(a any, b []byte) error
}

// Encode appends the encoding of m to b.
func Encode(m any, b []byte) ([]byte, error) {
	if _codec == nil {
		return nil, errCodecNotInit
	}
	return _codec.Encode(m, b)
}

// Decode decodes b into a.
func Decode(a any, b []byte) error {
	if _codec == nil {
		return errCodecNotInit
	}
	return _codec.Decode(a, b)
}

// SetCodec replaces the process codec.
func SetCodec(c Codec) {
	_codec = c
}
