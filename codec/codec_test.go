package codec

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type point struct{ x, y uint16 }

func (p *point) MarshalBinary() ([]byte, error) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b, p.x)
	binary.LittleEndian.PutUint16(b[2:], p.y)
	return b, nil
}

func (p *point) UnmarshalBinary(b []byte) error {
	if len(b) != 4 {
		return errors.New("bad point")
	}
	p.x = binary.LittleEndian.Uint16(b)
	p.y = binary.LittleEndian.Uint16(b[2:])
	return nil
}

func TestProtoRoundTrip(t *testing.T) {
	prefix := []byte{0xAA}
	out, err := Encode(wrapperspb.String("lobby"), prefix)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAA), out[0])

	var got wrapperspb.StringValue
	require.NoError(t, Decode(&got, out[1:]))
	assert.Equal(t, "lobby", got.GetValue())
}

func TestBinaryRoundTrip(t *testing.T) {
	out, err := Encode(&point{3, 4}, nil)
	require.NoError(t, err)

	var got point
	require.NoError(t, Decode(&got, out))
	assert.Equal(t, point{3, 4}, got)
	assert.Error(t, Decode(&got, out[:3]))
}

func TestUnsupported(t *testing.T) {
	_, err := Encode(42, nil)
	assert.Error(t, err)
	assert.Error(t, Decode(new(int), nil))
}

func TestCodecNotInit(t *testing.T) {
	SetCodec(nil)
	defer SetCodec(&DefaultCodec{})

	_, err := Encode(wrapperspb.Bool(true), nil)
	assert.ErrorIs(t, err, errCodecNotInit)
	assert.ErrorIs(t, Decode(&wrapperspb.BoolValue{}, nil), errCodecNotInit)
}
