package net

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestMessageManagerCoreSet(t *testing.T) {
	m := NewMessageManager()

	info, ok := m.Info(RmiNotifyServerConnectionHint)
	require.True(t, ok)
	assert.Equal(t, "NotifyServerConnectionHint", info.Name)
	assert.True(t, info.PreHandshake)

	info, ok = m.InfoByName("RelayRequest")
	require.True(t, ok)
	assert.False(t, info.PreHandshake)
	assert.True(t, info.ID.IsCore())

	for _, info := range m.List() {
		assert.GreaterOrEqual(t, info.ID, CoreRmiBase, info.Name)
	}
}

func TestMessageManagerRegister(t *testing.T) {
	m := NewMessageManager()
	require.NoError(t, RegisterType[wrapperspb.StringValue](m, 10, "Chat"))

	assert.Error(t, RegisterType[wrapperspb.Int32Value](m, 10, "Score"), "duplicate id")
	assert.Error(t, RegisterType[wrapperspb.StringValue](m, 11, "Chat2"), "duplicate type")
	assert.Error(t, RegisterType[wrapperspb.Int32Value](m, 12, "Chat"), "duplicate name")
	assert.Error(t, RegisterType[wrapperspb.Int32Value](m, CoreRmiBase+500, "Score"), "core range")
	assert.Error(t, m.Register(13, "", func() any { return &wrapperspb.BoolValue{} }))
	assert.Error(t, m.Register(13, "Nil", func() any { return nil }))

	id, ok := IDOf[wrapperspb.StringValue](m)
	require.True(t, ok)
	assert.Equal(t, RmiID(10), id)
	_, ok = IDOf[wrapperspb.BytesValue](m)
	assert.False(t, ok)
}

func TestMessageManagerMarshal(t *testing.T) {
	m := NewMessageManager()
	require.NoError(t, RegisterType[wrapperspb.StringValue](m, 0x0102, "Chat"))

	b, err := m.Marshal(wrapperspb.String("gg"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x01}, b[:2])

	info, msg, err := m.Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, "Chat", info.Name)
	assert.Equal(t, "gg", msg.(*wrapperspb.StringValue).GetValue())

	_, err = m.Marshal(wrapperspb.Int64(1))
	assert.Error(t, err)
}

func TestMessageManagerUnmarshalErrors(t *testing.T) {
	m := NewMessageManager()

	_, _, err := m.Unmarshal([]byte{0x01})
	assert.Equal(t, FaultProtocol, FaultKindOf(err), "short header")

	_, _, err = m.Unmarshal([]byte{0x34, 0x12})
	assert.Equal(t, FaultProtocol, FaultKindOf(err), "unknown id")

	b, err := m.Marshal(&ReliablePing{ClientTimeMs: 1})
	require.NoError(t, err)
	_, _, err = m.Unmarshal(append(b, 0xff))
	assert.Equal(t, FaultProtocol, FaultKindOf(err), "trailing bytes")
	_, _, err = m.Unmarshal(b[:len(b)-1])
	assert.Equal(t, FaultProtocol, FaultKindOf(err), "truncated body")
}

func TestRelayRequestTargetBound(t *testing.T) {
	w := NewWriter(16)
	w.WriteScalar(maxRelayTargets + 1)
	var m RelayRequest
	assert.Error(t, m.UnmarshalBinary(w.Bytes()))

	w = NewWriter(16)
	w.WriteScalar(3)
	w.WriteHostID(1)
	assert.Error(t, m.UnmarshalBinary(w.Bytes()))
}
