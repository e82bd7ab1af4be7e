package net

import (
	"bytes"
	"compress/zlib"
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoreCodec(t *testing.T) *CoreMessageCodec {
	t.Helper()
	c, err := NewCoreMessageCodec(DefaultOpcodes, 0)
	require.NoError(t, err)
	return c
}

func newTestCrypto(t *testing.T) *CryptoContext {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, SessionKeySize)
	c, err := NewCryptoContext(key)
	require.NoError(t, err)
	return c
}

// plainRmi returns an encoded Rmi envelope of exactly n bytes.
func plainRmi(c *CoreMessageCodec, n int) []byte {
	data := make([]byte, n-1)
	for i := range data {
		data[i] = byte(i % 7)
	}
	return c.Marshal(&RmiMessage{Data: data})
}

func TestOpcodeTableValidate(t *testing.T) {
	assert.NoError(t, DefaultOpcodes.Validate())

	dup := DefaultOpcodes
	dup.Compressed = dup.Rmi
	assert.Error(t, dup.Validate())

	_, err := NewCoreMessageCodec(dup, 0)
	assert.Error(t, err)
}

func TestCompressionThreshold(t *testing.T) {
	c := newTestCoreCodec(t)
	opts := SendOptions{Compress: true}

	t.Run("499 bytes stays rmi", func(t *testing.T) {
		plain := plainRmi(c, 499)
		out, err := c.EncodeBytes(plain, opts, nil)
		require.NoError(t, err)

		m, err := c.Unmarshal(out)
		require.NoError(t, err)
		assert.IsType(t, &RmiMessage{}, m)
		assert.Equal(t, plain, out)
	})

	t.Run("501 bytes compresses", func(t *testing.T) {
		plain := plainRmi(c, 501)
		out, err := c.EncodeBytes(plain, opts, nil)
		require.NoError(t, err)

		m, err := c.Unmarshal(out)
		require.NoError(t, err)
		cm, ok := m.(*CompressedMessage)
		require.True(t, ok, "got %T", m)
		assert.EqualValues(t, 501, cm.DecompressedLen)

		zr, err := zlib.NewReader(bytes.NewReader(cm.Data))
		require.NoError(t, err)
		inflated, err := io.ReadAll(zr)
		require.NoError(t, err)
		assert.Equal(t, plain, inflated)

		res, err := c.Decode(out, nil)
		require.NoError(t, err)
		assert.True(t, res.Compressed)
		assert.Equal(t, plain[1:], res.Message.(*RmiMessage).Data)
	})

	t.Run("compress flag off", func(t *testing.T) {
		plain := plainRmi(c, 2000)
		out, err := c.EncodeBytes(plain, SendPlain, nil)
		require.NoError(t, err)
		assert.Equal(t, plain, out)
	})
}

func TestEncryptDecrypt(t *testing.T) {
	crypt := newTestCrypto(t)

	payload := make([]byte, 1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	sealed, err := crypt.Encrypt(payload)
	require.NoError(t, err)
	assert.NotEqual(t, payload, sealed[len(sealed)-len(payload):])

	opened, err := crypt.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, payload, opened)

	sealed[len(sealed)-1] ^= 0x01
	_, err = crypt.Decrypt(sealed)
	var ce *CryptoError
	assert.ErrorAs(t, err, &ce)
}

func TestEncodeDecodeLayers(t *testing.T) {
	c := newTestCoreCodec(t)
	crypt := newTestCrypto(t)

	rmi := bytes.Repeat([]byte("payload-"), 200)
	out, err := c.EncodeRmi(rmi, SendSecure, crypt)
	require.NoError(t, err)

	outer, err := c.Unmarshal(out)
	require.NoError(t, err)
	em, ok := outer.(*EncryptedReliableMessage)
	require.True(t, ok)
	assert.Equal(t, EncryptModeSecure, em.Mode)

	res, err := c.Decode(out, crypt)
	require.NoError(t, err)
	assert.True(t, res.Encrypted)
	assert.True(t, res.Compressed)
	assert.Equal(t, rmi, res.Message.(*RmiMessage).Data)

	_, err = c.EncodeRmi(rmi, SendSecure, nil)
	assert.ErrorIs(t, err, ErrNoCryptoContext)
}

func TestDecodeFailures(t *testing.T) {
	c := newTestCoreCodec(t)
	crypt := newTestCrypto(t)

	t.Run("unknown opcode", func(t *testing.T) {
		_, err := c.Decode([]byte{0x7F, 1, 2}, nil)
		assert.Equal(t, FaultProtocol, FaultKindOf(err))
	})

	t.Run("empty", func(t *testing.T) {
		_, err := c.Decode(nil, nil)
		assert.Equal(t, FaultProtocol, FaultKindOf(err))
	})

	t.Run("length mismatch", func(t *testing.T) {
		plain := plainRmi(c, 800)
		data, err := deflate(plain)
		require.NoError(t, err)

		for _, claimed := range []uint32{799, 801} {
			out := c.Marshal(&CompressedMessage{DecompressedLen: claimed, Data: data})
			_, err = c.Decode(out, nil)
			var pe *ProtocolError
			require.ErrorAs(t, err, &pe, "claimed %d", claimed)
			assert.ErrorIs(t, err, errLengthMismatch)
		}
	})

	t.Run("claimed length over limit", func(t *testing.T) {
		small, err := NewCoreMessageCodec(DefaultOpcodes, 1024)
		require.NoError(t, err)
		out := small.Marshal(&CompressedMessage{DecompressedLen: 1 << 30, Data: []byte{1}})
		_, err = small.Decode(out, nil)
		assert.Equal(t, FaultProtocol, FaultKindOf(err))
	})

	t.Run("decrypt failure", func(t *testing.T) {
		out, err := c.EncodeRmi([]byte("secret"), SendOptions{Encrypt: true}, crypt)
		require.NoError(t, err)
		out[len(out)-1] ^= 0xFF
		_, err = c.Decode(out, crypt)
		assert.Equal(t, FaultCrypto, FaultKindOf(err))
	})

	t.Run("encrypted without context", func(t *testing.T) {
		out, err := c.EncodeRmi([]byte("secret"), SendOptions{Encrypt: true}, crypt)
		require.NoError(t, err)
		_, err = c.Decode(out, nil)
		assert.Equal(t, FaultCrypto, FaultKindOf(err))
	})

	t.Run("nested encryption", func(t *testing.T) {
		inner, err := c.EncodeRmi([]byte("x"), SendOptions{Encrypt: true}, crypt)
		require.NoError(t, err)
		outer, err := c.EncodeBytes(inner, SendOptions{Encrypt: true}, crypt)
		require.NoError(t, err)
		_, err = c.Decode(outer, crypt)
		assert.Equal(t, FaultProtocol, FaultKindOf(err))
	})

	t.Run("mode none", func(t *testing.T) {
		out := c.Marshal(&EncryptedReliableMessage{Mode: EncryptModeNone, Data: c.Marshal(&RmiMessage{})})
		_, err := c.Decode(out, crypt)
		assert.Equal(t, FaultProtocol, FaultKindOf(err))
	})

	t.Run("trailing bytes", func(t *testing.T) {
		out := c.Marshal(&ReliableUdpFrameMessage{Tag: 1, Data: []byte{1}})
		out = append(out, 0)
		_, err := c.Decode(out, nil)
		assert.Equal(t, FaultProtocol, FaultKindOf(err))
	})
}

func TestReliableUdpFrameIsReturned(t *testing.T) {
	c := newTestCoreCodec(t)
	inner := c.Marshal(&RmiMessage{Data: []byte{9, 9}})
	out := c.Marshal(&ReliableUdpFrameMessage{Tag: 3, Data: inner})

	res, err := c.Decode(out, nil)
	require.NoError(t, err)
	f, ok := res.Message.(*ReliableUdpFrameMessage)
	require.True(t, ok)
	assert.EqualValues(t, 3, f.Tag)
	assert.Equal(t, inner, f.Data)
}

func TestKeyExchange(t *testing.T) {
	server, err := GenerateKeyPair()
	require.NoError(t, err)
	client, err := GenerateKeyPair()
	require.NoError(t, err)

	salt := []byte("session-guid")
	k1, err := server.DeriveSessionKey(client.Public[:], salt)
	require.NoError(t, err)
	k2, err := client.DeriveSessionKey(server.Public[:], salt)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	sc, err := server.DeriveContext(client.Public[:], salt)
	require.NoError(t, err)
	cc, err := client.DeriveContext(server.Public[:], salt)
	require.NoError(t, err)

	sealed, err := cc.Encrypt([]byte("ping"))
	require.NoError(t, err)
	opened, err := sc.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(opened))

	_, err = server.DeriveSessionKey([]byte{1, 2, 3}, salt)
	assert.Error(t, err)

	sc.Release()
	_, err = sc.Encrypt([]byte("after release"))
	assert.Equal(t, FaultCrypto, FaultKindOf(err))
}
