package net

import (
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
)

// Opcode is the leading byte of an encoded core message.
type Opcode uint8

// OpcodeTable assigns opcode bytes to the core message variants. The values
// are part of the wire contract with clients and are configurable.
type OpcodeTable struct {
	Rmi               Opcode `mapstructure:"rmi"`
	Compressed        Opcode `mapstructure:"compressed"`
	EncryptedReliable Opcode `mapstructure:"encryptedReliable"`
	ReliableUdpFrame  Opcode `mapstructure:"reliableUdpFrame"`
}

// DefaultOpcodes is used when no table is configured.
var DefaultOpcodes = OpcodeTable{
	Rmi:               0x01,
	ReliableUdpFrame:  0x02,
	EncryptedReliable: 0x25,
	Compressed:        0x26,
}

// Validate checks that the four opcodes are distinct.
func (t OpcodeTable) Validate() error {
	seen := map[Opcode]string{}
	for name, op := range map[string]Opcode{
		"rmi":               t.Rmi,
		"compressed":        t.Compressed,
		"encryptedReliable": t.EncryptedReliable,
		"reliableUdpFrame":  t.ReliableUdpFrame,
	} {
		if other, dup := seen[op]; dup {
			return fmt.Errorf("opcode 0x%02x used by both %s and %s", op, other, name)
		}
		seen[op] = name
	}
	return nil
}

// CoreMessage is one of RmiMessage, CompressedMessage,
// EncryptedReliableMessage or ReliableUdpFrameMessage.
type CoreMessage interface {
	coreMessage()
}

// RmiMessage carries an encoded RMI: u16 rmi id | payload.
type RmiMessage struct {
	Data []byte
}

// CompressedMessage carries a zlib stream of an encoded core message.
type CompressedMessage struct {
	DecompressedLen uint32
	Data            []byte
}

// EncryptedReliableMessage carries an encoded core message sealed with the
// session crypto context.
type EncryptedReliableMessage struct {
	Mode EncryptMode
	Data []byte
}

// ReliableUdpFrameMessage carries an encoded core message sent over UDP with a
// sequencing tag.
type ReliableUdpFrameMessage struct {
	Tag  uint8
	Data []byte
}

func (*RmiMessage) coreMessage()               {}
func (*CompressedMessage) coreMessage()        {}
func (*EncryptedReliableMessage) coreMessage() {}
func (*ReliableUdpFrameMessage) coreMessage()  {}

const (
	// CompressThreshold is the encoded size above which compression applies.
	CompressThreshold = 500

	maxEnvelopeDepth = 3
)

// SendOptions selects the envelope layers applied to an outgoing message.
type SendOptions struct {
	Compress bool
	Encrypt  bool
}

var (
	// SendPlain sends without compression or encryption.
	SendPlain = SendOptions{}
	// SendSecure compresses large messages and encrypts.
	SendSecure = SendOptions{Compress: true, Encrypt: true}
)

// CoreMessageCodec encodes and decodes core message envelopes.
type CoreMessageCodec struct {
	ops       OpcodeTable
	maxLength int
}

// NewCoreMessageCodec creates a codec. maxLength bounds the size a compressed
// message may claim when inflated.
func NewCoreMessageCodec(ops OpcodeTable, maxLength int) (*CoreMessageCodec, error) {
	if err := ops.Validate(); err != nil {
		return nil, err
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxFrameLength
	}
	return &CoreMessageCodec{ops: ops, maxLength: maxLength}, nil
}

// Opcodes returns the active opcode table.
func (c *CoreMessageCodec) Opcodes() OpcodeTable { return c.ops }

// Marshal writes a single envelope layer.
func (c *CoreMessageCodec) Marshal(m CoreMessage) []byte {
	switch v := m.(type) {
	case *RmiMessage:
		out := make([]byte, 0, 1+len(v.Data))
		out = append(out, byte(c.ops.Rmi))
		return append(out, v.Data...)
	case *CompressedMessage:
		w := NewWriter(1 + 4 + 5 + len(v.Data))
		w.WriteU8(uint8(c.ops.Compressed))
		w.WriteU32(v.DecompressedLen)
		w.WriteBytes(v.Data)
		return w.Bytes()
	case *EncryptedReliableMessage:
		w := NewWriter(1 + 1 + 5 + len(v.Data))
		w.WriteU8(uint8(c.ops.EncryptedReliable))
		w.WriteU8(uint8(v.Mode))
		w.WriteBytes(v.Data)
		return w.Bytes()
	case *ReliableUdpFrameMessage:
		w := NewWriter(1 + 1 + 5 + len(v.Data))
		w.WriteU8(uint8(c.ops.ReliableUdpFrame))
		w.WriteU8(v.Tag)
		w.WriteBytes(v.Data)
		return w.Bytes()
	default:
		panic(fmt.Sprintf("unknown core message %T", m))
	}
}

// Unmarshal parses a single envelope layer. Trailing bytes after a
// length-prefixed body are a protocol error.
func (c *CoreMessageCodec) Unmarshal(b []byte) (CoreMessage, error) {
	if len(b) == 0 {
		return nil, protocolErrorf("unmarshal", "empty core message")
	}
	op, body := Opcode(b[0]), b[1:]
	var m CoreMessage
	r := NewReader(body)
	switch op {
	case c.ops.Rmi:
		return &RmiMessage{Data: body}, nil
	case c.ops.Compressed:
		m = &CompressedMessage{DecompressedLen: r.ReadU32(), Data: r.ReadBytes()}
	case c.ops.EncryptedReliable:
		m = &EncryptedReliableMessage{Mode: EncryptMode(r.ReadU8()), Data: r.ReadBytes()}
	case c.ops.ReliableUdpFrame:
		m = &ReliableUdpFrameMessage{Tag: r.ReadU8(), Data: r.ReadBytes()}
	default:
		return nil, protocolErrorf("unmarshal", "unknown opcode 0x%02x", uint8(op))
	}
	if r.Err() != nil {
		return nil, &ProtocolError{Op: "unmarshal", Err: r.Err()}
	}
	if r.Remaining() != 0 {
		return nil, protocolErrorf("unmarshal", "%d trailing bytes", r.Remaining())
	}
	return m, nil
}

// EncodeRmi wraps an encoded RMI and applies opts.
func (c *CoreMessageCodec) EncodeRmi(rmi []byte, opts SendOptions, crypt *CryptoContext) ([]byte, error) {
	return c.Encode(&RmiMessage{Data: rmi}, opts, crypt)
}

// Encode marshals m, compresses the result when opts.Compress is set and it
// is longer than CompressThreshold, then encrypts when opts.Encrypt is set.
func (c *CoreMessageCodec) Encode(m CoreMessage, opts SendOptions, crypt *CryptoContext) ([]byte, error) {
	return c.EncodeBytes(c.Marshal(m), opts, crypt)
}

// EncodeBytes applies the layers of opts to an already marshaled core message.
func (c *CoreMessageCodec) EncodeBytes(plain []byte, opts SendOptions, crypt *CryptoContext) ([]byte, error) {
	if opts.Compress && len(plain) > CompressThreshold {
		data, err := deflate(plain)
		if err != nil {
			return nil, err
		}
		plain = c.Marshal(&CompressedMessage{DecompressedLen: uint32(len(plain)), Data: data})
	}

	if opts.Encrypt {
		if crypt == nil {
			return nil, ErrNoCryptoContext
		}
		data, err := crypt.Encrypt(plain)
		if err != nil {
			return nil, err
		}
		plain = c.Marshal(&EncryptedReliableMessage{Mode: EncryptModeSecure, Data: data})
	}
	return plain, nil
}

// DecodeResult is a fully unwrapped core message and the layers it came through.
type DecodeResult struct {
	Message    CoreMessage
	Encrypted  bool
	Compressed bool
}

// Decode unwraps encryption and compression layers until an RmiMessage or
// ReliableUdpFrameMessage is reached. Encryption may only be the outermost
// layer and each layer may appear once.
func (c *CoreMessageCodec) Decode(b []byte, crypt *CryptoContext) (DecodeResult, error) {
	var res DecodeResult
	for depth := 0; depth < maxEnvelopeDepth; depth++ {
		m, err := c.Unmarshal(b)
		if err != nil {
			return res, err
		}
		switch v := m.(type) {
		case *RmiMessage, *ReliableUdpFrameMessage:
			res.Message = m
			return res, nil
		case *EncryptedReliableMessage:
			if depth != 0 {
				return res, protocolErrorf("decode", "nested encrypted envelope")
			}
			if v.Mode != EncryptModeSecure {
				return res, protocolErrorf("decode", "unsupported encrypt mode %s", v.Mode)
			}
			if crypt == nil {
				return res, &CryptoError{Err: ErrNoCryptoContext}
			}
			plain, err := crypt.Decrypt(v.Data)
			if err != nil {
				return res, err
			}
			res.Encrypted = true
			b = plain
		case *CompressedMessage:
			if res.Compressed {
				return res, protocolErrorf("decode", "nested compressed envelope")
			}
			plain, err := c.inflate(v)
			if err != nil {
				return res, err
			}
			res.Compressed = true
			b = plain
		}
	}
	return res, protocolErrorf("decode", "envelope nesting too deep")
}

func deflate(plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(plain) / 2)
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(plain); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var errLengthMismatch = errors.New("decompressed length mismatch")

// inflate decompresses m and requires the output to be exactly
// DecompressedLen bytes.
func (c *CoreMessageCodec) inflate(m *CompressedMessage) ([]byte, error) {
	if int64(m.DecompressedLen) > int64(c.maxLength) {
		return nil, protocolErrorf("inflate", "decompressed length %d exceeds limit %d", m.DecompressedLen, c.maxLength)
	}
	zr, err := zlib.NewReader(bytes.NewReader(m.Data))
	if err != nil {
		return nil, &ProtocolError{Op: "inflate", Err: err}
	}
	defer zr.Close()

	out := make([]byte, m.DecompressedLen)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, &ProtocolError{Op: "inflate", Err: errLengthMismatch}
	}
	var extra [1]byte
	if n, _ := zr.Read(extra[:]); n != 0 {
		return nil, &ProtocolError{Op: "inflate", Err: errLengthMismatch}
	}
	return out, nil
}
