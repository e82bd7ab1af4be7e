package net

import (
	"encoding/binary"
	"io"
)

const (
	// DefaultMagic is the frame magic used when the transport config leaves it unset.
	DefaultMagic uint16 = 0x5713

	// DefaultMaxFrameLength bounds a single frame payload.
	DefaultMaxFrameLength = 1 << 20

	frameMagicSize = 2
)

// FrameCodec reads and writes the outer transport frame:
//
//	u16 magic (LE) | u8 scalar prefix (1, 2 or 4) | length (prefix bytes, LE) | payload
type FrameCodec struct {
	magic     uint16
	maxLength int
}

// NewFrameCodec creates a codec. maxLength <= 0 selects DefaultMaxFrameLength.
func NewFrameCodec(magic uint16, maxLength int) *FrameCodec {
	if maxLength <= 0 {
		maxLength = DefaultMaxFrameLength
	}
	return &FrameCodec{magic: magic, maxLength: maxLength}
}

// Magic returns the frame magic.
func (c *FrameCodec) Magic() uint16 { return c.magic }

// Encode returns payload wrapped in a frame using the minimal length width.
func (c *FrameCodec) Encode(payload []byte) []byte {
	return c.Append(make([]byte, 0, frameMagicSize+5+len(payload)), payload)
}

// Append appends the frame for payload to dst.
func (c *FrameCodec) Append(dst, payload []byte) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, c.magic)
	dst = appendScalar(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// Decode extracts the first frame in buf. It returns consumed == 0 and a nil
// error when buf does not hold a complete frame yet. The returned payload is
// a copy the caller owns.
func (c *FrameCodec) Decode(buf []byte) (payload []byte, consumed int, err error) {
	if len(buf) < frameMagicSize {
		return nil, 0, nil
	}
	if m := binary.LittleEndian.Uint16(buf); m != c.magic {
		return nil, 0, frameErrorf("bad magic 0x%04x", m)
	}

	n, size, ok, err := readScalar(buf[frameMagicSize:])
	if err != nil {
		return nil, 0, &FrameError{Reason: err.Error()}
	}
	if !ok {
		return nil, 0, nil
	}
	if int64(n) > int64(c.maxLength) {
		return nil, 0, frameErrorf("length %d exceeds limit %d", n, c.maxLength)
	}

	total := frameMagicSize + size + int(n)
	if len(buf) < total {
		return nil, 0, nil
	}
	payload = make([]byte, n)
	copy(payload, buf[frameMagicSize+size:total])
	return payload, total, nil
}

// frameReader pulls frames from a stream, keeping a partial frame buffered
// between reads.
type frameReader struct {
	codec *FrameCodec
	r     io.Reader
	buf   []byte
	start int
	end   int
}

func newFrameReader(codec *FrameCodec, r io.Reader, size int) *frameReader {
	if size < 512 {
		size = 512
	}
	return &frameReader{codec: codec, r: r, buf: make([]byte, size)}
}

// Next blocks until a complete frame is available and returns its payload.
func (fr *frameReader) Next() ([]byte, error) {
	for {
		if fr.end > fr.start {
			payload, consumed, err := fr.codec.Decode(fr.buf[fr.start:fr.end])
			if err != nil {
				return nil, err
			}
			if consumed > 0 {
				fr.start += consumed
				if fr.start == fr.end {
					fr.start, fr.end = 0, 0
				}
				return payload, nil
			}
		}

		if fr.start > 0 {
			fr.end = copy(fr.buf, fr.buf[fr.start:fr.end])
			fr.start = 0
		}
		if fr.end == len(fr.buf) {
			limit := frameMagicSize + 5 + fr.codec.maxLength
			if len(fr.buf) >= limit {
				return nil, frameErrorf("frame exceeds buffer")
			}
			grown := make([]byte, min(len(fr.buf)*2, limit))
			copy(grown, fr.buf[:fr.end])
			fr.buf = grown
		}

		n, err := fr.r.Read(fr.buf[fr.end:])
		fr.end += n
		if err != nil && n == 0 {
			return nil, err
		}
	}
}
