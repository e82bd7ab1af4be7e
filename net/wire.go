package net

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/uuid"
)

// Scalar lengths are written as a one byte width prefix (1, 2 or 4) followed
// by the value in that many little-endian bytes.
const (
	scalarPrefix8  = 1
	scalarPrefix16 = 2
	scalarPrefix32 = 4
)

var errShortBuffer = errors.New("short buffer")

// scalarWidth returns the smallest prefix able to hold n.
func scalarWidth(n uint32) byte {
	switch {
	case n <= 0xFF:
		return scalarPrefix8
	case n <= 0xFFFF:
		return scalarPrefix16
	default:
		return scalarPrefix32
	}
}

func appendScalar(b []byte, n uint32) []byte {
	w := scalarWidth(n)
	b = append(b, w)
	switch w {
	case scalarPrefix8:
		b = append(b, byte(n))
	case scalarPrefix16:
		b = binary.LittleEndian.AppendUint16(b, uint16(n))
	default:
		b = binary.LittleEndian.AppendUint32(b, n)
	}
	return b
}

// readScalar parses a scalar at the start of b. ok is false when more bytes
// are needed; err is set when the prefix is not 1, 2 or 4.
func readScalar(b []byte) (n uint32, size int, ok bool, err error) {
	if len(b) < 1 {
		return 0, 0, false, nil
	}
	w := int(b[0])
	if w != scalarPrefix8 && w != scalarPrefix16 && w != scalarPrefix32 {
		return 0, 0, false, fmt.Errorf("invalid scalar prefix %d", b[0])
	}
	if len(b) < 1+w {
		return 0, 0, false, nil
	}
	switch w {
	case scalarPrefix8:
		n = uint32(b[1])
	case scalarPrefix16:
		n = uint32(binary.LittleEndian.Uint16(b[1:3]))
	default:
		n = binary.LittleEndian.Uint32(b[1:5])
	}
	return n, 1 + w, true, nil
}

// Writer builds little-endian core message bodies.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with capHint bytes preallocated.
func NewWriter(capHint int) *Writer {
	return &Writer{buf: make([]byte, 0, capHint)}
}

// Bytes returns the written bytes.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) WriteU8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteU8(1)
		return
	}
	w.WriteU8(0)
}

func (w *Writer) WriteU16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }

func (w *Writer) WriteU32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }

func (w *Writer) WriteU64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

func (w *Writer) WriteScalar(v uint32) { w.buf = appendScalar(w.buf, v) }

// WriteBytes writes a scalar length followed by b.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteScalar(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *Writer) WriteString(s string) {
	w.WriteScalar(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *Writer) WriteUUID(id uuid.UUID) { w.buf = append(w.buf, id[:]...) }

func (w *Writer) WriteHostID(id HostID) { w.WriteU32(uint32(id)) }

// WriteEndpoint writes an address family byte (0 invalid, 4 or 6), the
// address bytes and a u16 port.
func (w *Writer) WriteEndpoint(ep netip.AddrPort) {
	addr := ep.Addr().Unmap()
	switch {
	case !ep.IsValid():
		w.WriteU8(0)
		return
	case addr.Is4():
		w.WriteU8(4)
		a := addr.As4()
		w.buf = append(w.buf, a[:]...)
	default:
		w.WriteU8(6)
		a := addr.As16()
		w.buf = append(w.buf, a[:]...)
	}
	w.WriteU16(ep.Port())
}

// Reader parses core message bodies. The first failure is sticky and all
// later reads return zero values.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader returns a Reader over b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Err returns the first read error.
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.Remaining() < n {
		r.err = errShortBuffer
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) ReadU8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) ReadBool() bool { return r.ReadU8() != 0 }

func (r *Reader) ReadU16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *Reader) ReadU32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) ReadU64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *Reader) ReadScalar() uint32 {
	if r.err != nil {
		return 0
	}
	n, size, ok, err := readScalar(r.buf[r.off:])
	if err != nil {
		r.err = err
		return 0
	}
	if !ok {
		r.err = errShortBuffer
		return 0
	}
	r.off += size
	return n
}

// ReadBytes reads a scalar-length byte array. The result aliases the
// underlying buffer.
func (r *Reader) ReadBytes() []byte {
	n := r.ReadScalar()
	return r.take(int(n))
}

func (r *Reader) ReadString() string { return string(r.ReadBytes()) }

func (r *Reader) ReadUUID() uuid.UUID {
	var id uuid.UUID
	copy(id[:], r.take(16))
	return id
}

func (r *Reader) ReadHostID() HostID { return HostID(r.ReadU32()) }

func (r *Reader) ReadEndpoint() netip.AddrPort {
	var addr netip.Addr
	switch family := r.ReadU8(); family {
	case 0:
		return netip.AddrPort{}
	case 4:
		var a [4]byte
		copy(a[:], r.take(4))
		addr = netip.AddrFrom4(a)
	case 6:
		var a [16]byte
		copy(a[:], r.take(16))
		addr = netip.AddrFrom16(a)
	default:
		if r.err == nil {
			r.err = fmt.Errorf("invalid address family %d", family)
		}
		return netip.AddrPort{}
	}
	port := r.ReadU16()
	if r.err != nil {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(addr, port)
}
