package net

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// FaultKind classifies why a session was terminated by the engine.
type FaultKind uint8

const (
	FaultNone FaultKind = iota
	FaultFrame
	FaultProtocol
	FaultCrypto
	FaultTimeout
	FaultUnhandled
	FaultInternal
)

func (k FaultKind) String() string {
	switch k {
	case FaultFrame:
		return "frame"
	case FaultProtocol:
		return "protocol"
	case FaultCrypto:
		return "crypto"
	case FaultTimeout:
		return "timeout"
	case FaultUnhandled:
		return "unhandled"
	case FaultInternal:
		return "internal"
	default:
		return "none"
	}
}

var (
	// ErrTimeout is reported when a handler chain exceeds the dispatcher deadline.
	ErrTimeout = errors.New("handler deadline exceeded")
	// ErrUnauthorized is returned when a guard predicate rejects a message.
	// The message is dropped and the session stays open.
	ErrUnauthorized = errors.New("message rejected by guard")
	// ErrUnhandled is reported when no handler claims a message.
	ErrUnhandled = errors.New("message not handled")
	// ErrSessionClosed is returned by send operations on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrNoUdpBinding is returned by SendUDP when the session has no matched UDP endpoint.
	ErrNoUdpBinding = errors.New("session has no udp binding")
	// ErrSendQueueFull is returned when the session send channel is full.
	ErrSendQueueFull = errors.New("send channel is full")
	// ErrNoCryptoContext is returned when encryption is requested before the key exchange.
	ErrNoCryptoContext = errors.New("session has no crypto context")
	// ErrFiltered is returned for messages blocked by the dispatcher message filter.
	ErrFiltered = errors.New("message filtered")
)

// FrameError is a malformed outer frame: bad magic, bad scalar prefix or an
// oversized length. The connection cannot be resynchronized and must be closed.
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string {
	return "frame error: " + e.Reason
}

func frameErrorf(format string, args ...any) error {
	return &FrameError{Reason: fmt.Sprintf(format, args...)}
}

// ProtocolError is a decoding failure above the frame layer: unknown opcode,
// truncated body, decompressed length mismatch or unknown RMI id.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "protocol error: " + e.Op
	}
	return "protocol error: " + e.Op + ": " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func protocolErrorf(op string, format string, args ...any) error {
	return &ProtocolError{Op: op, Err: fmt.Errorf(format, args...)}
}

// CryptoError is a decrypt or authentication failure.
type CryptoError struct {
	Err error
}

func (e *CryptoError) Error() string {
	return "crypto error: " + e.Err.Error()
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// SessionFault is published on Server.Errors when a session is closed for a
// protocol, crypto, timeout or dispatch reason.
type SessionFault struct {
	HostID HostID
	Kind   FaultKind
	Err    error
}

func (f *SessionFault) Error() string {
	return fmt.Sprintf("session %d fault %s: %v", f.HostID, f.Kind, f.Err)
}

func (f *SessionFault) Unwrap() error {
	return f.Err
}

// FaultKindOf maps an error returned by the codec or dispatcher to a FaultKind.
func FaultKindOf(err error) FaultKind {
	if err == nil {
		return FaultNone
	}
	var (
		fe *FrameError
		pe *ProtocolError
		ce *CryptoError
	)
	switch {
	case errors.As(err, &ce):
		return FaultCrypto
	case errors.As(err, &fe):
		return FaultFrame
	case errors.As(err, &pe):
		return FaultProtocol
	case errors.Is(err, ErrTimeout):
		return FaultTimeout
	case errors.Is(err, ErrUnhandled):
		return FaultUnhandled
	default:
		return FaultInternal
	}
}

// IsTransportError reports whether err is an ordinary socket-level
// disconnect (peer reset, broken pipe, EOF, local close or idle deadline).
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
