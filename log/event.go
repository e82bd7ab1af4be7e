package log

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"
)

// LogEvent accumulates the fields of one log line. A nil *LogEvent is returned
// for filtered levels and every method is a no-op on it, so call chains never
// need a level check.
type LogEvent struct {
	buf    *bytes.Buffer
	level  Level
	logger Logger
}

func newEvent(logger Logger) *LogEvent {
	return &LogEvent{
		buf:    bytes.NewBuffer(make([]byte, 0, 256)),
		logger: logger,
	}
}

// Reset clears the event for reuse from the pool.
func (e *LogEvent) Reset() {
	e.buf.Reset()
	e.buf.WriteByte('{')
	e.level = InfoLevel
}

func (e *LogEvent) key(k string) {
	if e.buf.Len() > 1 {
		e.buf.WriteByte(',')
	}
	appendJSONString(e.buf, k)
	e.buf.WriteByte(':')
}

// Str adds a string field.
func (e *LogEvent) Str(k, v string) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	appendJSONString(e.buf, v)
	return e
}

// Int adds an int field.
func (e *LogEvent) Int(k string, v int) *LogEvent {
	return e.Int64(k, int64(v))
}

// Int32 adds an int32 field.
func (e *LogEvent) Int32(k string, v int32) *LogEvent {
	return e.Int64(k, int64(v))
}

// Int64 adds an int64 field.
func (e *LogEvent) Int64(k string, v int64) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.Write(strconv.AppendInt(e.buf.AvailableBuffer(), v, 10))
	return e
}

// Uint8 adds a uint8 field.
func (e *LogEvent) Uint8(k string, v uint8) *LogEvent {
	return e.Uint64(k, uint64(v))
}

// Uint16 adds a uint16 field.
func (e *LogEvent) Uint16(k string, v uint16) *LogEvent {
	return e.Uint64(k, uint64(v))
}

// Uint32 adds a uint32 field.
func (e *LogEvent) Uint32(k string, v uint32) *LogEvent {
	return e.Uint64(k, uint64(v))
}

// Uint64 adds a uint64 field.
func (e *LogEvent) Uint64(k string, v uint64) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.Write(strconv.AppendUint(e.buf.AvailableBuffer(), v, 10))
	return e
}

// Bool adds a bool field.
func (e *LogEvent) Bool(k string, v bool) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.Write(strconv.AppendBool(e.buf.AvailableBuffer(), v))
	return e
}

// Dur adds a duration field rendered like time.Duration.String.
func (e *LogEvent) Dur(k string, d time.Duration) *LogEvent {
	return e.Str(k, d.String())
}

// Time adds a timestamp in RFC3339 with milliseconds.
func (e *LogEvent) Time(k string, t *time.Time) *LogEvent {
	if e == nil || t == nil {
		return e
	}
	return e.Str(k, t.Format("2006-01-02T15:04:05.000Z07:00"))
}

// Err adds the error under the "error" key; nil errors are skipped.
func (e *LogEvent) Err(err error) *LogEvent {
	if e == nil || err == nil {
		return e
	}
	return e.Str("error", err.Error())
}

// Any adds a value formatted with %v.
func (e *LogEvent) Any(k string, v any) *LogEvent {
	if e == nil {
		return nil
	}
	return e.Str(k, fmt.Sprint(v))
}

// Hex adds a byte slice as lower-case hex.
func (e *LogEvent) Hex(k string, b []byte) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteByte('"')
	const digits = "0123456789abcdef"
	for _, c := range b {
		e.buf.WriteByte(digits[c>>4])
		e.buf.WriteByte(digits[c&0x0f])
	}
	e.buf.WriteByte('"')
	return e
}

// Msg adds the message, terminates the line and hands the event back to
// its logger for output.
func (e *LogEvent) Msg(msg string) {
	if e == nil {
		return
	}
	if msg != "" {
		e.Str("msg", msg)
	}
	e.End()
}

// Msgf formats the message with fmt.Sprintf.
func (e *LogEvent) Msgf(format string, args ...any) {
	if e == nil {
		return
	}
	e.Msg(fmt.Sprintf(format, args...))
}

// End writes the event without a message field.
func (e *LogEvent) End() {
	if e == nil {
		return
	}
	e.buf.WriteString("}\n")
	e.logger.OnEventEnd(e)
}

// Bytes returns the encoded line; valid until the event is reused.
func (e *LogEvent) Bytes() []byte {
	return e.buf.Bytes()
}

func appendJSONString(buf *bytes.Buffer, s string) {
	const hex = "0123456789abcdef"
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch {
			case c == '"' || c == '\\':
				buf.WriteByte('\\')
				buf.WriteByte(c)
			case c == '\n':
				buf.WriteString(`\n`)
			case c == '\r':
				buf.WriteString(`\r`)
			case c == '\t':
				buf.WriteString(`\t`)
			case c < 0x20:
				buf.WriteString(`\u00`)
				buf.WriteByte(hex[c>>4])
				buf.WriteByte(hex[c&0x0f])
			default:
				buf.WriteByte(c)
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			buf.WriteString(`�`)
		} else {
			buf.WriteString(s[i : i+size])
		}
		i += size
	}
	buf.WriteByte('"')
}
