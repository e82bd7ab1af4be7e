package log

import (
	"fmt"
	"strings"
)

// Level is the severity of a log event.
type Level uint32

const (
	TraceLevel Level = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var _levelNames = [...]string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

// String returns the upper-case name written into every event.
func (l Level) String() string {
	if int(l) < len(_levelNames) {
		return _levelNames[l]
	}
	return fmt.Sprintf("LEVEL(%d)", uint32(l))
}

// ParseLevel accepts the level names case-insensitively.
func ParseLevel(s string) (Level, error) {
	for i, name := range _levelNames {
		if strings.EqualFold(s, name) {
			return Level(i), nil
		}
	}
	return InfoLevel, fmt.Errorf("unknown log level %q", s)
}
