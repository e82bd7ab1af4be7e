// Package log is the structured logger of the game network engine. Events are
// built with chained field setters and written as one JSON object per line:
//
//	log.Info().Uint32("hostId", id).Str("remote", addr).Msg("session accepted")
package log

import (
	"github.com/lcx/gamenet/config"
)

type Logger interface {
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	Fatal() *LogEvent
	IgnoreCheckLevel() bool
	GetAppender() []LogAppender
	AddAppender(appender LogAppender)
	OnEventEnd(e *LogEvent)
}

var _defaultLogger *GameLogger

func init() {
	_defaultLogger = NewLogger(nil)
}

// AddAppender adds a new log appender to the default logger.
func AddAppender(appender LogAppender) {
	_defaultLogger.AddAppender(appender)
}

// Refresh flushes the appenders of the default logger.
func Refresh() {
	_defaultLogger.Refresh()
}

// SetDefaultLogger replaces the default logger with a custom instance.
func SetDefaultLogger(logger *GameLogger) {
	_defaultLogger = logger
}

// DefaultLogger returns the logger behind the package-level functions.
func DefaultLogger() *GameLogger {
	return _defaultLogger
}

// InitializeWithConfigManager loads the "logger" section, installs a logger
// built from it as the default and subscribes it to hot reloads.
func InitializeWithConfigManager(configManager config.ConfigManager) error {
	if configManager == nil {
		return nil
	}

	logCfg := DefaultCfg()
	if err := configManager.LoadConfig("logger", logCfg); err != nil {
		return err
	}

	SetDefaultLogger(NewLoggerWithConfigManager(logCfg, configManager))
	return nil
}

// Debug creates a debug-level event on the default logger.
func Debug() *LogEvent {
	return _defaultLogger.Debug()
}

// Info creates an info-level event on the default logger.
func Info() *LogEvent {
	return _defaultLogger.Info()
}

// Warn creates a warn-level event on the default logger.
func Warn() *LogEvent {
	return _defaultLogger.Warn()
}

// Error creates an error-level event on the default logger.
func Error() *LogEvent {
	return _defaultLogger.Error()
}

// Fatal creates a fatal-level event on the default logger; Msg panics.
func Fatal() *LogEvent {
	return _defaultLogger.Fatal()
}
