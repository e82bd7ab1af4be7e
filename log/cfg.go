package log

import "fmt"

// LogCfg configures the default logger and the per-session loggers.
type LogCfg struct {
	// LogPath is the target file of the file appender.
	LogPath string `mapstructure:"path"`

	// LogLevel is the minimum level written. Hot-reloadable.
	LogLevel Level `mapstructure:"level"`

	// FileSplitMB rotates the log file once it grows past this size.
	FileSplitMB int `mapstructure:"splitmb"`

	// MaxBackups bounds the number of rotated files kept; 0 keeps all.
	MaxBackups int `mapstructure:"maxbackups"`

	// IsAsync moves file writes onto a background goroutine.
	IsAsync bool `mapstructure:"isasync"`

	// AsyncCacheSize limits the buffered lines in async mode.
	AsyncCacheSize int `mapstructure:"asynccachesize"`

	// AsyncWriteMillSec is the flush interval of the async writer.
	AsyncWriteMillSec int `mapstructure:"asyncwritemillsec"`

	// CallerSkip is the number of extra stack frames skipped for caller info.
	CallerSkip int `mapstructure:"callerSkip"`

	FileAppender    bool `mapstructure:"fileAppender"`
	ConsoleAppender bool `mapstructure:"consoleAppender"`

	// HostWhiteList lists session host ids whose loggers bypass the level filter.
	HostWhiteList []uint32 `mapstructure:"hostWhiteList"`

	EnabledCallerInfo bool `mapstructure:"enabledCallerInfo"`
}

// GetName returns the configuration section name.
func (cfg *LogCfg) GetName() string {
	return "logger"
}

// Validate checks the rotation and async settings.
func (cfg *LogCfg) Validate() error {
	if cfg.LogLevel > FatalLevel {
		return fmt.Errorf("invalid log level %d", cfg.LogLevel)
	}
	if cfg.FileAppender && cfg.LogPath == "" {
		return fmt.Errorf("path cannot be empty when fileAppender is enabled")
	}
	if cfg.FileSplitMB < 0 || cfg.MaxBackups < 0 {
		return fmt.Errorf("splitmb and maxbackups cannot be negative")
	}
	if cfg.IsAsync && cfg.AsyncCacheSize < 0 {
		return fmt.Errorf("asynccachesize cannot be negative")
	}
	return nil
}

// IsInWhiteList reports whether a host id bypasses level filtering.
// The list is expected to hold a handful of debug targets.
func (cfg *LogCfg) IsInWhiteList(hostID uint32) bool {
	for _, id := range cfg.HostWhiteList {
		if id == hostID {
			return true
		}
	}
	return false
}

var _defaultCfg = &LogCfg{
	LogPath:           "./gamenet.log",
	LogLevel:          InfoLevel,
	FileSplitMB:       50,
	MaxBackups:        10,
	AsyncCacheSize:    1024,
	AsyncWriteMillSec: 200,
	CallerSkip:        1,
	ConsoleAppender:   true,
}

func getDefaultCfg() *LogCfg {
	return _defaultCfg
}

// DefaultCfg returns a copy of the defaults, suitable as the starting value
// for config.ConfigManager.LoadConfig.
func DefaultCfg() *LogCfg {
	c := *_defaultCfg
	return &c
}
