package log

import (
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/gamenet/config"
)

// GameLogger is the thread-safe logger behind the package-level functions.
// Events come from a sync.Pool, are filled through chained field setters and
// are written to every appender when Msg is called.
//
// Example usage:
//
//	logger := NewLogger(&LogCfg{LogLevel: InfoLevel, ConsoleAppender: true})
//	logger.Info().Uint32("hostId", 42).Msg("session accepted")
type GameLogger struct {
	appenders         []LogAppender // Output destinations, replaced as a whole on reload
	minLevel          atomic.Uint32 // Minimum level that will be processed
	callerSkip        int           // Extra stack frames skipped when capturing caller info
	eventPool         *sync.Pool    // LogEvent pool
	callerCache       sync.Map      // pc -> *callerInfo
	enabledCallerInfo bool          // Whether caller info is attached to events
	configMutex       sync.RWMutex  // Guards appenders and currentConfig
	currentConfig     *LogCfg       // Config the logger was last built from
}

// NewLogger creates a new GameLogger instance with the provided configuration.
// If cfg is nil the package defaults are used.
func NewLogger(cfg *LogCfg) *GameLogger {
	if cfg == nil {
		cfg = getDefaultCfg()
	}

	logger := &GameLogger{
		callerSkip:        cfg.CallerSkip,
		enabledCallerInfo: cfg.EnabledCallerInfo,
		currentConfig:     cfg,
	}
	logger.minLevel.Store(uint32(cfg.LogLevel))

	logger.eventPool = &sync.Pool{
		New: func() any {
			return newEvent(logger)
		},
	}

	logger.appenders = buildAppenders(cfg)
	return logger
}

func buildAppenders(cfg *LogCfg) []LogAppender {
	var appenders []LogAppender
	if cfg.FileAppender {
		appenders = append(appenders, NewFileAppender(cfg))
	}
	if cfg.ConsoleAppender {
		appenders = append(appenders, NewConsoleAppender())
	}
	return appenders
}

// NewLoggerWithConfigManager creates a logger that follows hot reloads of the
// "logger" section.
func NewLoggerWithConfigManager(cfg *LogCfg, configManager config.ConfigManager) *GameLogger {
	logger := NewLogger(cfg)
	if configManager != nil {
		configManager.AddChangeListener(logger)
	}
	return logger
}

// OnConfigChanged implements config.ConfigChangeListener.
func (x *GameLogger) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "logger" {
		return nil
	}

	newLogCfg, ok := newConfig.(*LogCfg)
	if !ok {
		return nil
	}

	x.updateConfig(newLogCfg)
	return nil
}

// GetConfigName implements config.ConfigChangeListener.
func (x *GameLogger) GetConfigName() string {
	return "logger"
}

func (x *GameLogger) updateConfig(newCfg *LogCfg) {
	x.configMutex.Lock()
	old := x.appenders
	rebuild := x.currentConfig == nil ||
		x.currentConfig.FileAppender != newCfg.FileAppender ||
		x.currentConfig.ConsoleAppender != newCfg.ConsoleAppender ||
		x.currentConfig.LogPath != newCfg.LogPath ||
		x.currentConfig.FileSplitMB != newCfg.FileSplitMB ||
		x.currentConfig.IsAsync != newCfg.IsAsync

	x.minLevel.Store(uint32(newCfg.LogLevel))
	x.callerSkip = newCfg.CallerSkip
	x.enabledCallerInfo = newCfg.EnabledCallerInfo
	x.currentConfig = newCfg
	if rebuild {
		x.appenders = buildAppenders(newCfg)
	}
	x.configMutex.Unlock()

	if rebuild {
		closeAppenders(old)
	}
}

func closeAppenders(appenders []LogAppender) {
	for _, a := range appenders {
		a.Refresh()
		if c, ok := a.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
}

// GetCurrentConfig returns the current logger configuration.
func (x *GameLogger) GetCurrentConfig() *LogCfg {
	x.configMutex.RLock()
	defer x.configMutex.RUnlock()
	return x.currentConfig
}

// SetLevel changes the minimum level at runtime.
func (x *GameLogger) SetLevel(level Level) {
	x.minLevel.Store(uint32(level))
}

func (x *GameLogger) checkLevel(level Level) bool {
	return Level(x.minLevel.Load()) <= level
}

// AddAppender adds a new log appender to the logger.
func (x *GameLogger) AddAppender(appender LogAppender) {
	x.configMutex.Lock()
	defer x.configMutex.Unlock()
	x.appenders = append(x.appenders, appender)
}

// GetAppender returns the appenders currently registered with the logger.
func (x *GameLogger) GetAppender() []LogAppender {
	x.configMutex.RLock()
	defer x.configMutex.RUnlock()
	return x.appenders
}

// Refresh flushes all appenders.
func (x *GameLogger) Refresh() {
	for _, appender := range x.GetAppender() {
		appender.Refresh()
	}
}

// Close flushes and closes the appenders.
func (x *GameLogger) Close() {
	x.configMutex.Lock()
	appenders := x.appenders
	x.appenders = nil
	x.configMutex.Unlock()
	closeAppenders(appenders)
}

// IgnoreCheckLevel reports whether level filtering is bypassed; never for GameLogger.
func (x *GameLogger) IgnoreCheckLevel() bool {
	return false
}

func (x *GameLogger) newEvent() *LogEvent {
	e := x.eventPool.Get().(*LogEvent)
	e.Reset()
	return e
}

// OnEventEnd writes a finished event and returns it to the pool. Fatal
// events panic after being written.
func (x *GameLogger) OnEventEnd(e *LogEvent) {
	for _, appender := range x.GetAppender() {
		_, _ = appender.Write(e.buf.Bytes())
	}

	if e.level == FatalLevel {
		x.Refresh()
		panic(string(e.buf.Bytes()))
	}

	x.eventPool.Put(e)
}

func (x *GameLogger) Debug() *LogEvent {
	return x.log(DebugLevel, false)
}

func (x *GameLogger) Info() *LogEvent {
	return x.log(InfoLevel, false)
}

func (x *GameLogger) Warn() *LogEvent {
	return x.log(WarnLevel, false)
}

func (x *GameLogger) Error() *LogEvent {
	return x.log(ErrorLevel, false)
}

// Fatal logs and then panics.
func (x *GameLogger) Fatal() *LogEvent {
	return x.log(FatalLevel, false)
}

type callerInfo struct {
	str string
}

var _unknownCallerInfo = &callerInfo{str: "unknown"}

// getCallerInfo resolves "dir/file.go:line func" of the logging call site,
// caching by program counter.
func (x *GameLogger) getCallerInfo() *callerInfo {
	pc, file, line, ok := runtime.Caller(3 + x.callerSkip)
	if !ok {
		return _unknownCallerInfo
	}

	if cached, found := x.callerCache.Load(pc); found {
		return cached.(*callerInfo)
	}

	funcName := runtime.FuncForPC(pc).Name()
	if dotIdx := strings.LastIndexByte(funcName, '.'); dotIdx != -1 {
		funcName = funcName[dotIdx+1:]
	}

	if lastSlash := strings.LastIndexByte(file, '/'); lastSlash > 0 {
		if secondLastSlash := strings.LastIndexByte(file[:lastSlash], '/'); secondLastSlash >= 0 {
			file = file[secondLastSlash+1:]
		}
	}

	c := &callerInfo{str: file + ":" + strconv.Itoa(line) + " " + funcName}
	x.callerCache.Store(pc, c)
	return c
}

// log prepares an event with time, level and caller, or returns nil when the
// level is filtered and ignoreLevel is false.
func (x *GameLogger) log(level Level, ignoreLevel bool) *LogEvent {
	if !ignoreLevel && !x.checkLevel(level) {
		return nil
	}

	e := x.newEvent()
	e.level = level

	t := time.Now()
	e.Time("time", &t)
	e.Str("level", level.String())

	if x.enabledCallerInfo {
		e.Str("caller", x.getCallerInfo().String())
	}

	return e
}

func (c *callerInfo) String() string {
	return c.str
}
