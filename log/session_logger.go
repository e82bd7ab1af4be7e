package log

// SessionLogger stamps the session host id on every event it creates. Hosts
// listed in LogCfg.HostWhiteList log at every level regardless of the
// configured minimum, which allows tracing a single client in production.
type SessionLogger struct {
	*GameLogger
	hostID      uint32
	inWhiteList bool
}

// NewSessionLogger wraps base for one session. A nil base uses the default logger.
func NewSessionLogger(base *GameLogger, hostID uint32) *SessionLogger {
	if base == nil {
		base = _defaultLogger
	}
	cfg := base.GetCurrentConfig()
	if cfg == nil {
		cfg = getDefaultCfg()
	}
	return &SessionLogger{
		GameLogger:  base,
		hostID:      hostID,
		inWhiteList: cfg.IsInWhiteList(hostID),
	}
}

// HostID returns the host id stamped on events.
func (x *SessionLogger) HostID() uint32 {
	return x.hostID
}

func (x *SessionLogger) log(level Level) *LogEvent {
	e := x.GameLogger.log(level, x.inWhiteList)
	if e == nil {
		return nil
	}
	return e.Uint32("hostId", x.hostID)
}

// IgnoreCheckLevel reports whether this session bypasses the level filter.
func (x *SessionLogger) IgnoreCheckLevel() bool {
	return x.inWhiteList
}

func (x *SessionLogger) Debug() *LogEvent {
	return x.log(DebugLevel)
}

func (x *SessionLogger) Info() *LogEvent {
	return x.log(InfoLevel)
}

func (x *SessionLogger) Warn() *LogEvent {
	return x.log(WarnLevel)
}

func (x *SessionLogger) Error() *LogEvent {
	return x.log(ErrorLevel)
}

func (x *SessionLogger) Fatal() *LogEvent {
	return x.log(FatalLevel)
}
