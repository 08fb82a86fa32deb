package loggingutil

import (
	"sync/atomic"

	"pkt.systems/pslog"
)

// LevelGate holds a minimum log level that can be changed while loggers
// derived from it are in use. The daemon uses it to apply log-level edits
// from a watched config file without restarting.
type LevelGate struct {
	rank atomic.Int32
}

// NewLevelGate returns a gate admitting entries at level and above.
func NewLevelGate(level pslog.Level) *LevelGate {
	g := &LevelGate{}
	g.Set(level)
	return g
}

// Set changes the minimum level for every logger wrapped by g.
func (g *LevelGate) Set(level pslog.Level) {
	g.rank.Store(levelRank(level))
}

// Level reports the current minimum level.
func (g *LevelGate) Level() pslog.Level {
	switch g.rank.Load() {
	case 0:
		return pslog.TraceLevel
	case 1:
		return pslog.DebugLevel
	case 2:
		return pslog.InfoLevel
	case 3:
		return pslog.WarnLevel
	case 4:
		return pslog.ErrorLevel
	case 5:
		return pslog.FatalLevel
	case 6:
		return pslog.PanicLevel
	default:
		return pslog.Disabled
	}
}

// Wrap returns a logger that forwards to base only when the gate admits the
// entry. base is opened up to trace so the gate alone decides.
func (g *LevelGate) Wrap(base pslog.Logger) pslog.Logger {
	return &gatedLogger{base: EnsureLogger(base).LogLevel(pslog.TraceLevel), gate: g}
}

func (g *LevelGate) admits(level pslog.Level) bool {
	return levelRank(level) >= g.rank.Load()
}

func levelRank(level pslog.Level) int32 {
	switch level {
	case pslog.TraceLevel:
		return 0
	case pslog.DebugLevel:
		return 1
	case pslog.InfoLevel:
		return 2
	case pslog.WarnLevel:
		return 3
	case pslog.ErrorLevel:
		return 4
	case pslog.FatalLevel:
		return 5
	case pslog.PanicLevel:
		return 6
	default:
		return 100
	}
}

type gatedLogger struct {
	base pslog.Logger
	gate *LevelGate
}

func (l *gatedLogger) Trace(msg string, keyvals ...any) {
	if l.gate.admits(pslog.TraceLevel) {
		l.base.Trace(msg, keyvals...)
	}
}

func (l *gatedLogger) Debug(msg string, keyvals ...any) {
	if l.gate.admits(pslog.DebugLevel) {
		l.base.Debug(msg, keyvals...)
	}
}

func (l *gatedLogger) Info(msg string, keyvals ...any) {
	if l.gate.admits(pslog.InfoLevel) {
		l.base.Info(msg, keyvals...)
	}
}

func (l *gatedLogger) Warn(msg string, keyvals ...any) {
	if l.gate.admits(pslog.WarnLevel) {
		l.base.Warn(msg, keyvals...)
	}
}

func (l *gatedLogger) Error(msg string, keyvals ...any) {
	if l.gate.admits(pslog.ErrorLevel) {
		l.base.Error(msg, keyvals...)
	}
}

// Fatal and Panic always reach the base logger; they end the process.
func (l *gatedLogger) Fatal(msg string, keyvals ...any) {
	l.base.Fatal(msg, keyvals...)
}

func (l *gatedLogger) Panic(msg string, keyvals ...any) {
	l.base.Panic(msg, keyvals...)
}

func (l *gatedLogger) Log(level pslog.Level, msg string, keyvals ...any) {
	if l.gate.admits(level) {
		l.base.Log(level, msg, keyvals...)
	}
}

func (l *gatedLogger) With(keyvals ...any) pslog.Logger {
	return &gatedLogger{base: l.base.With(keyvals...), gate: l.gate}
}

func (l *gatedLogger) WithLogLevel() pslog.Logger {
	return &gatedLogger{base: l.base.WithLogLevel(), gate: l.gate}
}

// LogLevel pins the returned logger to a fixed level, detaching it from the gate.
func (l *gatedLogger) LogLevel(level pslog.Level) pslog.Logger {
	return l.base.LogLevel(level)
}

func (l *gatedLogger) LogLevelFromEnv(key string) pslog.Logger {
	return l.base.LogLevelFromEnv(key)
}
