// Package pglog is the logging façade every component logs through. No
// component reaches for a package-level logger directly; a *Logger is
// threaded in through constructors, the same way the teacher threads its
// other dependencies.
package pglog

import (
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap.SugaredLogger. It exists so call sites depend on this
// package's narrow surface rather than on zap directly, which keeps tests
// free to substitute a capturing logger.
type Logger struct {
	s *zap.SugaredLogger
}

// New builds a Logger. When stderr is a terminal, level names are
// colorized; otherwise output is plain text suitable for redirection to a
// file or a log collector.
func New(debug bool) *Logger {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "time"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = levelEncoder(isatty.IsTerminal(os.Stderr.Fd()))

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.Lock(os.Stderr),
		level,
	)

	return &Logger{s: zap.New(core).Sugar()}
}

// Nop returns a Logger that discards everything, for tests that don't care
// about log output.
func Nop() *Logger {
	return &Logger{s: zap.NewNop().Sugar()}
}

func levelEncoder(colorize bool) zapcore.LevelEncoder {
	if !colorize {
		return zapcore.CapitalLevelEncoder
	}
	colors := map[zapcore.Level]*color.Color{
		zapcore.DebugLevel: color.New(color.FgCyan),
		zapcore.InfoLevel:  color.New(color.FgGreen),
		zapcore.WarnLevel:  color.New(color.FgYellow),
		zapcore.ErrorLevel: color.New(color.FgRed),
		zapcore.FatalLevel: color.New(color.FgRed, color.Bold),
	}
	return func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		c, ok := colors[l]
		if !ok {
			c = color.New()
		}
		enc.AppendString(c.Sprint(l.CapitalString()))
	}
}

// With returns a Logger with the given structured fields attached to every
// subsequent entry (e.g. stanza, command, repo index).
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{s: l.s.With(kv...)}
}

func (l *Logger) Debugf(format string, args ...any) { l.s.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.s.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.s.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.s.Errorf(format, args...) }

// Sync flushes any buffered log entries. Errors from syncing a terminal
// are expected on some platforms and are intentionally ignored by callers.
func (l *Logger) Sync() error { return l.s.Sync() }
