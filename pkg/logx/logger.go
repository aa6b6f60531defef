package logx

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// callerDepth skips callerOf, emit and the level method.
const callerDepth = 3

// Logger carries fixed fields on top of a root that is either owned by a
// Service (and follows its Apply) or fixed at construction. The zero value
// discards everything.
type Logger struct {
	svc    *Service
	fixed  *zerolog.Logger
	fields []Field
}

// Nop returns a logger that never writes anything.
func Nop() Logger {
	zl := zerolog.Nop()
	return Logger{fixed: &zl}
}

// NewConsole is a standalone human-readable logger on stderr for CLI commands.
func NewConsole(level string) Logger {
	return standalone(newConsoleWriter(os.Stderr), level)
}

// NewJSON writes JSON lines to w.
func NewJSON(w io.Writer, level string) Logger {
	return standalone(w, level)
}

func standalone(w io.Writer, level string) Logger {
	setGlobals()
	zl := zerolog.New(w).Level(ParseLevel(level, LevelInfo)).With().Timestamp().Logger()
	return Logger{fixed: &zl}
}

var globalsOnce sync.Once

func setGlobals() {
	globalsOnce.Do(func() {
		zerolog.TimeFieldFormat = consoleTimeFormat
		zerolog.ErrorFieldName = "err"
	})
}

// IsZero reports an unset logger; constructors substitute Nop for it.
func (l Logger) IsZero() bool { return l.svc == nil && l.fixed == nil && len(l.fields) == 0 }

func (l Logger) zl() zerolog.Logger {
	if l.svc != nil {
		return l.svc.current()
	}
	if l.fixed != nil {
		return *l.fixed
	}
	return zerolog.Nop()
}

func (l Logger) Enabled(level Level) bool {
	zl := l.zl()
	return level >= zl.GetLevel() && level >= zerolog.GlobalLevel()
}

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	l.fields = append(merged, fields...)
	return l
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(LevelTrace, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(LevelError, msg, fields) }

func (l Logger) emit(level Level, msg string, fields []Field) {
	zl := l.zl()
	ev := zl.WithLevel(level)
	if ev == nil {
		return
	}
	if c := callerOf(callerDepth); c != "" {
		ev.Str(zerolog.CallerFieldName, c)
	}
	apply(ev, l.fields)
	apply(ev, fields)
	ev.Msg(msg)
}

func apply(ev *zerolog.Event, fields []Field) {
	for _, f := range fields {
		if f != nil {
			f(ev)
		}
	}
}

// callerOf returns "file.go:line" of the frame skip levels up.
func callerOf(skip int) string {
	var pc [1]uintptr
	if runtime.Callers(skip+1, pc[:]) == 0 {
		return ""
	}
	fr, _ := runtime.CallersFrames(pc[:]).Next()
	if fr.File == "" {
		return ""
	}
	return filepath.Base(fr.File) + ":" + strconv.Itoa(fr.Line)
}

// ParseLevel maps a level name (case-insensitive, "warning" accepted) and
// falls back to def on anything unknown or empty.
func ParseLevel(s string, def Level) Level {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "warning" {
		name = "warn"
	}
	if name == "" {
		return def
	}
	lv, err := zerolog.ParseLevel(name)
	if err != nil || lv < LevelTrace || lv > LevelError {
		return def
	}
	return lv
}
