package logx

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field writes one key onto an event. Later fields win on duplicate keys.
type Field func(ev *zerolog.Event)

func String(key, val string) Field          { return func(ev *zerolog.Event) { ev.Str(key, val) } }
func Int(key string, val int) Field         { return func(ev *zerolog.Event) { ev.Int(key, val) } }
func Int64(key string, val int64) Field     { return func(ev *zerolog.Event) { ev.Int64(key, val) } }
func Uint64(key string, val uint64) Field   { return func(ev *zerolog.Event) { ev.Uint64(key, val) } }
func Bool(key string, val bool) Field       { return func(ev *zerolog.Event) { ev.Bool(key, val) } }
func Time(key string, val time.Time) Field  { return func(ev *zerolog.Event) { ev.Time(key, val) } }
func Any(key string, val any) Field         { return func(ev *zerolog.Event) { ev.Interface(key, val) } }

func Duration(key string, d time.Duration) Field { return func(ev *zerolog.Event) { ev.Dur(key, d) } }

// Comp tags the emitting component.
func Comp(name string) Field { return String("comp", name) }

func TaskID(id string) Field { return String("task_id", id) }

// TimePtr omits the key for nil.
func TimePtr(key string, val *time.Time) Field {
	if val == nil {
		return nil
	}
	return Time(key, *val)
}

// Err omits the key for a nil error.
func Err(err error) Field {
	if err == nil {
		return nil
	}
	return func(ev *zerolog.Event) { ev.Err(err) }
}

func Stack(stack string) Field {
	if strings.TrimSpace(stack) == "" {
		return nil
	}
	return String("stack", stack)
}
