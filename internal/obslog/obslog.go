// Package obslog wires the runtime's logging sink. Fiber, Scheduler and
// IOManager never talk to an output stream directly: they hold a
// *obslog.Logger, named after the subsystem that owns it, the same way
// sylar hands every module its own SYLAR_LOG_NAME("system") instance.
package obslog

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/joeycumines/logiface"
	ifaceslog "github.com/joeycumines/logiface-slog"
)

// Event is the concrete logiface event type backing every Logger produced
// by this package.
type Event = ifaceslog.Event

// Logger is the narrow logging sink the core packages depend on: level plus
// formatted/structured message, and nothing else.
type Logger = logiface.Logger[*Event]

// root is the process-wide handler all named loggers share. It defaults to
// a text handler on stderr at Info level, matching sylar's default
// appender, and can be replaced wholesale via SetHandler. The fiber,
// scheduler and ioman loggers are built from root at package
// initialization, so a later SetHandler does not change their output.
var root = logiface.New[*Event](
	ifaceslog.NewLogger(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}),
		ifaceslog.WithLevel(logiface.LevelInformational),
	),
)

// SetHandler replaces the shared slog.Handler used by every Named logger
// constructed afterwards. It does not retroactively affect loggers already
// handed out.
func SetHandler(h slog.Handler, level logiface.Level) {
	root = logiface.New[*Event](
		ifaceslog.NewLogger(h, ifaceslog.WithLevel(level)),
	)
}

// Named returns a logger scoped to subsystem name (e.g. "fiber",
// "scheduler", "ioman"), mirroring sylar's per-module named loggers.
func Named(name string) *Logger {
	return root.Clone().Str("logger", name).Logger()
}

// Invariant logs msg at the "panic" level (logiface.LevelEmergency) with a
// captured backtrace, then panics. It is the Go rendering of sylar's
// SYLAR_ASSERT2: "logged as ERROR with backtrace; abort" (spec §7.1). Use
// it only for conditions that indicate a broken invariant, never for
// recoverable OS call failures.
func Invariant(l *Logger, msg string, kv ...any) {
	b := l.Panic().Str("backtrace", string(debug.Stack()))
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		b = b.Str(key, fmt.Sprint(kv[i+1]))
	}
	b.Log(msg)
}
