// Package notice delivers short user-facing messages with an optional
// remediation action. It is the CLI stand-in for toast notifications: every
// failure path that a user must know about produces exactly one Notice.
package notice

import (
	"fmt"
	"io"
	"sync"
)

// Level is the severity of a notice.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Action names the remediation a notice offers.
type Action string

const (
	ActionNone   Action = ""
	ActionRetry  Action = "retry"
	ActionLogin  Action = "login"
	ActionReload Action = "reload"
)

// Notice is a single user-facing message.
type Notice struct {
	Level   Level
	Message string
	Action  Action
}

// Notifier receives notices. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(n Notice)
}

// Func adapts a plain function to Notifier.
type Func func(Notice)

func (f Func) Notify(n Notice) { f(n) }

// Discard drops every notice.
var Discard Notifier = Func(func(Notice) {})

// Info, Warn and Error build notices without an action.
func Info(msg string) Notice  { return Notice{Level: LevelInfo, Message: msg} }
func Warn(msg string) Notice  { return Notice{Level: LevelWarn, Message: msg} }
func Error(msg string) Notice { return Notice{Level: LevelError, Message: msg} }

// WithAction returns a copy of n carrying action a.
func (n Notice) WithAction(a Action) Notice {
	n.Action = a
	return n
}

// actionHints maps actions to the hint printed after the message.
var actionHints = map[Action]string{
	ActionRetry:  "run the command again",
	ActionLogin:  "run 'sectorsync login'",
	ActionReload: "restart 'sectorsync watch'",
}

// Writer prints notices as single lines to an io.Writer (normally stderr).
type Writer struct {
	mu    sync.Mutex
	w     io.Writer
	quiet bool
}

// NewWriter returns a Writer. In quiet mode info-level notices are dropped.
func NewWriter(w io.Writer, quiet bool) *Writer {
	return &Writer{w: w, quiet: quiet}
}

func (nw *Writer) Notify(n Notice) {
	if nw.quiet && n.Level == LevelInfo {
		return
	}

	nw.mu.Lock()
	defer nw.mu.Unlock()

	if hint, ok := actionHints[n.Action]; ok {
		fmt.Fprintf(nw.w, "[%s] %s (%s)\n", n.Level, n.Message, hint)
		return
	}

	fmt.Fprintf(nw.w, "[%s] %s\n", n.Level, n.Message)
}
