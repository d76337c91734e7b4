package chatsync

import (
	"time"

	"github.com/rs/zerolog"
)

// NoticeLevel is the severity of a user-facing notice.
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Notice is a transient, dismissable message for the user. Recoverable
// failures (send, delete, mark-read, reconnect exhaustion) are reported here
// after the cache has been rolled back.
type Notice struct {
	Level   NoticeLevel
	Op      string
	Message string
	Err     error
	At      time.Time
}

// Notifier receives notices.
type Notifier interface {
	Notify(n Notice)
}

// NoticeFunc adapts a function to Notifier.
type NoticeFunc func(n Notice)

// Notify implements Notifier.
func (f NoticeFunc) Notify(n Notice) { f(n) }

// LogNotifier writes notices to a logger.
type LogNotifier struct {
	Log zerolog.Logger
}

// Notify implements Notifier.
func (l LogNotifier) Notify(n Notice) {
	ev := l.Log.Info()
	switch n.Level {
	case NoticeWarning:
		ev = l.Log.Warn()
	case NoticeError:
		ev = l.Log.Error()
	}
	ev.Str("op", n.Op).Err(n.Err).Msg(n.Message)
}

func notify(n Notifier, level NoticeLevel, op, msg string, err error, now time.Time) {
	if n == nil {
		return
	}
	func() {
		defer func() { recover() }() // notice sinks are UI code
		n.Notify(Notice{Level: level, Op: op, Message: msg, Err: err, At: now})
	}()
}
