package session

import (
	"context"
	"log/slog"

	"github.com/MrWong99/liveasr/internal/history"
)

// Severity of a [Notification].
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityError Severity = "error"
)

// Notification is a transient user-facing message.
type Notification struct {
	Severity Severity
	Message  string

	// Kind is set for error notifications.
	Kind ErrorKind
}

// Notifier shows transient notifications. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// LogNotifier writes notifications to a [slog.Logger].
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements [Notifier].
func (n LogNotifier) Notify(ctx context.Context, note Notification) {
	log := n.Logger
	if log == nil {
		log = slog.Default()
	}
	if note.Severity == SeverityError {
		log.WarnContext(ctx, "session notification", "message", note.Message, "kind", note.Kind.String())
		return
	}
	log.InfoContext(ctx, "session notification", "message", note.Message)
}

// UtteranceSink receives every utterance the controller commits. The
// history stores and the event bus implement it.
type UtteranceSink interface {
	Append(ctx context.Context, u history.Utterance) error
}

var _ Notifier = LogNotifier{}
