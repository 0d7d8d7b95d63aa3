// Package notify delivers owner-facing alerts raised by the urgency scanner.
//
// Notification delivery is an external collaborator. Implementations of
// [Notifier] report delivery status through their error return; callers
// treat every error as advisory and never let it touch conversation state.
package notify

import (
	"context"
	"errors"
	"log/slog"
)

// ErrThrottled is returned by [Limited] when an owner exceeded the
// configured notification rate.
var ErrThrottled = errors.New("notify: throttled")

// Message is one notification for one owner.
type Message struct {
	OwnerID string `json:"uid"`
	Text    string `json:"message"`

	// Level is the urgency level that triggered the notification.
	Level string `json:"urgency_level"`

	// GenerateAudio asks the delivery side to synthesise a spoken version.
	GenerateAudio bool `json:"generate_audio"`
}

// Notifier delivers a [Message]. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// LogNotifier writes notifications to a logger. It is the default when no
// delivery endpoint is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

var _ Notifier = LogNotifier{}

// Notify implements [Notifier].
func (n LogNotifier) Notify(_ context.Context, msg Message) error {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("notification", "owner_id", msg.OwnerID, "level", msg.Level, "generate_audio", msg.GenerateAudio, "text", msg.Text)
	return nil
}
