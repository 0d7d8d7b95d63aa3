// Package mock provides a test double for the notify.Notifier interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/murmur/internal/notify"
)

// Notifier records every message and returns Err.
type Notifier struct {
	mu sync.Mutex

	// Err, if non-nil, is returned from Notify.
	Err error

	// Block, if set, makes Notify wait for ctx to end before returning
	// ctx.Err().
	Block bool

	messages []notify.Message
}

var _ notify.Notifier = (*Notifier)(nil)

// Notify implements notify.Notifier.
func (n *Notifier) Notify(ctx context.Context, msg notify.Message) error {
	n.mu.Lock()
	n.messages = append(n.messages, msg)
	err, block := n.Err, n.Block
	n.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

// Messages returns a copy of the recorded messages.
func (n *Notifier) Messages() []notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Message, len(n.messages))
	copy(out, n.messages)
	return out
}
