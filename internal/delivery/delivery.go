// Package delivery sends finished callouts to Slack and e-mail.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/experiment-callouts/internal/pkg/logger"
)

// Message is one callout ready to send.
type Message struct {
	Date     string
	Markdown string
	Slack    string
}

// Notifier delivers a callout to one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, msg Message) error
}

// Fanout sends to every notifier and reports all failures together.
type Fanout struct {
	notifiers []Notifier
	log       *logger.Logger
}

// NewFanout skips nil notifiers.
func NewFanout(notifiers ...Notifier) *Fanout {
	f := &Fanout{log: logger.Default().With("component", "delivery")}
	for _, n := range notifiers {
		if n != nil {
			f.notifiers = append(f.notifiers, n)
		}
	}
	return f
}

// Len is the number of configured channels.
func (f *Fanout) Len() int { return len(f.notifiers) }

// Name lists the channels.
func (f *Fanout) Name() string { return fmt.Sprintf("fanout(%d)", len(f.notifiers)) }

// Notify attempts every channel even when one fails.
func (f *Fanout) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range f.notifiers {
		if err := n.Notify(ctx, msg); err != nil {
			f.log.Error("delivery failed", "channel", n.Name(), "date", msg.Date, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
			continue
		}
		f.log.Info("callout delivered", "channel", n.Name(), "date", msg.Date)
	}
	return errors.Join(errs...)
}
