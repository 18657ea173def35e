// Package notify defines the outbound notification surface for run
// outcomes. Sink failures are the caller's to log; they must never change a
// run result.
package notify

import "context"

// Notifier delivers a run outcome message to an external sink.
type Notifier interface {
	Notify(ctx context.Context, subject, text string) error
}

// Noop discards notifications. Used when no sink is configured.
type Noop struct{}

// Notify implements Notifier.
func (Noop) Notify(context.Context, string, string) error { return nil }
