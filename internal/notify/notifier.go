// Package notify delivers stage-transition events to the people who must act
// on them next. Delivery is best effort: the workflow has already persisted
// the transition before any notifier runs.
package notify

import (
	"context"
	"errors"

	"github.com/pitabwire/odflow/model"
)

// Notifier is informed of every persisted stage transition.
type Notifier interface {
	Notify(ctx context.Context, event model.StageEvent) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, event model.StageEvent) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, event model.StageEvent) error {
	return f(ctx, event)
}

// Nop discards every event.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, model.StageEvent) error { return nil }

// Multi fans an event out to several notifiers. Every notifier is called even
// when an earlier one fails; the errors are joined.
type Multi []Notifier

// Notify delivers event to each notifier in order.
func (m Multi) Notify(ctx context.Context, event model.StageEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
