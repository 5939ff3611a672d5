// Package notify carries the notifications a workflow transition produces.
// The engine returns them alongside the new state; callers dispatch them only
// after the transaction has committed, so a failed write never notifies.
package notify

import (
	"context"
	"log"
)

// Notification is addressed either to a concrete actor (ToActor) or to every
// holder of a role (ToRole). Exactly one of the two is set.
type Notification struct {
	Type       string         `json:"type"`
	WorkItemID string         `json:"work_item_id"`
	FromActor  string         `json:"from_actor"`
	ToActor    string         `json:"to_actor,omitempty"`
	ToRole     string         `json:"to_role,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Notifier delivers notifications. Delivery is best effort; a Notifier must
// not fail the transition that produced the notification.
type Notifier interface {
	Emit(ctx context.Context, n Notification)
}

// LogNotifier writes notifications to the process log. It is the default
// sink when no webhook is configured.
type LogNotifier struct{}

func (LogNotifier) Emit(_ context.Context, n Notification) {
	target := n.ToActor
	if target == "" {
		target = "role:" + n.ToRole
	}
	log.Printf("notify %s item=%s from=%s to=%s", n.Type, n.WorkItemID, n.FromActor, target)
}

// Multi fans a notification out to several sinks.
type Multi []Notifier

func (m Multi) Emit(ctx context.Context, n Notification) {
	for _, nf := range m {
		nf.Emit(ctx, n)
	}
}
