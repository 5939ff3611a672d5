// Package limiter enforces the cap on how many work items an actor can have
// active at once. An item counts as active while the actor is still on the
// hook for it: timing work, holding an in-progress or rejected item, or owing
// a fix for requested changes.
package limiter

import (
	"context"
	"fmt"

	"timegate/internal/domain"
	"timegate/internal/registry"
	"timegate/internal/repo"
)

// LimitError reports a start attempt that would push an actor past the
// active-work cap.
type LimitError struct {
	ActorID string
	Active  int
	Max     int
}

func (e LimitError) Error() string {
	return fmt.Sprintf("actor %s already has %d active work items (max %d)", e.ActorID, e.Active, e.Max)
}

type Limiter struct {
	Store     repo.Store
	Registry  registry.Registry
	MaxActive int
}

// CanStartMore reports whether the actor may take on another work item.
// Holders of the unlimited-work permission bypass the cap entirely.
func (l Limiter) CanStartMore(ctx context.Context, actorID string) (bool, int, error) {
	ok, err := l.Registry.HasPermission(ctx, actorID, domain.PermUnlimitedActiveWork)
	if err != nil {
		return false, 0, err
	}
	if ok {
		return true, 0, nil
	}
	active, err := l.Store.CountActive(ctx, actorID)
	if err != nil {
		return false, 0, err
	}
	return active < l.MaxActive, active, nil
}

// EnsureCanStart is CanStartMore with a typed failure for callers that want
// to reject the start outright.
func (l Limiter) EnsureCanStart(ctx context.Context, actorID string) error {
	ok, active, err := l.CanStartMore(ctx, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return LimitError{ActorID: actorID, Active: active, Max: l.MaxActive}
	}
	return nil
}
