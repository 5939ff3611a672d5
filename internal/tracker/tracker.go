// Package tracker manages the timed work sessions on a work item. A session
// segment is opened by start or resume and closed by pause or finish; only
// closed segments materialize a duration, and the item's accumulated total
// only ever grows by closed-segment deltas.
package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"timegate/internal/domain"
	"timegate/internal/repo"
)

// SessionConflictError reports a start/pause/resume/finish call that does not
// match the item's current session state.
type SessionConflictError struct {
	Reason string
}

func (e SessionConflictError) Error() string {
	return fmt.Sprintf("session conflict: %s", e.Reason)
}

const (
	reasonAlreadyWorking = "already working"
	reasonNotWorking     = "not working"
	reasonNotPaused      = "not paused"
)

func ErrAlreadyWorking() error { return SessionConflictError{Reason: reasonAlreadyWorking} }
func ErrNotWorking() error     { return SessionConflictError{Reason: reasonNotWorking} }
func ErrNotPaused() error      { return SessionConflictError{Reason: reasonNotPaused} }

type Tracker struct {
	Store repo.Store
	Now   func() time.Time
}

func (t Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Start opens a new session segment. It fails if any session is already open
// on the item, for either role: a developer session and a QA session must
// never run at the same time.
func (t Tracker) Start(ctx context.Context, tx *sql.Tx, item *domain.WorkItem, actorID string, role domain.SessionRole) (domain.WorkSession, error) {
	if _, err := t.Store.AnyOpenSessionTx(ctx, tx, item.ID); err == nil {
		return domain.WorkSession{}, ErrAlreadyWorking()
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.WorkSession{}, err
	}
	now := t.now().UTC().Format(time.RFC3339)
	ws := domain.WorkSession{
		ID:         uuid.New().String(),
		WorkItemID: item.ID,
		ActorID:    actorID,
		Role:       role,
		StartedAt:  now,
	}
	if err := t.Store.AppendSessionTx(ctx, tx, ws); err != nil {
		return domain.WorkSession{}, err
	}
	switch role {
	case domain.SessionDeveloper:
		item.IsWorking = true
		item.WorkStartedAt = &now
	case domain.SessionQA:
		item.QAStatus = domain.QATesting
		item.QATestingStartedAt = &now
		item.QATestingPausedAt = nil
		item.QATestingFinishedAt = nil
	}
	return ws, nil
}

// Pause closes the open segment for the role, adding its delta to the item's
// accumulated developer time. The logical status stays unchanged: the work
// remains in progress, just not actively timed.
func (t Tracker) Pause(ctx context.Context, tx *sql.Tx, item *domain.WorkItem, role domain.SessionRole) (domain.WorkSession, error) {
	ws, err := t.openSession(ctx, tx, item.ID, role)
	if err != nil {
		return domain.WorkSession{}, err
	}
	now := t.now()
	nowStr := now.UTC().Format(time.RFC3339)
	ws.PausedAt = &nowStr
	ws.DurationSeconds = t.segmentSeconds(ws.StartedAt, now)
	if err := t.Store.CloseSessionTx(ctx, tx, ws); err != nil {
		return domain.WorkSession{}, err
	}
	switch role {
	case domain.SessionDeveloper:
		item.TotalTimeSeconds += ws.DurationSeconds
		item.IsWorking = false
	case domain.SessionQA:
		item.QATestingPausedAt = &nowStr
	}
	return ws, nil
}

// Resume opens a fresh segment on an item that is paused but still assigned.
func (t Tracker) Resume(ctx context.Context, tx *sql.Tx, item *domain.WorkItem, actorID string, role domain.SessionRole) (domain.WorkSession, error) {
	if _, err := t.Store.AnyOpenSessionTx(ctx, tx, item.ID); err == nil {
		return domain.WorkSession{}, ErrAlreadyWorking()
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.WorkSession{}, err
	}
	switch role {
	case domain.SessionDeveloper:
		if item.WorkStatus != domain.WorkInProgress || item.IsWorking {
			return domain.WorkSession{}, ErrNotPaused()
		}
	case domain.SessionQA:
		if item.QAStatus != domain.QATesting || item.QATestingPausedAt == nil {
			return domain.WorkSession{}, ErrNotPaused()
		}
	}
	now := t.now().UTC().Format(time.RFC3339)
	ws := domain.WorkSession{
		ID:         uuid.New().String(),
		WorkItemID: item.ID,
		ActorID:    actorID,
		Role:       role,
		StartedAt:  now,
		ResumedAt:  &now,
	}
	if err := t.Store.AppendSessionTx(ctx, tx, ws); err != nil {
		return domain.WorkSession{}, err
	}
	switch role {
	case domain.SessionDeveloper:
		item.IsWorking = true
	case domain.SessionQA:
		item.QATestingPausedAt = nil
	}
	return ws, nil
}

// Finish closes the open segment and stamps the role's finish timestamp.
func (t Tracker) Finish(ctx context.Context, tx *sql.Tx, item *domain.WorkItem, role domain.SessionRole) (domain.WorkSession, error) {
	ws, err := t.openSession(ctx, tx, item.ID, role)
	if err != nil {
		return domain.WorkSession{}, err
	}
	now := t.now()
	nowStr := now.UTC().Format(time.RFC3339)
	ws.FinishedAt = &nowStr
	ws.DurationSeconds = t.segmentSeconds(ws.StartedAt, now)
	if err := t.Store.CloseSessionTx(ctx, tx, ws); err != nil {
		return domain.WorkSession{}, err
	}
	switch role {
	case domain.SessionDeveloper:
		item.TotalTimeSeconds += ws.DurationSeconds
		item.IsWorking = false
		item.ActualFinishAt = &nowStr
	case domain.SessionQA:
		item.QATestingPausedAt = nil
		item.QATestingFinishedAt = &nowStr
	}
	return ws, nil
}

func (t Tracker) openSession(ctx context.Context, tx *sql.Tx, itemID string, role domain.SessionRole) (domain.WorkSession, error) {
	ws, err := t.Store.OpenSessionTx(ctx, tx, itemID, role)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.WorkSession{}, ErrNotWorking()
		}
		return domain.WorkSession{}, err
	}
	return ws, nil
}

// segmentSeconds computes a whole-second delta, clamped at zero so clock
// skew can never shrink an accumulated total.
func (t Tracker) segmentSeconds(startedAt string, now time.Time) int64 {
	started, err := time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return 0
	}
	delta := int64(now.Sub(started) / time.Second)
	if delta < 0 {
		return 0
	}
	return delta
}
