// Package engine implements the work item workflow: developer sessions,
// team lead approval, QA testing, and the final verdict. Every transition
// runs under an in-process item lock and a single DB transaction; the
// notifications it produces are returned to the caller for dispatch after
// commit.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"timegate/internal/config"
	"timegate/internal/domain"
	"timegate/internal/events"
	"timegate/internal/limiter"
	"timegate/internal/notify"
	"timegate/internal/registry"
	"timegate/internal/repo"
	"timegate/internal/tracker"
)

type Engine struct {
	DB       *sql.DB
	Store    repo.Store
	Events   events.Writer
	Registry registry.Registry
	Tracker  tracker.Tracker
	Limiter  limiter.Limiter
	Config   *config.Config
	Now      func() time.Time

	locks *lockTable
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	st := repo.Store{DB: db}
	reg := registry.New(db, cfg)
	return &Engine{
		DB:       db,
		Store:    st,
		Events:   events.Writer{DB: db},
		Registry: reg,
		Tracker:  tracker.Tracker{Store: st},
		Limiter:  limiter.Limiter{Store: st, Registry: reg, MaxActive: cfg.MaxActiveItems()},
		Config:   cfg,
		Now:      time.Now,
		locks:    newLockTable(),
	}
}

// SetNow pins the clock on the engine and every component it drives.
func (e *Engine) SetNow(now func() time.Time) {
	e.Now = now
	e.Events.Now = now
	e.Registry.Now = now
	e.Registry.Events.Now = now
	e.Limiter.Registry.Now = now
	e.Tracker.Now = now
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// CreateOptions are parameters for creating a work item.
type CreateOptions struct {
	ID          string
	ProjectID   string
	Kind        domain.Kind
	Title       string
	Description string
	AssigneeID  string
	ApproverID  string
	ActorID     string
}

func (e *Engine) CreateWorkItem(ctx context.Context, opts CreateOptions) (domain.WorkItem, error) {
	if opts.Title == "" {
		return domain.WorkItem{}, errors.New("title is required")
	}
	if opts.ProjectID == "" {
		return domain.WorkItem{}, errors.New("project is required")
	}
	if opts.Kind == "" {
		opts.Kind = domain.KindTask
	}
	if opts.Kind != domain.KindTask && opts.Kind != domain.KindBug {
		return domain.WorkItem{}, fmt.Errorf("unknown work item kind %q", opts.Kind)
	}
	id := opts.ID
	now := e.nowStr()
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.ProjectID+"|"+opts.Title+"|"+now)).String()
	}
	w := domain.WorkItem{
		ID:               id,
		ProjectID:        opts.ProjectID,
		Kind:             opts.Kind,
		Title:            opts.Title,
		Description:      opts.Description,
		AssigneeID:       optionalString(opts.AssigneeID),
		ApproverID:       optionalString(opts.ApproverID),
		WorkStatus:       domain.WorkTodo,
		ApprovalStatus:   domain.ApprovalPending,
		QAStatus:         domain.QAPending,
		FinalVerdict:     domain.FinalNone,
		TotalTimeSeconds: 0,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	if err := e.Store.InsertWorkItemTx(ctx, tx, w); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.Events.Append(ctx, tx, "work_item_created", w.ProjectID, "work_item", w.ID, opts.ActorID, events.Payload{"title": w.Title, "kind": string(w.Kind)}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return w, nil
}

// StartWork begins (or restarts) developer time on an item. A restart after a
// rejection or requested changes reuses the actor's existing active slot; a
// first start consumes a new one and is subject to the active-work cap.
func (e *Engine) StartWork(ctx context.Context, itemID, actorID string) (domain.WorkItem, []notify.Notification, error) {
	unlockActor := e.locks.lockActor(actorID)
	defer unlockActor()
	unlockItem := e.locks.lockItem(itemID)
	defer unlockItem()

	item, err := e.Store.GetWorkItem(ctx, itemID)
	if err != nil {
		return domain.WorkItem{}, nil, err
	}
	if err := requireAssignee(item, actorID); err != nil {
		return item, nil, err
	}
	if item.FinalVerdict == domain.FinalApproved {
		return item, nil, InvalidTransitionError{Op: "start", Detail: "work item has final approval"}
	}
	if item.WorkStatus == domain.WorkInProgress {
		return item, nil, tracker.ErrAlreadyWorking()
	}
	hasChangeRequest, err := e.Store.HasUnresolvedNote(ctx, itemID, domain.NoteChangeRequest)
	if err != nil {
		return item, nil, err
	}
	restart := item.QAStatus == domain.QARejected ||
		item.FinalVerdict == domain.FinalChangesRequested ||
		hasChangeRequest
	if item.WorkStatus == domain.WorkDone && !restart {
		return item, nil, InvalidTransitionError{Op: "start", Detail: "work item is done; wait for a verdict"}
	}
	if !restart {
		if err := e.Limiter.EnsureCanStart(ctx, actorID); err != nil {
			return item, nil, err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, nil, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	if hasChangeRequest {
		note, err := e.Store.UnresolvedNoteTx(ctx, tx, itemID, domain.NoteChangeRequest)
		if err == nil {
			if err := e.Store.ResolveNoteTx(ctx, tx, note.ID, now); err != nil {
				return item, nil, err
			}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return item, nil, err
		}
	}
	if item.QAStatus == domain.QARejected {
		item.QAStatus = domain.QAPending
	}
	if item.FinalVerdict == domain.FinalChangesRequested {
		item.FinalVerdict = domain.FinalNone
	}
	item.ApprovalStatus = domain.ApprovalPending
	item.WorkStatus = domain.WorkInProgress
	item.ActualFinishAt = nil
	ws, err := e.Tracker.Start(ctx, tx, &item, actorID, domain.SessionDeveloper)
	if err != nil {
		return item, nil, err
	}
	item.UpdatedAt = now
	if err := e.updateItem(ctx, tx, &item); err != nil {
		return item, nil, err
	}
	if err := e.Events.Append(ctx, tx, "work_started", item.ProjectID, "work_item", item.ID, actorID, events.Payload{"session_id": ws.ID, "restart": restart}); err != nil {
		return item, nil, err
	}
	if err := tx.Commit(); err != nil {
		return item, nil, err
	}
	return item, []notify.Notification{e.toApprover(item, "work_started", actorID)}, nil
}

// PauseWork closes the running developer segment without changing the
// item's logical status.
func (e *Engine) PauseWork(ctx context.Context, itemID, actorID string) (domain.WorkItem, []notify.Notification, error) {
	unlock := e.locks.lockItem(itemID)
	defer unlock()

	item, err := e.Store.GetWorkItem(ctx, itemID)
	if err != nil {
		return domain.WorkItem{}, nil, err
	}
	if err := requireAssignee(item, actorID); err != nil {
		return item, nil, err
	}
	if item.WorkStatus != domain.WorkInProgress {
		return item, nil, tracker.ErrNotWorking()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, nil, err
	}
	defer tx.Rollback()

	ws, err := e.Tracker.Pause(ctx, tx, &item, domain.SessionDeveloper)
	if err != nil {
		return item, nil, err
	}
	item.UpdatedAt = e.nowStr()
	if err := e.updateItem(ctx, tx, &item); err != nil {
		return item, nil, err
	}
	if err := e.Events.Append(ctx, tx, "work_paused", item.ProjectID, "work_item", item.ID, actorID, events.Payload{"session_id": ws.ID, "duration_seconds": ws.DurationSeconds}); err != nil {
		return item, nil, err
	}
	if err := tx.Commit(); err != nil {
		return item, nil, err
	}
	return item, []notify.Notification{e.toApprover(item, "work_paused", actorID)}, nil
}

// ResumeWork reopens timing on a paused item.
func (e *Engine) ResumeWork(ctx context.Context, itemID, actorID string) (domain.WorkItem, []notify.Notification, error) {
	unlock := e.locks.lockItem(itemID)
	defer unlock()

	item, err := e.Store.GetWorkItem(ctx, itemID)
	if err != nil {
		return domain.WorkItem{}, nil, err
	}
	if err := requireAssignee(item, actorID); err != nil {
		return item, nil, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, nil, err
	}
	defer tx.Rollback()

	ws, err := e.Tracker.Resume(ctx, tx, &item, actorID, domain.SessionDeveloper)
	if err != nil {
		return item, nil, err
	}
	item.UpdatedAt = e.nowStr()
	if err := e.updateItem(ctx, tx, &item); err != nil {
		return item, nil, err
	}
	if err := e.Events.Append(ctx, tx, "work_resumed", item.ProjectID, "work_item", item.ID, actorID, events.Payload{"session_id": ws.ID}); err != nil {
		return item, nil, err
	}
	if err := tx.Commit(); err != nil {
		return item, nil, err
	}
	return item, []notify.Notification{e.toApprover(item, "work_resumed", actorID)}, nil
}

// FinishWork marks the developer's part done and hands the item to its
// approver. It requires an open session; a paused item must be resumed
// before it can be finished.
func (e *Engine) FinishWork(ctx context.Context, itemID, actorID string) (domain.WorkItem, []notify.Notification, error) {
	unlock := e.locks.lockItem(itemID)
	defer unlock()

	item, err := e.Store.GetWorkItem(ctx, itemID)
	if err != nil {
		return domain.WorkItem{}, nil, err
	}
	if err := requireAssignee(item, actorID); err != nil {
		return item, nil, err
	}
	if item.WorkStatus != domain.WorkInProgress || !item.IsWorking {
		return item, nil, tracker.ErrNotWorking()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, nil, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	if _, err := e.Tracker.Finish(ctx, tx, &item, domain.SessionDeveloper); err != nil {
		return item, nil, err
	}
	item.WorkStatus = domain.WorkDone
	item.ApprovalStatus = domain.ApprovalPending
	item.UpdatedAt = now
	if err := e.updateItem(ctx, tx, &item); err != nil {
		return item, nil, err
	}
	if err := e.Events.Append(ctx, tx, "work_finished", item.ProjectID, "work_item", item.ID, actorID, events.Payload{"total_time_seconds": item.TotalTimeSeconds}); err != nil {
		return item, nil, err
	}
	if err := tx.Commit(); err != nil {
		return item, nil, err
	}
	return item, []notify.Notification{e.toApprover(item, "work_finished", actorID)}, nil
}

// Approve is the team lead sign-off that releases a finished item to QA.
func (e *Engine) Approve(ctx context.Context, itemID, actorID string) (domain.WorkItem, []notify.Notification, error) {
	unlock := e.locks.lockItem(itemID)
	defer unlock()

	item, err := e.Store.GetWorkItem(ctx, itemID)
	if err != nil {
		return domain.WorkItem{}, nil, err
	}
	if err := e.requireLead(ctx, actorID); err != nil {
		return item, nil, err
	}
	if item.WorkStatus != domain.WorkDone || item.ApprovalStatus != domain.ApprovalPending {
		return item, nil, InvalidTransitionError{Op: "approve", Detail: fmt.Sprintf("work %s, approval %s", item.WorkStatus, item.ApprovalStatus)}
	}
	if item.QAStatus != domain.QAPending {
		return item, nil, InvalidTransitionError{Op: "approve", Detail: "already in QA"}
	}
	hasChangeRequest, err := e.Store.HasUnresolvedNote(ctx, itemID, domain.NoteChangeRequest)
	if err != nil {
		return item, nil, err
	}
	if hasChangeRequest {
		return item, nil, InvalidTransitionError{Op: "approve", Detail: "changes already requested"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, nil, err
	}
	defer tx.Rollback()

	item.ApprovalStatus = domain.ApprovalApproved
	item.QAStatus = domain.QAReadyForTest
	item.UpdatedAt = e.nowStr()
	if err := e.updateItem(ctx, tx, &item); err != nil {
		return item, nil, err
	}
	if err := e.Events.Append(ctx, tx, "work_ready_for_qa", item.ProjectID, "work_item", item.ID, actorID, events.Payload{}); err != nil {
		return item, nil, err
	}
	if err := tx.Commit(); err != nil {
		return item, nil, err
	}
	n := notify.Notification{
		Type:       "work_ready_for_qa",
		WorkItemID: item.ID,
		FromActor:  actorID,
		ToRole:     string(domain.RoleQA),
	}
	return item, []notify.Notification{n}, nil
}

// RequestChanges is the team lead rejecting a finished item before it
// reaches QA. The item stays done; the note keeps it on the developer's
// plate until they restart.
func (e *Engine) RequestChanges(ctx context.Context, itemID, actorID, note string) (domain.WorkItem, []notify.Notification, error) {
	unlock := e.locks.lockItem(itemID)
	defer unlock()

	item, err := e.Store.GetWorkItem(ctx, itemID)
	if err != nil {
		return domain.WorkItem{}, nil, err
	}
	if err := e.requireLead(ctx, actorID); err != nil {
		return item, nil, err
	}
	if note == "" {
		return item, nil, MissingNoteError{Op: "request-changes"}
	}
	if item.WorkStatus != domain.WorkDone || item.ApprovalStatus != domain.ApprovalPending || item.QAStatus != domain.QAPending {
		return item, nil, InvalidTransitionError{Op: "request-changes", Detail: fmt.Sprintf("work %s, approval %s, qa %s", item.WorkStatus, item.ApprovalStatus, item.QAStatus)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, nil, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	if err := e.Store.InsertNoteTx(ctx, tx, domain.Note{
		ID:         uuid.New().String(),
		WorkItemID: item.ID,
		ActorID:    actorID,
		Kind:       domain.NoteChangeRequest,
		Body:       note,
		CreatedAt:  now,
	}); err != nil {
		return item, nil, err
	}
	item.UpdatedAt = now
	if err := e.updateItem(ctx, tx, &item); err != nil {
		return item, nil, err
	}
	if err := e.Events.Append(ctx, tx, "changes_requested", item.ProjectID, "work_item", item.ID, actorID, events.Payload{"note": note}); err != nil {
		return item, nil, err
	}
	if err := tx.Commit(); err != nil {
		return item, nil, err
	}
	return item, []notify.Notification{e.toAssignee(item, "changes_requested", actorID)}, nil
}

// ClaimQA assigns a ready-for-test item to the calling tester. First claim
// wins; everyone after gets AlreadyClaimedError.
func (e *Engine) ClaimQA(ctx context.Context, itemID, actorID string) (domain.WorkItem, []notify.Notification, error) {
	unlock := e.locks.lockItem(itemID)
	defer unlock()

	item, err := e.Store.GetWorkItem(ctx, itemID)
	if err != nil {
		return domain.WorkItem{}, nil, err
	}
	if err := e.requireQARole(ctx, actorID); err != nil {
		return item, nil, err
	}
	if item.QAStatus != domain.QAReadyForTest {
		return item, nil, InvalidTransitionError{Op: "qa-claim", Detail: fmt.Sprintf("qa %s", item.QAStatus)}
	}
	if item.QAAssigneeID != nil {
		return item, nil, AlreadyClaimedError{WorkItemID: item.ID, ClaimedBy: *item.QAAssigneeID}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, nil, err
	}
	defer tx.Rollback()

	item.QAAssigneeID = &actorID
	item.UpdatedAt = e.nowStr()
	if err := e.updateItem(ctx, tx, &item); err != nil {
		return item, nil, err
	}
	if err := e.Events.Append(ctx, tx, "qa_claimed", item.ProjectID, "work_item", item.ID, actorID, events.Payload{}); err != nil {
		return item, nil, err
	}
	if err := tx.Commit(); err != nil {
		return item, nil, err
	}
	return item, []notify.Notification{e.toApprover(item, "qa_claimed", actorID)}, nil
}

// StartTesting opens the tester's timed session on a claimed item.
func (e *Engine) StartTesting(ctx context.Context, itemID, actorID string) (domain.WorkItem, []notify.Notification, error) {
	unlock := e.locks.lockItem(itemID)
	defer unlock()

	item, err := e.Store.GetWorkItem(ctx, itemID)
	if err != nil {
		return domain.WorkItem{}, nil, err
	}
	if err := requireQAAssignee(item, actorID); err != nil {
		return item, nil, err
	}
	if item.QAStatus != domain.QAReadyForTest {
		return item, nil, InvalidTransitionError{Op: "qa-start", Detail: fmt.Sprintf("qa %s", item.QAStatus)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, nil, err
	}
	defer tx.Rollback()

	ws, err := e.Tracker.Start(ctx, tx, &item, actorID, domain.SessionQA)
	if err != nil {
		return item, nil, err
	}
	item.UpdatedAt = e.nowStr()
	if err := e.updateItem(ctx, tx, &item); err != nil {
		return item, nil, err
	}
	if err := e.Events.Append(ctx, tx, "qa_testing_started", item.ProjectID, "work_item", item.ID, actorID, events.Payload{"session_id": ws.ID}); err != nil {
		return item, nil, err
	}
	if err := tx.Commit(); err != nil {
		return item, nil, err
	}
	return item, []notify.Notification{e.toApprover(item, "qa_testing_started", actorID)}, nil
}

func (e *Engine) PauseTesting(ctx context.Context, itemID, actorID string) (domain.WorkItem, []notify.Notification, error) {
	unlock := e.locks.lockItem(itemID)
	defer unlock()

	item, err := e.Store.GetWorkItem(ctx, itemID)
	if err != nil {
		return domain.WorkItem{}, nil, err
	}
	if err := requireQAAssignee(item, actorID); err != nil {
		return item, nil, err
	}
	if item.QAStatus != domain.QATesting {
		return item, nil, tracker.ErrNotWorking()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, nil, err
	}
	defer tx.Rollback()

	ws, err := e.Tracker.Pause(ctx, tx, &item, domain.SessionQA)
	if err != nil {
		return item, nil, err
	}
	item.UpdatedAt = e.nowStr()
	if err := e.updateItem(ctx, tx, &item); err != nil {
		return item, nil, err
	}
	if err := e.Events.Append(ctx, tx, "qa_testing_paused", item.ProjectID, "work_item", item.ID, actorID, events.Payload{"session_id": ws.ID, "duration_seconds": ws.DurationSeconds}); err != nil {
		return item, nil, err
	}
	if err := tx.Commit(); err != nil {
		return item, nil, err
	}
	return item, []notify.Notification{e.toApprover(item, "qa_testing_paused", actorID)}, nil
}

func (e *Engine) ResumeTesting(ctx context.Context, itemID, actorID string) (domain.WorkItem, []notify.Notification, error) {
	unlock := e.locks.lockItem(itemID)
	defer unlock()

	item, err := e.Store.GetWorkItem(ctx, itemID)
	if err != nil {
		return domain.WorkItem{}, nil, err
	}
	if err := requireQAAssignee(item, actorID); err != nil {
		return item, nil, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, nil, err
	}
	defer tx.Rollback()

	ws, err := e.Tracker.Resume(ctx, tx, &item, actorID, domain.SessionQA)
	if err != nil {
		return item, nil, err
	}
	item.UpdatedAt = e.nowStr()
	if err := e.updateItem(ctx, tx, &item); err != nil {
		return item, nil, err
	}
	if err := e.Events.Append(ctx, tx, "qa_testing_resumed", item.ProjectID, "work_item", item.ID, actorID, events.Payload{"session_id": ws.ID}); err != nil {
		return item, nil, err
	}
	if err := tx.Commit(); err != nil {
		return item, nil, err
	}
	return item, []notify.Notification{e.toApprover(item, "qa_testing_resumed", actorID)}, nil
}

// FinishTesting closes the tester's session. The item stays in testing;
// the verdict is a separate step.
func (e *Engine) FinishTesting(ctx context.Context, itemID, actorID string) (domain.WorkItem, []notify.Notification, error) {
	unlock := e.locks.lockItem(itemID)
	defer unlock()

	item, err := e.Store.GetWorkItem(ctx, itemID)
	if err != nil {
		return domain.WorkItem{}, nil, err
	}
	if err := requireQAAssignee(item, actorID); err != nil {
		return item, nil, err
	}
	if item.QAStatus != domain.QATesting {
		return item, nil, tracker.ErrNotWorking()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, nil, err
	}
	defer tx.Rollback()

	ws, err := e.Tracker.Finish(ctx, tx, &item, domain.SessionQA)
	if err != nil {
		return item, nil, err
	}
	item.UpdatedAt = e.nowStr()
	if err := e.updateItem(ctx, tx, &item); err != nil {
		return item, nil, err
	}
	if err := e.Events.Append(ctx, tx, "qa_testing_finished", item.ProjectID, "work_item", item.ID, actorID, events.Payload{"session_id": ws.ID, "duration_seconds": ws.DurationSeconds}); err != nil {
		return item, nil, err
	}
	if err := tx.Commit(); err != nil {
		return item, nil, err
	}
	return item, []notify.Notification{e.toApprover(item, "qa_testing_finished", actorID)}, nil
}

// ApproveQA records the tester's pass verdict. Testing must be finished and
// the verdict always carries a note.
func (e *Engine) ApproveQA(ctx context.Context, itemID, actorID, note string) (domain.WorkItem, []notify.Notification, error) {
	unlock := e.locks.lockItem(itemID)
	defer unlock()

	item, err := e.Store.GetWorkItem(ctx, itemID)
	if err != nil {
		return domain.WorkItem{}, nil, err
	}
	if err := requireQAAssignee(item, actorID); err != nil {
		return item, nil, err
	}
	if note == "" {
		return item, nil, MissingNoteError{Op: "qa-approve"}
	}
	if item.QAStatus != domain.QATesting || item.QATestingFinishedAt == nil {
		return item, nil, InvalidTransitionError{Op: "qa-approve", Detail: "testing not finished"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, nil, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	if err := e.Store.InsertNoteTx(ctx, tx, domain.Note{
		ID:         uuid.New().String(),
		WorkItemID: item.ID,
		ActorID:    actorID,
		Kind:       domain.NoteQAApproval,
		Body:       note,
		CreatedAt:  now,
	}); err != nil {
		return item, nil, err
	}
	item.QAStatus = domain.QAApproved
	item.UpdatedAt = now
	if err := e.updateItem(ctx, tx, &item); err != nil {
		return item, nil, err
	}
	if err := e.Events.Append(ctx, tx, "qa_approved", item.ProjectID, "work_item", item.ID, actorID, events.Payload{"note": note}); err != nil {
		return item, nil, err
	}
	if err := tx.Commit(); err != nil {
		return item, nil, err
	}
	return item, []notify.Notification{e.toApprover(item, "qa_approved", actorID)}, nil
}

// RejectQA records the tester's fail verdict and releases the claim so the
// reworked item can be tested by anyone.
func (e *Engine) RejectQA(ctx context.Context, itemID, actorID, reason string) (domain.WorkItem, []notify.Notification, error) {
	unlock := e.locks.lockItem(itemID)
	defer unlock()

	item, err := e.Store.GetWorkItem(ctx, itemID)
	if err != nil {
		return domain.WorkItem{}, nil, err
	}
	if err := requireQAAssignee(item, actorID); err != nil {
		return item, nil, err
	}
	if reason == "" {
		return item, nil, MissingNoteError{Op: "qa-reject"}
	}
	if item.QAStatus != domain.QATesting || item.QATestingFinishedAt == nil {
		return item, nil, InvalidTransitionError{Op: "qa-reject", Detail: "testing not finished"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, nil, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	if err := e.Store.InsertNoteTx(ctx, tx, domain.Note{
		ID:         uuid.New().String(),
		WorkItemID: item.ID,
		ActorID:    actorID,
		Kind:       domain.NoteQARejection,
		Body:       reason,
		CreatedAt:  now,
	}); err != nil {
		return item, nil, err
	}
	item.QAStatus = domain.QARejected
	item.QAAssigneeID = nil
	item.UpdatedAt = now
	if err := e.updateItem(ctx, tx, &item); err != nil {
		return item, nil, err
	}
	if err := e.Events.Append(ctx, tx, "qa_rejected", item.ProjectID, "work_item", item.ID, actorID, events.Payload{"reason": reason}); err != nil {
		return item, nil, err
	}
	if err := tx.Commit(); err != nil {
		return item, nil, err
	}
	return item, []notify.Notification{e.toAssignee(item, "qa_rejected", actorID)}, nil
}

// FinalApprove is the team lead's closing verdict on a QA-approved item.
// It is terminal: the item leaves everyone's active set for good.
func (e *Engine) FinalApprove(ctx context.Context, itemID, actorID string) (domain.WorkItem, []notify.Notification, error) {
	unlock := e.locks.lockItem(itemID)
	defer unlock()

	item, err := e.Store.GetWorkItem(ctx, itemID)
	if err != nil {
		return domain.WorkItem{}, nil, err
	}
	if err := e.requireLead(ctx, actorID); err != nil {
		return item, nil, err
	}
	if item.QAStatus != domain.QAApproved || item.FinalVerdict != domain.FinalNone {
		return item, nil, InvalidTransitionError{Op: "final-approve", Detail: fmt.Sprintf("qa %s, verdict %s", item.QAStatus, item.FinalVerdict)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, nil, err
	}
	defer tx.Rollback()

	item.FinalVerdict = domain.FinalApproved
	item.UpdatedAt = e.nowStr()
	if err := e.updateItem(ctx, tx, &item); err != nil {
		return item, nil, err
	}
	if err := e.Events.Append(ctx, tx, "final_approved", item.ProjectID, "work_item", item.ID, actorID, events.Payload{"total_time_seconds": item.TotalTimeSeconds}); err != nil {
		return item, nil, err
	}
	if err := tx.Commit(); err != nil {
		return item, nil, err
	}
	return item, []notify.Notification{e.toAssignee(item, "final_approved", actorID)}, nil
}

// RequestChangesAfterQA sends a QA-approved item back to its developer.
// The QA cycle starts over from scratch on the next restart.
func (e *Engine) RequestChangesAfterQA(ctx context.Context, itemID, actorID, note string) (domain.WorkItem, []notify.Notification, error) {
	unlock := e.locks.lockItem(itemID)
	defer unlock()

	item, err := e.Store.GetWorkItem(ctx, itemID)
	if err != nil {
		return domain.WorkItem{}, nil, err
	}
	if err := e.requireLead(ctx, actorID); err != nil {
		return item, nil, err
	}
	if note == "" {
		return item, nil, MissingNoteError{Op: "final-request-changes"}
	}
	if item.QAStatus != domain.QAApproved || item.FinalVerdict != domain.FinalNone {
		return item, nil, InvalidTransitionError{Op: "final-request-changes", Detail: fmt.Sprintf("qa %s, verdict %s", item.QAStatus, item.FinalVerdict)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, nil, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	if err := e.Store.ResolveQANotesTx(ctx, tx, item.ID, now); err != nil {
		return item, nil, err
	}
	if err := e.Store.InsertNoteTx(ctx, tx, domain.Note{
		ID:         uuid.New().String(),
		WorkItemID: item.ID,
		ActorID:    actorID,
		Kind:       domain.NoteChangeRequest,
		Body:       note,
		CreatedAt:  now,
	}); err != nil {
		return item, nil, err
	}
	item.FinalVerdict = domain.FinalChangesRequested
	item.ApprovalStatus = domain.ApprovalPending
	item.QAStatus = domain.QAPending
	item.QAAssigneeID = nil
	item.QATestingStartedAt = nil
	item.QATestingPausedAt = nil
	item.QATestingFinishedAt = nil
	item.UpdatedAt = now
	if err := e.updateItem(ctx, tx, &item); err != nil {
		return item, nil, err
	}
	if err := e.Events.Append(ctx, tx, "changes_requested", item.ProjectID, "work_item", item.ID, actorID, events.Payload{"note": note, "after_qa": true}); err != nil {
		return item, nil, err
	}
	if err := tx.Commit(); err != nil {
		return item, nil, err
	}
	return item, []notify.Notification{e.toAssignee(item, "changes_requested", actorID)}, nil
}

// --- guards and helpers ---

func (e *Engine) updateItem(ctx context.Context, tx *sql.Tx, item *domain.WorkItem) error {
	if err := e.Store.UpdateWorkItemTx(ctx, tx, *item); err != nil {
		if errors.Is(err, repo.ErrVersionConflict) {
			return CollaboratorError{Err: err}
		}
		return err
	}
	item.Version++
	return nil
}

func requireAssignee(item domain.WorkItem, actorID string) error {
	if item.AssigneeID == nil || *item.AssigneeID != actorID {
		return PermissionDeniedError{ActorID: actorID, Detail: "not the assignee of " + item.ID}
	}
	return nil
}

func requireQAAssignee(item domain.WorkItem, actorID string) error {
	if item.QAAssigneeID == nil || *item.QAAssigneeID != actorID {
		return PermissionDeniedError{ActorID: actorID, Detail: "has not claimed " + item.ID}
	}
	return nil
}

func (e *Engine) requireLead(ctx context.Context, actorID string) error {
	role, err := e.Registry.Role(ctx, actorID)
	if err != nil {
		return err
	}
	if role != domain.RoleTeamLead && role != domain.RoleAdmin {
		return PermissionDeniedError{ActorID: actorID, Detail: "team lead role required"}
	}
	return nil
}

func (e *Engine) requireQARole(ctx context.Context, actorID string) error {
	role, err := e.Registry.Role(ctx, actorID)
	if err != nil {
		return err
	}
	if role != domain.RoleQA && role != domain.RoleAdmin {
		return PermissionDeniedError{ActorID: actorID, Detail: "qa role required"}
	}
	return nil
}

func (e *Engine) toApprover(item domain.WorkItem, typ, from string) notify.Notification {
	n := notify.Notification{Type: typ, WorkItemID: item.ID, FromActor: from}
	if item.ApproverID != nil {
		n.ToActor = *item.ApproverID
	} else {
		n.ToRole = string(domain.RoleTeamLead)
	}
	return n
}

func (e *Engine) toAssignee(item domain.WorkItem, typ, from string) notify.Notification {
	n := notify.Notification{Type: typ, WorkItemID: item.ID, FromActor: from}
	if item.AssigneeID != nil {
		n.ToActor = *item.AssigneeID
	} else {
		n.ToRole = string(domain.RoleDeveloper)
	}
	return n
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
