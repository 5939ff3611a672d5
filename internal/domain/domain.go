package domain

// Kind discriminates the two work item variants.
type Kind string

const (
	KindTask Kind = "task"
	KindBug  Kind = "bug"
)

// WorkStatus tracks the developer-facing lifecycle axis.
type WorkStatus string

const (
	WorkTodo       WorkStatus = "todo"
	WorkInProgress WorkStatus = "in_progress"
	WorkDone       WorkStatus = "done"
)

// ApprovalStatus tracks the team lead's first-pass verdict.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
)

// QAStatus tracks the QA testing axis.
type QAStatus string

const (
	QAPending      QAStatus = "pending"
	QAReadyForTest QAStatus = "ready_for_test"
	QATesting      QAStatus = "testing"
	QAApproved     QAStatus = "approved"
	QARejected     QAStatus = "rejected"
)

// FinalVerdict is the team lead's sign-off after QA approval.
type FinalVerdict string

const (
	FinalNone             FinalVerdict = "none"
	FinalApproved         FinalVerdict = "approved"
	FinalChangesRequested FinalVerdict = "changes_requested"
)

// Role is an actor's role in the pipeline.
type Role string

const (
	RoleDeveloper Role = "developer"
	RoleTeamLead  Role = "team_lead"
	RoleQA        Role = "qa"
	RoleAdmin     Role = "admin"
)

// SessionRole names which side of the pipeline a work session times.
type SessionRole string

const (
	SessionDeveloper SessionRole = "developer"
	SessionQA        SessionRole = "qa"
)

type WorkItem struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Kind        Kind   `json:"kind" enum:"task,bug"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	AssigneeID   *string `json:"assignee_id,omitempty"`
	ApproverID   *string `json:"approver_id,omitempty"`
	QAAssigneeID *string `json:"qa_assignee_id,omitempty"`

	WorkStatus     WorkStatus     `json:"work_status" enum:"todo,in_progress,done"`
	ApprovalStatus ApprovalStatus `json:"approval_status" enum:"pending,approved"`
	QAStatus       QAStatus       `json:"qa_status" enum:"pending,ready_for_test,testing,approved,rejected"`
	FinalVerdict   FinalVerdict   `json:"final_verdict" enum:"none,approved,changes_requested"`

	IsWorking        bool    `json:"is_working"`
	WorkStartedAt    *string `json:"work_started_at,omitempty" format:"date-time"`
	ActualFinishAt   *string `json:"actual_finish_at,omitempty" format:"date-time"`
	TotalTimeSeconds int64   `json:"total_time_seconds"`

	QATestingStartedAt  *string `json:"qa_testing_started_at,omitempty" format:"date-time"`
	QATestingPausedAt   *string `json:"qa_testing_paused_at,omitempty" format:"date-time"`
	QATestingFinishedAt *string `json:"qa_testing_finished_at,omitempty" format:"date-time"`

	Version   int64  `json:"version"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// WorkSession is one contiguous timed segment of work on an item by one
// actor role. A segment is open until paused or finished; its duration is
// materialized only on close.
type WorkSession struct {
	ID              string      `json:"id"`
	WorkItemID      string      `json:"work_item_id"`
	ActorID         string      `json:"actor_id"`
	Role            SessionRole `json:"role" enum:"developer,qa"`
	StartedAt       string      `json:"started_at" format:"date-time"`
	PausedAt        *string     `json:"paused_at,omitempty" format:"date-time"`
	ResumedAt       *string     `json:"resumed_at,omitempty" format:"date-time"`
	FinishedAt      *string     `json:"finished_at,omitempty" format:"date-time"`
	DurationSeconds int64       `json:"duration_seconds"`
}

// Open reports whether the segment is still accumulating time.
func (s WorkSession) Open() bool {
	return s.PausedAt == nil && s.FinishedAt == nil
}

// NoteKind classifies justification notes attached to work items.
type NoteKind string

const (
	NoteChangeRequest NoteKind = "change_request"
	NoteQARejection   NoteKind = "qa_rejection"
	NoteQAApproval    NoteKind = "qa_approval"
)

type Note struct {
	ID         string   `json:"id"`
	WorkItemID string   `json:"work_item_id"`
	ActorID    string   `json:"actor_id"`
	Kind       NoteKind `json:"kind" enum:"change_request,qa_rejection,qa_approval"`
	Body       string   `json:"body"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
	ResolvedAt *string  `json:"resolved_at,omitempty" format:"date-time"`
}

type Actor struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Role        Role   `json:"role" enum:"developer,team_lead,qa,admin"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// GrantScope distinguishes permanent from time-boxed permission grants.
type GrantScope string

const (
	ScopePermanent GrantScope = "permanent"
	ScopeTemporary GrantScope = "temporary"
)

// PermUnlimitedActiveWork lifts the active-work cap for an actor.
const PermUnlimitedActiveWork = "unlimited_simultaneous_work_items"

type PermissionGrant struct {
	ActorID   string     `json:"actor_id"`
	Key       string     `json:"key"`
	Scope     GrantScope `json:"scope" enum:"permanent,temporary"`
	Reason    string     `json:"reason"`
	ExpiresAt *string    `json:"expires_at,omitempty" format:"date-time"`
	GrantedBy string     `json:"granted_by"`
	CreatedAt string     `json:"created_at" format:"date-time"`
	UpdatedAt string     `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
