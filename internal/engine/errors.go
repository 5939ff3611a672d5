package engine

import "fmt"

// InvalidTransitionError reports an operation attempted from a state that
// does not permit it.
type InvalidTransitionError struct {
	Op     string
	Detail string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s: %s", e.Op, e.Detail)
}

// AlreadyClaimedError reports a QA claim on an item another tester holds.
type AlreadyClaimedError struct {
	WorkItemID string
	ClaimedBy  string
}

func (e AlreadyClaimedError) Error() string {
	return fmt.Sprintf("work item %s already claimed by %s", e.WorkItemID, e.ClaimedBy)
}

// MissingNoteError reports a verdict submitted without its required note.
type MissingNoteError struct {
	Op string
}

func (e MissingNoteError) Error() string {
	return fmt.Sprintf("%s requires a note", e.Op)
}

// PermissionDeniedError reports an actor acting outside their role or on an
// item that is not theirs.
type PermissionDeniedError struct {
	ActorID string
	Detail  string
}

func (e PermissionDeniedError) Error() string {
	return fmt.Sprintf("actor %s: %s", e.ActorID, e.Detail)
}

// CollaboratorError reports a write that lost to a concurrent change. The
// caller should reload and retry.
type CollaboratorError struct {
	Err error
}

func (e CollaboratorError) Error() string {
	return fmt.Sprintf("concurrent modification: %v", e.Err)
}

func (e CollaboratorError) Unwrap() error { return e.Err }
