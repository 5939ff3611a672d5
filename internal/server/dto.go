package server

import (
	"timegate/internal/domain"
	"timegate/internal/notify"
)

type CreateWorkItemRequest struct {
	ID          string `json:"id,omitempty"`
	Kind        string `json:"kind,omitempty" enum:"task,bug"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	AssigneeID  string `json:"assignee_id,omitempty"`
	ApproverID  string `json:"approver_id,omitempty"`
}

type NoteRequest struct {
	Note string `json:"note"`
}

type TransitionResponse struct {
	WorkItem      domain.WorkItem       `json:"work_item"`
	Notifications []notify.Notification `json:"notifications,omitempty"`
}

type WorkItemListResponse struct {
	Items      []domain.WorkItem `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type SessionListResponse struct {
	Sessions []domain.WorkSession `json:"sessions"`
}

type NoteListResponse struct {
	Notes []domain.Note `json:"notes"`
}

type UpsertActorRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role" enum:"developer,team_lead,qa,admin"`
}

type GrantRequest struct {
	Key       string `json:"key"`
	Scope     string `json:"scope,omitempty" enum:"permanent,temporary"`
	Reason    string `json:"reason,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty" format:"date-time"`
}

type GrantListResponse struct {
	Grants []domain.PermissionGrant `json:"grants"`
}

type EventListResponse struct {
	Events []domain.Event `json:"events"`
}

type TimeReportResponse struct {
	ActorID      string           `json:"actor_id"`
	TotalSeconds int64            `json:"total_seconds"`
	ByWorkItem   map[string]int64 `json:"by_work_item"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type CreateAPIKeyResponse struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}
