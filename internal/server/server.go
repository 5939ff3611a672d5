// Package server exposes the workflow engine over HTTP. Handlers delegate to
// the engine and dispatch the returned notifications only after the engine
// has committed.
package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"timegate/internal/domain"
	"timegate/internal/engine"
	"timegate/internal/limiter"
	"timegate/internal/notify"
	"timegate/internal/registry"
	"timegate/internal/repo"
	"timegate/internal/tracker"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Notifier notify.Notifier
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"active_work_limit_reached"`
	Message string         `json:"message" example:"actor dev-1 already has 3 active work items (max 3)"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns on failure.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type bodyBytesKey struct{}

// New returns an HTTP handler exposing the Timegate API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Store))
	hcfg := huma.DefaultConfig("Timegate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerWorkItems(group, cfg.Engine, notifier)
	registerTransitions(group, cfg.Engine, notifier)
	registerActors(group, cfg.Engine)
	registerGrants(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerReports(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var pd engine.PermissionDeniedError
	if errors.As(err, &pd) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"actor_id": pd.ActorID})
	}
	var le limiter.LimitError
	if errors.As(err, &le) {
		return newAPIError(http.StatusConflict, "active_work_limit_reached", err.Error(), map[string]any{
			"actor_id": le.ActorID,
			"active":   le.Active,
			"max":      le.Max,
		})
	}
	var ac engine.AlreadyClaimedError
	if errors.As(err, &ac) {
		return newAPIError(http.StatusConflict, "already_claimed", err.Error(), map[string]any{"claimed_by": ac.ClaimedBy})
	}
	var sc tracker.SessionConflictError
	if errors.As(err, &sc) {
		return newAPIError(http.StatusConflict, "session_conflict", err.Error(), nil)
	}
	var it engine.InvalidTransitionError
	if errors.As(err, &it) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"op": it.Op})
	}
	var mn engine.MissingNoteError
	if errors.As(err, &mn) {
		return newAPIError(http.StatusBadRequest, "note_required", err.Error(), nil)
	}
	var ce engine.CollaboratorError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "concurrent_modification", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerWorkItems(api huma.API, e *engine.Engine, _ notify.Notifier) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-work-item",
		Method:        http.MethodPost,
		Path:          "/work-items",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateWorkItemRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.CreateWorkItem(ctx, engine.CreateOptions{
			ID:          input.Body.ID,
			ProjectID:   e.Config.Project.ID,
			Kind:        domain.Kind(input.Body.Kind),
			Title:       input.Body.Title,
			Description: input.Body.Description,
			AssigneeID:  input.Body.AssigneeID,
			ApproverID:  input.Body.ApproverID,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-item",
		Method:      http.MethodGet,
		Path:        "/work-items/{id}",
		Summary:     "Get work item",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		w, err := e.Store.GetWorkItem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-items",
		Method:      http.MethodGet,
		Path:        "/work-items",
		Summary:     "List work items",
	}, func(ctx context.Context, input *struct {
		Kind       string `query:"kind"`
		AssigneeID string `query:"assignee_id"`
		QAAssignee string `query:"qa_assignee_id"`
		WorkStatus string `query:"work_status"`
		QAStatus   string `query:"qa_status"`
		Limit      int    `query:"limit"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body WorkItemListResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		f := repo.WorkItemFilters{
			ProjectID:    e.Config.Project.ID,
			Kind:         input.Kind,
			AssigneeID:   input.AssigneeID,
			QAAssigneeID: input.QAAssignee,
			WorkStatus:   input.WorkStatus,
			QAStatus:     input.QAStatus,
			Limit:        limit,
		}
		if input.Cursor != "" {
			createdAt, id, ok := strings.Cut(input.Cursor, "|")
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "malformed cursor", nil)
			}
			f.CursorCreatedAt = createdAt
			f.CursorID = id
		}
		items, err := e.Store.ListWorkItems(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := WorkItemListResponse{Items: items}
		if len(items) == limit {
			last := items[len(items)-1]
			resp.NextCursor = last.CreatedAt + "|" + last.ID
		}
		return &struct {
			Body WorkItemListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-item-sessions",
		Method:      http.MethodGet,
		Path:        "/work-items/{id}/sessions",
		Summary:     "List work item sessions",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SessionListResponse `json:"body"`
	}, error) {
		if _, err := e.Store.GetWorkItem(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		sessions, err := e.Store.ListSessions(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionListResponse `json:"body"`
		}{Body: SessionListResponse{Sessions: sessions}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-item-notes",
		Method:      http.MethodGet,
		Path:        "/work-items/{id}/notes",
		Summary:     "List work item notes",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body NoteListResponse `json:"body"`
	}, error) {
		if _, err := e.Store.GetWorkItem(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		notes, err := e.Store.ListNotes(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NoteListResponse `json:"body"`
		}{Body: NoteListResponse{Notes: notes}}, nil
	})
}

// transitionFunc adapts one engine transition to a handler body.
type transitionFunc func(ctx context.Context, itemID, actorID string) (domain.WorkItem, []notify.Notification, error)

func registerTransition(api huma.API, opID, pathSuffix, summary string, notifier notify.Notifier, fn transitionFunc) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        "/work-items/{id}/" + pathSuffix,
		Summary:     summary,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, notifications, err := fn(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		for _, n := range notifications {
			notifier.Emit(ctx, n)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: TransitionResponse{WorkItem: item, Notifications: notifications}}, nil
	})
}

// notedTransitionFunc adapts a transition that carries a mandatory note.
type notedTransitionFunc func(ctx context.Context, itemID, actorID, note string) (domain.WorkItem, []notify.Notification, error)

func registerNotedTransition(api huma.API, opID, pathSuffix, summary string, notifier notify.Notifier, fn notedTransitionFunc) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        "/work-items/{id}/" + pathSuffix,
		Summary:     summary,
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body NoteRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, notifications, err := fn(ctx, input.ID, actorID, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		for _, n := range notifications {
			notifier.Emit(ctx, n)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: TransitionResponse{WorkItem: item, Notifications: notifications}}, nil
	})
}

func registerTransitions(api huma.API, e *engine.Engine, notifier notify.Notifier) {
	registerTransition(api, "start-work", "start", "Start work", notifier, e.StartWork)
	registerTransition(api, "pause-work", "pause", "Pause work", notifier, e.PauseWork)
	registerTransition(api, "resume-work", "resume", "Resume work", notifier, e.ResumeWork)
	registerTransition(api, "finish-work", "finish", "Finish work", notifier, e.FinishWork)
	registerTransition(api, "approve-work", "approve", "Approve finished work", notifier, e.Approve)
	registerNotedTransition(api, "request-changes", "request-changes", "Request changes before QA", notifier, e.RequestChanges)
	registerTransition(api, "qa-claim", "qa/claim", "Claim for QA", notifier, e.ClaimQA)
	registerTransition(api, "qa-start", "qa/start", "Start QA testing", notifier, e.StartTesting)
	registerTransition(api, "qa-pause", "qa/pause", "Pause QA testing", notifier, e.PauseTesting)
	registerTransition(api, "qa-resume", "qa/resume", "Resume QA testing", notifier, e.ResumeTesting)
	registerTransition(api, "qa-finish", "qa/finish", "Finish QA testing", notifier, e.FinishTesting)
	registerNotedTransition(api, "qa-approve", "qa/approve", "QA pass verdict", notifier, e.ApproveQA)
	registerNotedTransition(api, "qa-reject", "qa/reject", "QA fail verdict", notifier, e.RejectQA)
	registerTransition(api, "final-approve", "final/approve", "Final approval", notifier, e.FinalApprove)
	registerNotedTransition(api, "final-request-changes", "final/request-changes", "Request changes after QA", notifier, e.RequestChangesAfterQA)
}

func registerActors(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "upsert-actor",
		Method:        http.MethodPut,
		Path:          "/actors",
		Summary:       "Create or update actor",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body UpsertActorRequest `json:"body"`
	}) (*struct {
		Body domain.Actor `json:"body"`
	}, error) {
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		a := domain.Actor{
			ID:          input.Body.ID,
			DisplayName: input.Body.DisplayName,
			Role:        domain.Role(input.Body.Role),
			CreatedAt:   e.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Store.UpsertActor(ctx, a); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Actor `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-actor",
		Method:      http.MethodGet,
		Path:        "/actors/{id}",
		Summary:     "Get actor",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Actor `json:"body"`
	}, error) {
		a, err := e.Store.GetActor(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Actor `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actors",
		Method:      http.MethodGet,
		Path:        "/actors",
		Summary:     "List actors",
	}, func(ctx context.Context, input *struct {
		Role string `query:"role"`
	}) (*struct {
		Body struct {
			Actors []domain.Actor `json:"actors"`
		} `json:"body"`
	}, error) {
		actors, err := e.Store.ListActors(ctx, domain.Role(input.Role))
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Actors []domain.Actor `json:"actors"`
			} `json:"body"`
		}{}
		out.Body.Actors = actors
		return out, nil
	})
}

func registerGrants(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "grant-permission",
		Method:        http.MethodPost,
		Path:          "/actors/{id}/grants",
		Summary:       "Grant a permission",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body GrantRequest `json:"body"`
	}) (*struct {
		Body domain.PermissionGrant `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireLeadRole(ctx, e, actorID); err != nil {
			return nil, handleError(err)
		}
		var expires *string
		if input.Body.ExpiresAt != "" {
			expires = &input.Body.ExpiresAt
		}
		g, err := e.Registry.Grant(ctx, registry.GrantOptions{
			ActorID:   input.ID,
			Key:       input.Body.Key,
			Scope:     domain.GrantScope(input.Body.Scope),
			Reason:    input.Body.Reason,
			ExpiresAt: expires,
			GrantedBy: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PermissionGrant `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-permission",
		Method:        http.MethodDelete,
		Path:          "/actors/{id}/grants/{key}",
		Summary:       "Revoke a permission",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		ID  string `path:"id"`
		Key string `path:"key"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireLeadRole(ctx, e, actorID); err != nil {
			return nil, handleError(err)
		}
		if err := e.Registry.Revoke(ctx, input.ID, input.Key, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-grants",
		Method:      http.MethodGet,
		Path:        "/actors/{id}/grants",
		Summary:     "List an actor's grants",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body GrantListResponse `json:"body"`
	}, error) {
		grants, err := e.Store.ListGrants(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GrantListResponse `json:"body"`
		}{Body: GrantListResponse{Grants: grants}}, nil
	})
}

func requireLeadRole(ctx context.Context, e *engine.Engine, actorID string) error {
	role, err := e.Registry.Role(ctx, actorID)
	if err != nil {
		return err
	}
	if role != domain.RoleTeamLead && role != domain.RoleAdmin {
		return engine.PermissionDeniedError{ActorID: actorID, Detail: "team lead role required"}
	}
	return nil
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
	}, func(ctx context.Context, input *struct {
		Limit    int    `query:"limit"`
		Cursor   int64  `query:"cursor"`
		Type     string `query:"type"`
		EntityID string `query:"entity_id"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		evts, err := e.Store.LatestEventsFrom(ctx, limit, input.Cursor, e.Config.Project.ID, input.Type, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Events: evts}}, nil
	})
}

func registerReports(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "actor-time-report",
		Method:      http.MethodGet,
		Path:        "/actors/{id}/report",
		Summary:     "Actor time report",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TimeReportResponse `json:"body"`
	}, error) {
		totals, err := e.Store.ActorTimeTotals(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		var sum int64
		for _, v := range totals {
			sum += v
		}
		return &struct {
			Body TimeReportResponse `json:"body"`
		}{Body: TimeReportResponse{ActorID: input.ID, TotalSeconds: sum, ByWorkItem: totals}}, nil
	})
}

func registerAPIKeys(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/actors/{id}/api-keys",
		Summary:       "Issue an API key",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreateAPIKeyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireLeadRole(ctx, e, actorID); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Store.GetActor(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		raw := uuid.New().String() + uuid.New().String()
		key := domain.APIKey{
			ID:        uuid.New().String(),
			ActorID:   input.ID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(raw),
			CreatedAt: e.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Store.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateAPIKeyResponse `json:"body"`
		}{Body: CreateAPIKeyResponse{ID: key.ID, Key: raw}}, nil
	})
}
