package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"timegate/internal/domain"
)

// Store is the persistence collaborator for the workflow engine. Updates to
// work items go through an optimistic version check so a concurrent writer
// cannot silently clobber a transition.
type Store struct {
	DB *sql.DB
}

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
)

const workItemColumns = `id,project_id,kind,title,description,assignee_id,approver_id,qa_assignee_id,
work_status,approval_status,qa_status,final_verdict,
is_working,work_started_at,actual_finish_at,total_time_seconds,
qa_testing_started_at,qa_testing_paused_at,qa_testing_finished_at,
version,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (domain.WorkItem, error) {
	var w domain.WorkItem
	var description, qaAssignee, workStarted, actualFinish, qaStarted, qaPaused, qaFinished sql.NullString
	err := row.Scan(&w.ID, &w.ProjectID, &w.Kind, &w.Title, &description, &w.AssigneeID, &w.ApproverID, &qaAssignee,
		&w.WorkStatus, &w.ApprovalStatus, &w.QAStatus, &w.FinalVerdict,
		&w.IsWorking, &workStarted, &actualFinish, &w.TotalTimeSeconds,
		&qaStarted, &qaPaused, &qaFinished,
		&w.Version, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if description.Valid {
		w.Description = description.String
	}
	if qaAssignee.Valid {
		w.QAAssigneeID = &qaAssignee.String
	}
	if workStarted.Valid {
		w.WorkStartedAt = &workStarted.String
	}
	if actualFinish.Valid {
		w.ActualFinishAt = &actualFinish.String
	}
	if qaStarted.Valid {
		w.QATestingStartedAt = &qaStarted.String
	}
	if qaPaused.Valid {
		w.QATestingPausedAt = &qaPaused.String
	}
	if qaFinished.Valid {
		w.QATestingFinishedAt = &qaFinished.String
	}
	return w, nil
}

func (s Store) InsertWorkItemTx(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_items(`+workItemColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.ProjectID, w.Kind, w.Title, nullable(w.Description), w.AssigneeID, w.ApproverID, nullableStringPtr(w.QAAssigneeID),
		w.WorkStatus, w.ApprovalStatus, w.QAStatus, w.FinalVerdict,
		w.IsWorking, nullableStringPtr(w.WorkStartedAt), nullableStringPtr(w.ActualFinishAt), w.TotalTimeSeconds,
		nullableStringPtr(w.QATestingStartedAt), nullableStringPtr(w.QATestingPausedAt), nullableStringPtr(w.QATestingFinishedAt),
		w.Version, w.CreatedAt, w.UpdatedAt)
	return err
}

// UpdateWorkItemTx persists the item if its stored version still matches
// w.Version, then bumps the version. A stale write returns ErrVersionConflict.
func (s Store) UpdateWorkItemTx(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET
kind=?, title=?, description=?, assignee_id=?, approver_id=?, qa_assignee_id=?,
work_status=?, approval_status=?, qa_status=?, final_verdict=?,
is_working=?, work_started_at=?, actual_finish_at=?, total_time_seconds=?,
qa_testing_started_at=?, qa_testing_paused_at=?, qa_testing_finished_at=?,
version=version+1, updated_at=?
WHERE id=? AND version=?`,
		w.Kind, w.Title, nullable(w.Description), w.AssigneeID, w.ApproverID, nullableStringPtr(w.QAAssigneeID),
		w.WorkStatus, w.ApprovalStatus, w.QAStatus, w.FinalVerdict,
		w.IsWorking, nullableStringPtr(w.WorkStartedAt), nullableStringPtr(w.ActualFinishAt), w.TotalTimeSeconds,
		nullableStringPtr(w.QATestingStartedAt), nullableStringPtr(w.QATestingPausedAt), nullableStringPtr(w.QATestingFinishedAt),
		w.UpdatedAt, w.ID, w.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := s.GetWorkItemTx(ctx, tx, w.ID); getErr != nil {
			return getErr
		}
		return ErrVersionConflict
	}
	return nil
}

func (s Store) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return scanWorkItem(s.DB.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id))
}

func (s Store) GetWorkItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	return scanWorkItem(tx.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id))
}

type WorkItemFilters struct {
	ProjectID       string
	Kind            string
	AssigneeID      string
	QAAssigneeID    string
	WorkStatus      string
	QAStatus        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (s Store) ListWorkItems(ctx context.Context, f WorkItemFilters) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.QAAssigneeID != "" {
		clauses = append(clauses, "qa_assignee_id=?")
		args = append(args, f.QAAssigneeID)
	}
	if f.WorkStatus != "" {
		clauses = append(clauses, "work_status=?")
		args = append(args, f.WorkStatus)
	}
	if f.QAStatus != "" {
		clauses = append(clauses, "qa_status=?")
		args = append(args, f.QAStatus)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + workItemColumns + ` FROM work_items ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// CountActive counts the work items currently demanding a developer's
// attention: actively timed, in progress, QA-rejected, or carrying an
// unresolved change request. An item matching several predicates counts once.
func (s Store) CountActive(ctx context.Context, actorID string) (int, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM work_items w
WHERE w.assignee_id=? AND w.final_verdict != 'approved' AND (
    w.is_working=1
    OR w.work_status='in_progress'
    OR w.qa_status='rejected'
    OR w.final_verdict='changes_requested'
    OR EXISTS (SELECT 1 FROM notes n WHERE n.work_item_id=w.id AND n.kind='change_request' AND n.resolved_at IS NULL)
)`, actorID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
