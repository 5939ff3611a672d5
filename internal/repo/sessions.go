package repo

import (
	"context"
	"database/sql"

	"timegate/internal/domain"
)

const sessionColumns = `id,work_item_id,actor_id,role,started_at,paused_at,resumed_at,finished_at,duration_seconds`

func scanSession(row rowScanner) (domain.WorkSession, error) {
	var s domain.WorkSession
	var paused, resumed, finished sql.NullString
	err := row.Scan(&s.ID, &s.WorkItemID, &s.ActorID, &s.Role, &s.StartedAt, &paused, &resumed, &finished, &s.DurationSeconds)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if paused.Valid {
		s.PausedAt = &paused.String
	}
	if resumed.Valid {
		s.ResumedAt = &resumed.String
	}
	if finished.Valid {
		s.FinishedAt = &finished.String
	}
	return s, nil
}

func (s Store) AppendSessionTx(ctx context.Context, tx *sql.Tx, ws domain.WorkSession) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_sessions(`+sessionColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		ws.ID, ws.WorkItemID, ws.ActorID, ws.Role, ws.StartedAt,
		nullableStringPtr(ws.PausedAt), nullableStringPtr(ws.ResumedAt), nullableStringPtr(ws.FinishedAt), ws.DurationSeconds)
	return err
}

func (s Store) CloseSessionTx(ctx context.Context, tx *sql.Tx, ws domain.WorkSession) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_sessions SET paused_at=?, finished_at=?, duration_seconds=? WHERE id=?`,
		nullableStringPtr(ws.PausedAt), nullableStringPtr(ws.FinishedAt), ws.DurationSeconds, ws.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// OpenSessionTx returns the open segment for the item and role, if any.
func (s Store) OpenSessionTx(ctx context.Context, tx *sql.Tx, workItemID string, role domain.SessionRole) (domain.WorkSession, error) {
	return scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM work_sessions
WHERE work_item_id=? AND role=? AND paused_at IS NULL AND finished_at IS NULL LIMIT 1`, workItemID, role))
}

// AnyOpenSessionTx returns any open segment on the item regardless of role.
func (s Store) AnyOpenSessionTx(ctx context.Context, tx *sql.Tx, workItemID string) (domain.WorkSession, error) {
	return scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM work_sessions
WHERE work_item_id=? AND paused_at IS NULL AND finished_at IS NULL LIMIT 1`, workItemID))
}

func (s Store) ListSessions(ctx context.Context, workItemID string) ([]domain.WorkSession, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+sessionColumns+` FROM work_sessions WHERE work_item_id=? ORDER BY started_at ASC, id ASC`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkSession
	for rows.Next() {
		ws, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ws)
	}
	return res, rows.Err()
}

// SumClosedDurations totals materialized segment durations for an item and role.
func (s Store) SumClosedDurations(ctx context.Context, workItemID string, role domain.SessionRole) (int64, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(duration_seconds),0) FROM work_sessions
WHERE work_item_id=? AND role=? AND (paused_at IS NOT NULL OR finished_at IS NOT NULL)`, workItemID, role)
	var total int64
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// ActorTimeTotals aggregates closed-session seconds per work item for an actor.
func (s Store) ActorTimeTotals(ctx context.Context, actorID string) (map[string]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT work_item_id, COALESCE(SUM(duration_seconds),0) FROM work_sessions
WHERE actor_id=? AND (paused_at IS NOT NULL OR finished_at IS NOT NULL) GROUP BY work_item_id`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int64{}
	for rows.Next() {
		var itemID string
		var total int64
		if err := rows.Scan(&itemID, &total); err != nil {
			return nil, err
		}
		res[itemID] = total
	}
	return res, rows.Err()
}
