package repo

import (
	"context"
	"database/sql"

	"timegate/internal/domain"
)

const noteColumns = `id,work_item_id,actor_id,kind,body,created_at,resolved_at`

func scanNote(row rowScanner) (domain.Note, error) {
	var n domain.Note
	var resolved sql.NullString
	err := row.Scan(&n.ID, &n.WorkItemID, &n.ActorID, &n.Kind, &n.Body, &n.CreatedAt, &resolved)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	if resolved.Valid {
		n.ResolvedAt = &resolved.String
	}
	return n, nil
}

func (s Store) InsertNoteTx(ctx context.Context, tx *sql.Tx, n domain.Note) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO notes(`+noteColumns+`) VALUES (?,?,?,?,?,?,?)`,
		n.ID, n.WorkItemID, n.ActorID, n.Kind, n.Body, n.CreatedAt, nullableStringPtr(n.ResolvedAt))
	return err
}

// UnresolvedNoteTx returns the oldest unresolved note of the given kind.
func (s Store) UnresolvedNoteTx(ctx context.Context, tx *sql.Tx, workItemID string, kind domain.NoteKind) (domain.Note, error) {
	return scanNote(tx.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes
WHERE work_item_id=? AND kind=? AND resolved_at IS NULL ORDER BY created_at ASC, id ASC LIMIT 1`, workItemID, kind))
}

// HasUnresolvedNote reports whether an unresolved note of the kind exists.
func (s Store) HasUnresolvedNote(ctx context.Context, workItemID string, kind domain.NoteKind) (bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT 1 FROM notes WHERE work_item_id=? AND kind=? AND resolved_at IS NULL LIMIT 1`, workItemID, kind)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s Store) ResolveNoteTx(ctx context.Context, tx *sql.Tx, noteID, resolvedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE notes SET resolved_at=? WHERE id=? AND resolved_at IS NULL`, resolvedAt, noteID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveQANotesTx resolves all unresolved QA-cycle notes on the item. Used
// when a change request after QA approval discards the testing cycle.
func (s Store) ResolveQANotesTx(ctx context.Context, tx *sql.Tx, workItemID, resolvedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE notes SET resolved_at=? WHERE work_item_id=? AND kind IN ('qa_rejection','qa_approval') AND resolved_at IS NULL`,
		resolvedAt, workItemID)
	return err
}

func (s Store) ListNotes(ctx context.Context, workItemID string) ([]domain.Note, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE work_item_id=? ORDER BY created_at ASC, id ASC`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}
