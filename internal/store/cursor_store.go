package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// cursorRow mirrors a sync_cursors row.
type cursorRow struct {
	AccountID     string    `db:"account_id"`
	Folder        string    `db:"folder"`
	UIDValidity   int64     `db:"uid_validity"`
	LastUID       int64     `db:"last_uid"`
	LastTimestamp int64     `db:"last_timestamp"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r cursorRow) cursor() Cursor {
	c := Cursor{
		AccountID:   r.AccountID,
		Folder:      r.Folder,
		UIDValidity: uint32(r.UIDValidity),
		LastUID:     uint32(r.LastUID),
		UpdatedAt:   r.UpdatedAt,
	}
	if r.LastTimestamp > 0 {
		c.LastTimestamp = time.UnixMilli(r.LastTimestamp).UTC()
	}
	return c
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// GetCursor returns the watermark for (accountID, folder), or nil if the
// folder has never been synced.
func (s *SQLiteStore) GetCursor(
	ctx context.Context, accountID, folder string,
) (*Cursor, error) {
	var row cursorRow
	err := s.db.GetContext(ctx, &row, `
		SELECT account_id, folder, uid_validity, last_uid, last_timestamp, updated_at
		FROM sync_cursors WHERE account_id = ? AND folder = ?`,
		accountID, folder,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting cursor %s/%s: %w", accountID, folder, err)
	}
	c := row.cursor()
	return &c, nil
}

// AdvanceCursor performs a compare-and-set: the row is written only if it
// does not exist yet, or if it has the same UIDVALIDITY and a LastUID not
// above c.LastUID. LastTimestamp never moves backwards either.
func (s *SQLiteStore) AdvanceCursor(ctx context.Context, c Cursor) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (
			account_id, folder, uid_validity, last_uid, last_timestamp, updated_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, folder) DO UPDATE SET
			last_uid       = excluded.last_uid,
			last_timestamp = MAX(sync_cursors.last_timestamp, excluded.last_timestamp),
			updated_at     = excluded.updated_at
		WHERE sync_cursors.uid_validity = excluded.uid_validity
		  AND sync_cursors.last_uid <= excluded.last_uid`,
		c.AccountID, c.Folder, int64(c.UIDValidity), int64(c.LastUID),
		unixMilli(c.LastTimestamp), time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("advancing cursor %s/%s: %w", c.AccountID, c.Folder, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advancing cursor %s/%s: %w", c.AccountID, c.Folder, err)
	}
	return n > 0, nil
}

// ResetCursor replaces the watermark after a UIDVALIDITY change. This is
// the only write that lowers LastUID.
func (s *SQLiteStore) ResetCursor(
	ctx context.Context, accountID, folder string, uidValidity uint32,
) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (
			account_id, folder, uid_validity, last_uid, last_timestamp, updated_at
		) VALUES (?, ?, ?, 0, 0, ?)
		ON CONFLICT (account_id, folder) DO UPDATE SET
			uid_validity   = excluded.uid_validity,
			last_uid       = 0,
			last_timestamp = 0,
			updated_at     = excluded.updated_at`,
		accountID, folder, int64(uidValidity), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("resetting cursor %s/%s: %w", accountID, folder, err)
	}
	return nil
}

// ListCursors returns every stored watermark ordered by account and folder.
func (s *SQLiteStore) ListCursors(ctx context.Context) ([]Cursor, error) {
	var rows []cursorRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT account_id, folder, uid_validity, last_uid, last_timestamp, updated_at
		FROM sync_cursors ORDER BY account_id, folder`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing cursors: %w", err)
	}

	cursors := make([]Cursor, 0, len(rows))
	for _, r := range rows {
		cursors = append(cursors, r.cursor())
	}
	return cursors, nil
}
