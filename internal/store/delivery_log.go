package store

import (
	"context"
	"fmt"
	"time"
)

// RecordFailure increments the delivery attempt counter of one message
// and quarantines it once maxAttempts is reached.
func (s *SQLiteStore) RecordFailure(
	ctx context.Context, f DeliveryFailure, maxAttempts int,
) (int, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO delivery_failures (
			account_id, folder, uid_validity, uid, record_id, attempts, reason, updated_at
		) VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (account_id, folder, uid_validity, uid) DO UPDATE SET
			attempts   = delivery_failures.attempts + 1,
			record_id  = excluded.record_id,
			reason     = excluded.reason,
			updated_at = excluded.updated_at`,
		f.AccountID, f.Folder, int64(f.UIDValidity), int64(f.UID),
		f.RecordID, f.Reason, time.Now().UTC(),
	)
	if err != nil {
		return 0, false, fmt.Errorf("recording delivery failure %s/%d: %w", f.Folder, f.UID, err)
	}

	var attempts int
	err = tx.GetContext(ctx, &attempts, `
		SELECT attempts FROM delivery_failures
		WHERE account_id = ? AND folder = ? AND uid_validity = ? AND uid = ?`,
		f.AccountID, f.Folder, int64(f.UIDValidity), int64(f.UID),
	)
	if err != nil {
		return 0, false, fmt.Errorf("reading delivery attempts %s/%d: %w", f.Folder, f.UID, err)
	}

	quarantined := maxAttempts > 0 && attempts >= maxAttempts
	if quarantined {
		_, err = tx.ExecContext(ctx, `
			UPDATE delivery_failures SET quarantined = 1
			WHERE account_id = ? AND folder = ? AND uid_validity = ? AND uid = ?`,
			f.AccountID, f.Folder, int64(f.UIDValidity), int64(f.UID),
		)
		if err != nil {
			return 0, false, fmt.Errorf("quarantining %s/%d: %w", f.Folder, f.UID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("committing delivery failure: %w", err)
	}
	return attempts, quarantined, nil
}

// ClearFailure drops the failure counter of a message that has since been
// delivered. Quarantined entries are kept for inspection.
func (s *SQLiteStore) ClearFailure(
	ctx context.Context, accountID, folder string, uidValidity, uid uint32,
) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM delivery_failures
		WHERE account_id = ? AND folder = ? AND uid_validity = ? AND uid = ?
		  AND quarantined = 0`,
		accountID, folder, int64(uidValidity), int64(uid),
	)
	if err != nil {
		return fmt.Errorf("clearing delivery failure %s/%d: %w", folder, uid, err)
	}
	return nil
}

// ListQuarantine returns quarantined messages, most recent first.
func (s *SQLiteStore) ListQuarantine(ctx context.Context) ([]QuarantineEntry, error) {
	entries := []QuarantineEntry{}
	err := s.db.SelectContext(ctx, &entries, `
		SELECT account_id, folder, uid_validity, uid, record_id, attempts, reason, updated_at
		FROM delivery_failures WHERE quarantined = 1
		ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing quarantine: %w", err)
	}
	return entries, nil
}
