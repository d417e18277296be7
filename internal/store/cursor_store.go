package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nhle/mailhub/internal/model"
)

type cursorRow struct {
	AccountID   string `db:"account_id"`
	Watermark   string `db:"watermark"`
	PageSize    int    `db:"page_size"`
	LastUID     int64  `db:"last_uid"`
	UpdatedAt   string `db:"updated_at"`
	UIDValidity int64  `db:"uid_validity"`
}

func (r cursorRow) toModel() (model.Cursor, error) {
	c := model.Cursor{
		AccountID:   r.AccountID,
		PageSize:    r.PageSize,
		LastUID:     uint32(r.LastUID),
		UIDValidity: uint32(r.UIDValidity),
	}
	var err error
	if c.Watermark, err = model.ParseUTC(r.Watermark); err != nil {
		return model.Cursor{}, err
	}
	if c.UpdatedAt, err = model.ParseUTC(r.UpdatedAt); err != nil {
		return model.Cursor{}, err
	}
	return c, nil
}

// GetCursor returns the stored cursor of an account, or nil if none.
func (s *SQLiteStore) GetCursor(ctx context.Context, accountID string) (*model.Cursor, error) {
	var row cursorRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM cursors WHERE account_id = ?", accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting cursor %s: %w", accountID, err)
	}
	c, err := row.toModel()
	if err != nil {
		return nil, fmt.Errorf("getting cursor %s: %w", accountID, err)
	}
	return &c, nil
}

// SaveCursor writes a cursor. The stored watermark only moves forward. The
// last UID only moves forward within one UID validity; a new validity
// replaces it. The page size always takes the new value.
func (s *SQLiteStore) SaveCursor(ctx context.Context, c model.Cursor) (model.Cursor, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.Cursor{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cursors (account_id, watermark, page_size, last_uid, uid_validity, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			watermark = MAX(cursors.watermark, excluded.watermark),
			page_size = excluded.page_size,
			last_uid = CASE
				WHEN cursors.uid_validity = excluded.uid_validity
				THEN MAX(cursors.last_uid, excluded.last_uid)
				ELSE excluded.last_uid
			END,
			uid_validity = excluded.uid_validity,
			updated_at = excluded.updated_at`,
		c.AccountID, model.FormatUTC(c.Watermark), c.PageSize,
		int64(c.LastUID), int64(c.UIDValidity), model.FormatUTC(s.now()),
	)
	if err != nil {
		return model.Cursor{}, fmt.Errorf("saving cursor %s: %w", c.AccountID, err)
	}

	var row cursorRow
	if err := tx.GetContext(ctx, &row, "SELECT * FROM cursors WHERE account_id = ?", c.AccountID); err != nil {
		return model.Cursor{}, fmt.Errorf("reading back cursor %s: %w", c.AccountID, err)
	}
	if err := tx.Commit(); err != nil {
		return model.Cursor{}, fmt.Errorf("committing cursor %s: %w", c.AccountID, err)
	}
	return row.toModel()
}

// DeleteCursor removes the cursor of an account. Deleting a missing cursor
// is not an error.
func (s *SQLiteStore) DeleteCursor(ctx context.Context, accountID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cursors WHERE account_id = ?", accountID); err != nil {
		return fmt.Errorf("deleting cursor %s: %w", accountID, err)
	}
	return nil
}
