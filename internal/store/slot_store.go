package store

import (
	"context"
	"fmt"
	"time"

	"github.com/nhle/mailhub/internal/model"
)

// MarkSlotFired records a schedule slot. It reports false when the slot
// had already been recorded.
func (s *SQLiteStore) MarkSlotFired(ctx context.Context, key string, firedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO schedule_slots (slot_key, fired_at) VALUES (?, ?)",
		key, model.FormatUTC(firedAt),
	)
	if err != nil {
		return false, fmt.Errorf("marking slot %s: %w", key, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("marking slot %s: %w", key, err)
	}
	return n > 0, nil
}

// SlotFired reports whether a schedule slot has been recorded.
func (s *SQLiteStore) SlotFired(ctx context.Context, key string) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM schedule_slots WHERE slot_key = ?", key); err != nil {
		return false, fmt.Errorf("checking slot %s: %w", key, err)
	}
	return n > 0, nil
}
