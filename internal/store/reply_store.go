package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/mailhub/internal/model"
)

// replyRow is a queue item joined with its message.
type replyRow struct {
	ID             int64          `db:"id"`
	MessageID      string         `db:"message_id"`
	Status         string         `db:"status"`
	SendMode       string         `db:"send_mode"`
	ShortReason    sql.NullString `db:"short_reason"`
	DraftedSubject sql.NullString `db:"drafted_subject"`
	DraftedBody    sql.NullString `db:"drafted_body"`
	CreatedAt      string         `db:"created_at"`
	UpdatedAt      string         `db:"updated_at"`
	Subject        string         `db:"subject"`
	From           string         `db:"from_addr"`
	AccountID      string         `db:"account_id"`
	ReceivedAt     string         `db:"received_at"`
}

const replySelect = `
	SELECT
		q.id, q.message_id, q.status, q.send_mode, q.short_reason,
		q.drafted_subject, q.drafted_body, q.created_at, q.updated_at,
		m.subject, m.from_addr, m.account_id, m.received_at
	FROM reply_queue q
	JOIN messages m ON m.id = q.message_id`

func (r replyRow) toModel() (model.ReplyItem, error) {
	item := model.ReplyItem{
		ID:        r.ID,
		MessageID: r.MessageID,
		Status:    model.ReplyStatus(r.Status),
		SendMode:  model.SendMode(r.SendMode),
		Reason:    r.ShortReason.String,
		Subject:   r.Subject,
		From:      r.From,
		AccountID: r.AccountID,
	}
	if r.DraftedSubject.Valid {
		v := r.DraftedSubject.String
		item.DraftSubject = &v
	}
	if r.DraftedBody.Valid {
		v := r.DraftedBody.String
		item.DraftBody = &v
	}

	var err error
	if item.CreatedAt, err = model.ParseUTC(r.CreatedAt); err != nil {
		return model.ReplyItem{}, err
	}
	if item.UpdatedAt, err = model.ParseUTC(r.UpdatedAt); err != nil {
		return model.ReplyItem{}, err
	}
	if item.Received, err = model.ParseUTC(r.ReceivedAt); err != nil {
		return model.ReplyItem{}, err
	}
	return item, nil
}

// EnqueueReply creates a pending item for a message, or returns the id of
// the pending item it already has.
func (s *SQLiteStore) EnqueueReply(
	ctx context.Context,
	messageID, reason string,
	now time.Time,
) (int64, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.GetContext(ctx, &exists, "SELECT COUNT(*) FROM messages WHERE id = ?", messageID); err != nil {
		return 0, false, fmt.Errorf("checking message %s: %w", messageID, err)
	}
	if exists == 0 {
		return 0, false, model.E(model.KindNotFound, "message %s not found", messageID)
	}

	var id int64
	err = tx.GetContext(ctx, &id,
		"SELECT id FROM reply_queue WHERE message_id = ? AND status = ? ORDER BY id DESC LIMIT 1",
		messageID, string(model.ReplyPending),
	)
	switch {
	case err == nil:
		return id, false, tx.Commit()
	case !errors.Is(err, sql.ErrNoRows):
		return 0, false, fmt.Errorf("looking up pending reply for %s: %w", messageID, err)
	}

	var short sql.NullString
	if reason != "" {
		short = sql.NullString{String: reason, Valid: true}
	}
	ts := model.FormatUTC(now)
	result, err := tx.ExecContext(ctx, `
		INSERT INTO reply_queue (message_id, status, send_mode, short_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		messageID, string(model.ReplyPending), string(model.SendManual), short, ts, ts,
	)
	if err != nil {
		return 0, false, fmt.Errorf("enqueueing reply for %s: %w", messageID, err)
	}
	if id, err = result.LastInsertId(); err != nil {
		return 0, false, fmt.Errorf("reading reply id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("committing reply for %s: %w", messageID, err)
	}
	return id, true, nil
}

// GetReply retrieves a queue item by id.
func (s *SQLiteStore) GetReply(ctx context.Context, id int64) (*model.ReplyItem, error) {
	var row replyRow
	err := s.db.GetContext(ctx, &row, replySelect+" WHERE q.id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.E(model.KindNotFound, "reply item %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting reply item %d: %w", id, err)
	}
	item, err := row.toModel()
	if err != nil {
		return nil, fmt.Errorf("getting reply item %d: %w", id, err)
	}
	return &item, nil
}

// UpdateReplyDraft stores the draft of a pending item.
func (s *SQLiteStore) UpdateReplyDraft(
	ctx context.Context,
	id int64,
	subject, body string,
	now time.Time,
) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE reply_queue
		SET drafted_subject = ?, drafted_body = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		subject, body, model.FormatUTC(now), id, string(model.ReplyPending),
	)
	if err != nil {
		return fmt.Errorf("drafting reply item %d: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return s.notPendingOrMissing(ctx, id)
	}
	return nil
}

// TransitionReply moves a pending item to status to. The update is
// conditional on the item still being pending, so concurrent senders
// cannot both complete it.
func (s *SQLiteStore) TransitionReply(
	ctx context.Context,
	id int64,
	to model.ReplyStatus,
	mode model.SendMode,
	now time.Time,
) error {
	if !to.Terminal() {
		return model.E(model.KindInvalidInput, "cannot transition reply item %d to %q", id, to)
	}
	if mode == "" {
		mode = model.SendManual
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE reply_queue
		SET status = ?, send_mode = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), string(mode), model.FormatUTC(now), id, string(model.ReplyPending),
	)
	if err != nil {
		return fmt.Errorf("updating reply item %d: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return s.notPendingOrMissing(ctx, id)
	}
	return nil
}

func (s *SQLiteStore) notPendingOrMissing(ctx context.Context, id int64) error {
	var status string
	err := s.db.GetContext(ctx, &status, "SELECT status FROM reply_queue WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.E(model.KindNotFound, "reply item %d not found", id)
	}
	if err != nil {
		return fmt.Errorf("checking reply item %d: %w", id, err)
	}
	return model.E(model.KindNotPending, "reply item %d is %s", id, status)
}

// ListReplies returns queue items with the given status. Pending items are
// ordered newest enqueued first, terminal items by last update.
func (s *SQLiteStore) ListReplies(ctx context.Context, filter ReplyFilter) ([]model.ReplyItem, error) {
	status := filter.Status
	if status == "" {
		status = model.ReplyPending
	}
	query := replySelect + " WHERE q.status = ?"
	args := []any{string(status)}

	if filter.Day != "" {
		query += " AND substr(m.received_at, 1, 10) = ?"
		args = append(args, filter.Day)
	}
	if status == model.ReplyPending {
		query += " ORDER BY q.created_at DESC, q.id DESC"
	} else {
		query += " ORDER BY q.updated_at DESC, q.id DESC"
	}
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	var rows []replyRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying reply queue: %w", err)
	}

	items := make([]model.ReplyItem, 0, len(rows))
	for _, r := range rows {
		item, err := r.toModel()
		if err != nil {
			return nil, fmt.Errorf("scanning reply item %d: %w", r.ID, err)
		}
		items = append(items, item)
	}
	return items, nil
}

// ReplyCountsForDay counts queue items by status for messages received on
// day.
func (s *SQLiteStore) ReplyCountsForDay(ctx context.Context, day string) (map[model.ReplyStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT q.status AS status, COUNT(*) AS count
		FROM reply_queue q
		JOIN messages m ON m.id = q.message_id
		WHERE substr(m.received_at, 1, 10) = ?
		GROUP BY q.status`, day)
	if err != nil {
		return nil, fmt.Errorf("counting replies for %s: %w", day, err)
	}

	counts := make(map[model.ReplyStatus]int, len(rows))
	for _, r := range rows {
		counts[model.ReplyStatus(r.Status)] = r.Count
	}
	return counts, nil
}
