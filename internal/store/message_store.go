package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nhle/mailhub/internal/model"
)

// messageRow is the stored shape of a message.
type messageRow struct {
	ID             string `db:"id"`
	AccountID      string `db:"account_id"`
	ProviderID     string `db:"provider_id"`
	ThreadID       string `db:"thread_id"`
	From           string `db:"from_addr"`
	To             string `db:"to_addrs"`
	Subject        string `db:"subject"`
	ReceivedAt     string `db:"received_at"`
	Snippet        string `db:"snippet"`
	BodyText       string `db:"body_text"`
	BodyHTML       string `db:"body_html"`
	HasAttachments int    `db:"has_attachments"`
	Headers        string `db:"headers"`
	Raw            []byte `db:"raw"`
	RawSealed      int    `db:"raw_sealed"`
	CreatedAt      string `db:"created_at"`
	UpdatedAt      string `db:"updated_at"`
}

func (s *SQLiteStore) messageFromRow(r messageRow) (model.Message, error) {
	msg := model.Message{
		ID:             r.ID,
		AccountID:      r.AccountID,
		ProviderID:     r.ProviderID,
		ThreadID:       r.ThreadID,
		From:           r.From,
		To:             r.To,
		Subject:        r.Subject,
		Snippet:        r.Snippet,
		BodyText:       r.BodyText,
		BodyHTML:       r.BodyHTML,
		HasAttachments: r.HasAttachments != 0,
		Headers:        r.Headers,
		Raw:            r.Raw,
	}

	var err error
	if msg.ReceivedAt, err = model.ParseUTC(r.ReceivedAt); err != nil {
		return model.Message{}, err
	}
	if msg.CreatedAt, err = model.ParseUTC(r.CreatedAt); err != nil {
		return model.Message{}, err
	}

	if r.RawSealed != 0 && len(r.Raw) > 0 {
		if s.sealer == nil {
			// Sealed payload without a key stays opaque.
			msg.Raw = nil
		} else if msg.Raw, err = s.sealer.Open(r.Raw); err != nil {
			return model.Message{}, fmt.Errorf("opening raw payload of %s: %w", r.ID, err)
		}
	}
	return msg, nil
}

// UpsertMessage inserts a message or updates its mutable fields. Bodies,
// headers and the raw payload are never replaced by empty values, so a
// metadata-only refetch cannot erase a previously stored body.
func (s *SQLiteStore) UpsertMessage(ctx context.Context, msg model.Message) error {
	if msg.ID == "" {
		msg.ID = model.MessageID(msg.AccountID, msg.ProviderID)
	}
	if msg.Snippet == "" {
		msg.Snippet = model.Snippet(msg.BodyText)
	}

	var (
		raw    any
		sealed int
	)
	if len(msg.Raw) > 0 {
		raw = msg.Raw
		if s.sealer != nil {
			ct, err := s.sealer.Seal(msg.Raw)
			if err != nil {
				return fmt.Errorf("sealing raw payload of %s: %w", msg.ID, err)
			}
			raw, sealed = ct, 1
		}
	}

	now := model.FormatUTC(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (
			id, account_id, provider_id, thread_id,
			from_addr, to_addrs, subject, received_at,
			snippet, body_text, body_html, has_attachments,
			headers, raw, raw_sealed, created_at, updated_at
		) VALUES (
			?, ?, ?, ?,
			?, ?, ?, ?,
			?, ?, ?, ?,
			?, ?, ?, ?, ?
		)
		ON CONFLICT(id) DO UPDATE SET
			thread_id = excluded.thread_id,
			from_addr = excluded.from_addr,
			to_addrs = excluded.to_addrs,
			subject = excluded.subject,
			received_at = excluded.received_at,
			snippet = CASE WHEN excluded.snippet <> '' THEN excluded.snippet ELSE messages.snippet END,
			body_text = CASE WHEN excluded.body_text <> '' THEN excluded.body_text ELSE messages.body_text END,
			body_html = CASE WHEN excluded.body_html <> '' THEN excluded.body_html ELSE messages.body_html END,
			has_attachments = excluded.has_attachments,
			headers = CASE WHEN excluded.headers <> '' THEN excluded.headers ELSE messages.headers END,
			raw_sealed = CASE WHEN excluded.raw IS NULL THEN messages.raw_sealed ELSE excluded.raw_sealed END,
			raw = COALESCE(excluded.raw, messages.raw),
			updated_at = excluded.updated_at`,
		msg.ID, msg.AccountID, msg.ProviderID, msg.ThreadID,
		msg.From, msg.To, msg.Subject, model.FormatUTC(msg.ReceivedAt),
		msg.Snippet, msg.BodyText, msg.BodyHTML, boolToInt(msg.HasAttachments),
		msg.Headers, raw, sealed, now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting message %s: %w", msg.ID, err)
	}
	return nil
}

// GetMessage retrieves a single message by its composite ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM messages WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.E(model.KindNotFound, "message %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}
	msg, err := s.messageFromRow(row)
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}
	return &msg, nil
}

// ListMessages returns messages newest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, filter MessageFilter) ([]model.Message, error) {
	query := "SELECT * FROM messages WHERE 1=1"
	var args []any

	if filter.AccountID != "" {
		query += " AND account_id = ?"
		args = append(args, filter.AccountID)
	}
	if filter.Day != "" {
		query += " AND substr(received_at, 1, 10) = ?"
		args = append(args, filter.Day)
	}
	if filter.Since != nil {
		query += " AND received_at >= ?"
		args = append(args, model.FormatUTC(*filter.Since))
	}
	if filter.Tag != "" {
		query += " AND EXISTS (SELECT 1 FROM message_tags t WHERE t.message_id = messages.id AND t.tag = ?)"
		args = append(args, filter.Tag)
	}
	query += " ORDER BY received_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}

	messages := make([]model.Message, 0, len(rows))
	for _, r := range rows {
		msg, err := s.messageFromRow(r)
		if err != nil {
			return nil, fmt.Errorf("scanning message %s: %w", r.ID, err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}
