package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/nhle/mailhub/internal/model"
)

type tagRow struct {
	MessageID string  `db:"message_id"`
	Tag       string  `db:"tag"`
	Score     float64 `db:"score"`
	Reason    string  `db:"reason"`
	CreatedAt string  `db:"created_at"`
}

// SetMessageTag attaches a tag to a message, replacing an earlier score
// and reason for the same tag.
func (s *SQLiteStore) SetMessageTag(ctx context.Context, tag model.MessageTag) error {
	name := strings.TrimSpace(tag.Tag)
	if name == "" {
		return model.E(model.KindInvalidInput, "tag name must not be empty")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_tags (message_id, tag, score, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(message_id, tag) DO UPDATE SET
			score = excluded.score,
			reason = excluded.reason`,
		tag.MessageID, name, tag.Score, tag.Reason, model.FormatUTC(s.now()),
	)
	if err != nil {
		return fmt.Errorf("tagging message %s with %s: %w", tag.MessageID, name, err)
	}
	return nil
}

// GetMessageTags returns the tags of a message ordered by score.
func (s *SQLiteStore) GetMessageTags(ctx context.Context, messageID string) ([]model.MessageTag, error) {
	var rows []tagRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT message_id, tag, score, reason, created_at
		FROM message_tags WHERE message_id = ?
		ORDER BY score DESC, tag`, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying tags for %s: %w", messageID, err)
	}

	tags := make([]model.MessageTag, 0, len(rows))
	for _, r := range rows {
		created, err := model.ParseUTC(r.CreatedAt)
		if err != nil {
			return nil, err
		}
		tags = append(tags, model.MessageTag{
			MessageID: r.MessageID,
			Tag:       r.Tag,
			Score:     r.Score,
			Reason:    r.Reason,
			CreatedAt: created,
		})
	}
	return tags, nil
}

// TagCountsForDay counts tagged messages received on day (YYYY-MM-DD).
func (s *SQLiteStore) TagCountsForDay(ctx context.Context, day string) ([]model.TagCount, error) {
	var counts []model.TagCount
	err := s.db.SelectContext(ctx, &counts, `
		SELECT t.tag AS tag, COUNT(*) AS count
		FROM message_tags t
		JOIN messages m ON m.id = t.message_id
		WHERE substr(m.received_at, 1, 10) = ?
		GROUP BY t.tag
		ORDER BY count DESC, t.tag`, day)
	if err != nil {
		return nil, fmt.Errorf("counting tags for %s: %w", day, err)
	}
	return counts, nil
}
