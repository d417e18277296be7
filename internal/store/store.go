package store

import (
	"context"
	"time"

	"github.com/nhle/mailhub/internal/model"
)

// AccountFilter narrows account listings. Zero values match everything.
type AccountFilter struct {
	Kind       model.ProviderKind
	Capability model.Capability
}

// ReplyFilter controls filtering and limits for reply queue listings.
type ReplyFilter struct {
	Status model.ReplyStatus
	// Day restricts items to messages received on this YYYY-MM-DD date.
	Day   string
	Limit int
}

// MessageFilter controls message listings.
type MessageFilter struct {
	AccountID string
	Day       string
	Since     *time.Time
	// Tag keeps only messages carrying this triage tag.
	Tag   string
	Limit int
}

// AccountStore persists bound accounts.
type AccountStore interface {
	UpsertAccount(ctx context.Context, acct model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListAccounts(ctx context.Context, filter AccountFilter) ([]model.Account, error)
	SetColdStartDays(ctx context.Context, id string, days int) error
}

// MessageStore persists normalized messages and their triage tags.
type MessageStore interface {
	UpsertMessage(ctx context.Context, msg model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	ListMessages(ctx context.Context, filter MessageFilter) ([]model.Message, error)

	SetMessageTag(ctx context.Context, tag model.MessageTag) error
	GetMessageTags(ctx context.Context, messageID string) ([]model.MessageTag, error)
	TagCountsForDay(ctx context.Context, day string) ([]model.TagCount, error)
}

// CursorStore persists per-account ingestion cursors.
type CursorStore interface {
	// GetCursor returns nil without error when no cursor exists.
	GetCursor(ctx context.Context, accountID string) (*model.Cursor, error)
	// SaveCursor writes c, never moving the stored watermark backwards,
	// and returns the row as persisted.
	SaveCursor(ctx context.Context, c model.Cursor) (model.Cursor, error)
	DeleteCursor(ctx context.Context, accountID string) error
}

// ReplyStore persists the reply queue.
type ReplyStore interface {
	// EnqueueReply creates a pending item for messageID unless one already
	// exists, in which case the existing id is returned with created false.
	EnqueueReply(ctx context.Context, messageID, reason string, now time.Time) (id int64, created bool, err error)
	GetReply(ctx context.Context, id int64) (*model.ReplyItem, error)
	// UpdateReplyDraft stores a draft on a pending item.
	UpdateReplyDraft(ctx context.Context, id int64, subject, body string, now time.Time) error
	// TransitionReply moves a pending item to a terminal status. It fails
	// with model.ErrNotPending when the item has already left pending.
	TransitionReply(ctx context.Context, id int64, to model.ReplyStatus, mode model.SendMode, now time.Time) error
	ListReplies(ctx context.Context, filter ReplyFilter) ([]model.ReplyItem, error)
	ReplyCountsForDay(ctx context.Context, day string) (map[model.ReplyStatus]int, error)
}

// SlotStore records fired schedule slots.
type SlotStore interface {
	// MarkSlotFired records key and reports whether it was newly recorded.
	MarkSlotFired(ctx context.Context, key string, firedAt time.Time) (bool, error)
	SlotFired(ctx context.Context, key string) (bool, error)
}

// Store defines the persistence interface for accounts, messages, cursors,
// the reply queue and scheduler slots.
type Store interface {
	AccountStore
	MessageStore
	CursorStore
	ReplyStore
	SlotStore
	Close() error
}
