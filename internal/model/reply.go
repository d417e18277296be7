package model

import (
	"strings"
	"time"
)

// ReplyStatus is the lifecycle state of a reply queue item.
type ReplyStatus string

const (
	ReplyPending ReplyStatus = "pending"
	ReplySent    ReplyStatus = "sent"
	ReplySkipped ReplyStatus = "skipped"
)

// Terminal reports whether no further transition is allowed.
func (s ReplyStatus) Terminal() bool {
	return s == ReplySent || s == ReplySkipped
}

// SendMode records how a reply left the queue.
type SendMode string

const (
	SendManual SendMode = "manual"
	SendAuto   SendMode = "auto"
)

// ReplyItem is one candidate reply in the queue.
type ReplyItem struct {
	ID           int64       `json:"id"`
	MessageID    string      `json:"message_id"`
	Status       ReplyStatus `json:"status"`
	SendMode     SendMode    `json:"send_mode"`
	Reason       string      `json:"reason,omitempty"`
	DraftSubject *string     `json:"draft_subject,omitempty"`
	DraftBody    *string     `json:"draft_body,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`

	// Joined from the message for listings.
	Subject   string    `json:"subject,omitempty"`
	From      string    `json:"from,omitempty"`
	AccountID string    `json:"account_id,omitempty"`
	Received  time.Time `json:"received_at,omitempty"`
}

// HasDraft reports whether both draft subject and body are non-blank.
func (r ReplyItem) HasDraft() bool {
	return r.DraftSubject != nil && r.DraftBody != nil &&
		strings.TrimSpace(*r.DraftSubject) != "" &&
		strings.TrimSpace(*r.DraftBody) != ""
}
