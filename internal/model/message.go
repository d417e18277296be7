package model

import (
	"strings"
	"time"
)

// snippetLimit caps the stored preview length.
const snippetLimit = 500

// Message is a normalized mail item from any provider.
type Message struct {
	// ID is the composite of account id and provider-native id.
	ID             string    `json:"id"`
	AccountID      string    `json:"account_id"`
	ProviderID     string    `json:"provider_id"`
	ThreadID       string    `json:"thread_id"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	Subject        string    `json:"subject"`
	ReceivedAt     time.Time `json:"received_at"`
	Snippet        string    `json:"snippet"`
	BodyText       string    `json:"body_text,omitempty"`
	BodyHTML       string    `json:"body_html,omitempty"`
	HasAttachments bool      `json:"has_attachments"`
	// Headers holds the raw header block, used by header rules.
	Headers string `json:"-"`
	// Raw is the opaque provider payload.
	Raw       []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageID builds the composite id of a provider item.
func MessageID(accountID, providerID string) string {
	return accountID + ":" + providerID
}

// Snippet trims and truncates text to the stored preview length.
func Snippet(text string) string {
	s := strings.Join(strings.Fields(text), " ")
	if r := []rune(s); len(r) > snippetLimit {
		return string(r[:snippetLimit])
	}
	return s
}

// MessageTag is a triage label attached to a message.
type MessageTag struct {
	MessageID string    `json:"message_id" db:"message_id"`
	Tag       string    `json:"tag" db:"tag"`
	Score     float64   `json:"score" db:"score"`
	Reason    string    `json:"reason" db:"reason"`
	CreatedAt time.Time `json:"created_at" db:"-"`
}

// TagCount is the number of messages carrying a tag.
type TagCount struct {
	Tag   string `json:"tag" db:"tag"`
	Count int    `json:"count" db:"count"`
}
