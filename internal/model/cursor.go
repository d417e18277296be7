package model

import "time"

// Cursor is the persisted ingestion position of one account. LastUID is the
// highest IMAP UID seen and UIDValidity the mailbox generation it belongs
// to; both are zero for other providers.
type Cursor struct {
	AccountID   string    `json:"account_id"`
	Watermark   time.Time `json:"watermark"`
	PageSize    int       `json:"page_size"`
	LastUID     uint32    `json:"last_uid,omitempty"`
	UIDValidity uint32    `json:"uid_validity,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}
