package model

import "time"

// OutgoingMail is a plain-text message handed to a provider for sending.
type OutgoingMail struct {
	From    string
	To      []string
	Subject string
	Body    string

	// InReplyTo and References hold bare Message-IDs (without brackets)
	// of the message being answered.
	InReplyTo  string
	References []string
	// ThreadID is the provider thread to file the reply under, if any.
	ThreadID string

	Date time.Time
}

// SendReceipt identifies a sent message.
type SendReceipt struct {
	ProviderID string `json:"provider_id,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
}
