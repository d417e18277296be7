package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProviderKind identifies the mail provider an account is bound to.
type ProviderKind string

const (
	ProviderGoogle    ProviderKind = "google"
	ProviderMicrosoft ProviderKind = "microsoft"
	ProviderIMAP      ProviderKind = "imap"
)

// SenderPriority is the order used when no account matches a message's
// own provider class.
var SenderPriority = []ProviderKind{ProviderGoogle, ProviderMicrosoft, ProviderIMAP}

// Valid reports whether k is one of the supported provider kinds.
func (k ProviderKind) Valid() bool {
	switch k {
	case ProviderGoogle, ProviderMicrosoft, ProviderIMAP:
		return true
	}
	return false
}

// Capability names a feature an account has enabled.
type Capability string

const (
	CapabilityMail     Capability = "mail"
	CapabilityCalendar Capability = "calendar"
	CapabilityContacts Capability = "contacts"
)

// Capabilities holds the feature flags of an account.
type Capabilities struct {
	Mail     bool `json:"mail" mapstructure:"mail" yaml:"mail"`
	Calendar bool `json:"calendar" mapstructure:"calendar" yaml:"calendar"`
	Contacts bool `json:"contacts" mapstructure:"contacts" yaml:"contacts"`
}

// Has reports whether the capability is enabled.
func (c Capabilities) Has(capability Capability) bool {
	switch capability {
	case CapabilityMail:
		return c.Mail
	case CapabilityCalendar:
		return c.Calendar
	case CapabilityContacts:
		return c.Contacts
	}
	return false
}

// GmailMeta is the provider metadata of a Google account.
type GmailMeta struct {
	// UserID is the Gmail API user, "me" unless delegated.
	UserID string `json:"user_id,omitempty" mapstructure:"user_id" yaml:"user_id"`
	// Endpoint overrides the Gmail API base URL.
	Endpoint string `json:"endpoint,omitempty" mapstructure:"endpoint" yaml:"endpoint"`
}

// GraphMeta is the provider metadata of a Microsoft account.
type GraphMeta struct {
	Tenant   string `json:"tenant,omitempty" mapstructure:"tenant" yaml:"tenant"`
	Endpoint string `json:"endpoint,omitempty" mapstructure:"endpoint" yaml:"endpoint"`
}

// IMAPMeta is the provider metadata of a generic IMAP/SMTP account.
type IMAPMeta struct {
	Host     string `json:"host" mapstructure:"host" yaml:"host"`
	Port     string `json:"port" mapstructure:"port" yaml:"port"`
	SMTPHost string `json:"smtp_host" mapstructure:"smtp_host" yaml:"smtp_host"`
	SMTPPort string `json:"smtp_port" mapstructure:"smtp_port" yaml:"smtp_port"`
	Username string `json:"username" mapstructure:"username" yaml:"username"`
	Mailbox  string `json:"mailbox,omitempty" mapstructure:"mailbox" yaml:"mailbox"`
	// Security is one of "tls", "starttls" or "none".
	Security string `json:"security,omitempty" mapstructure:"security" yaml:"security"`
}

// ProviderMeta is a tagged union of per-kind account metadata. Exactly one
// field is set and it must match the account kind.
type ProviderMeta struct {
	Gmail *GmailMeta `json:"gmail,omitempty" mapstructure:"gmail" yaml:"gmail"`
	Graph *GraphMeta `json:"graph,omitempty" mapstructure:"graph" yaml:"graph"`
	IMAP  *IMAPMeta  `json:"imap,omitempty" mapstructure:"imap" yaml:"imap"`
}

// Account is one bound provider credential set.
type Account struct {
	ID            string       `json:"id"`
	Kind          ProviderKind `json:"kind"`
	Email         string       `json:"email"`
	Alias         string       `json:"alias,omitempty"`
	Capabilities  Capabilities `json:"capabilities"`
	ColdStartDays int          `json:"cold_start_days"`
	Meta          ProviderMeta `json:"meta"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Validate checks the kind and that the metadata variant matches it.
func (a Account) Validate() error {
	if a.ID == "" {
		return E(KindInvalidInput, "account id is required")
	}
	if !a.Kind.Valid() {
		return E(KindInvalidInput, "account %s: unsupported provider kind %q", a.ID, a.Kind)
	}

	set := 0
	for _, ok := range []bool{a.Meta.Gmail != nil, a.Meta.Graph != nil, a.Meta.IMAP != nil} {
		if ok {
			set++
		}
	}
	if set > 1 {
		return E(KindInvalidInput, "account %s: more than one provider meta set", a.ID)
	}

	switch a.Kind {
	case ProviderGoogle:
		if a.Meta.Graph != nil || a.Meta.IMAP != nil {
			return E(KindInvalidInput, "account %s: google account carries foreign meta", a.ID)
		}
	case ProviderMicrosoft:
		if a.Meta.Gmail != nil || a.Meta.IMAP != nil {
			return E(KindInvalidInput, "account %s: microsoft account carries foreign meta", a.ID)
		}
	case ProviderIMAP:
		if a.Meta.IMAP == nil || a.Meta.IMAP.Host == "" {
			return E(KindInvalidInput, "account %s: imap host is required", a.ID)
		}
	}
	return nil
}

// EncodeMeta serializes the provider metadata for storage.
func EncodeMeta(m ProviderMeta) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding provider meta: %w", err)
	}
	return string(b), nil
}

// DecodeMeta parses stored provider metadata and checks it against kind.
func DecodeMeta(kind ProviderKind, raw string) (ProviderMeta, error) {
	var m ProviderMeta
	if raw == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return m, fmt.Errorf("decoding %s provider meta: %w", kind, err)
	}
	switch kind {
	case ProviderGoogle:
		m.Graph, m.IMAP = nil, nil
	case ProviderMicrosoft:
		m.Gmail, m.IMAP = nil, nil
	case ProviderIMAP:
		m.Gmail, m.Graph = nil, nil
	}
	return m, nil
}
