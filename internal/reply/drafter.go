package reply

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/nhle/mailhub/internal/model"
)

// Default hints handed to the drafter.
const (
	DefaultHint         = "Thanks for your email."
	DefaultOptimizeHint = "Please produce a concise, clear, empathetic reply."
)

// PrivacyConstraints travel with every draft request.
var PrivacyConstraints = []string{
	"Do not include any private data about the user.",
	"Do not reveal information from outside the current email.",
	"Do not use data from other emails, accounts, contacts, calendar or billing.",
	"If uncertain, omit the detail.",
}

// Incoming is the part of a message a drafter may see.
type Incoming struct {
	Subject  string `json:"subject"`
	From     string `json:"from"`
	BodyText string `json:"body_text"`
	Snippet  string `json:"snippet"`
}

// DraftRequest asks a drafter for a reply to one message.
type DraftRequest struct {
	Incoming             Incoming `json:"incoming_email"`
	Hint                 string   `json:"hint"`
	Disclosure           string   `json:"disclosure,omitempty"`
	MustAppendDisclosure bool     `json:"must_append_disclosure"`
	PrivacyConstraints   []string `json:"privacy_constraints"`
}

// Draft is a proposed reply.
type Draft struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Drafter produces reply drafts, usually by calling an external agent.
type Drafter interface {
	Draft(ctx context.Context, req DraftRequest) (*Draft, error)
}

// DraftMode selects how compose and revise build a draft.
type DraftMode string

const (
	// DraftAuto asks the drafter with the default hint and the disclosure.
	DraftAuto DraftMode = "auto"
	// DraftOptimize asks the drafter to polish the supplied content.
	DraftOptimize DraftMode = "optimize"
	// DraftRaw stores the supplied content as is.
	DraftRaw DraftMode = "raw"
)

// ParseDraftMode validates a mode name. Empty means auto.
func ParseDraftMode(s string) (DraftMode, error) {
	switch m := DraftMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return DraftAuto, nil
	case DraftAuto, DraftOptimize, DraftRaw:
		return m, nil
	}
	return "", model.E(model.KindInvalidInput, "unknown draft mode %q, want auto, optimize or raw", s)
}

// ReplySubject prefixes subject with "Re: " unless it already has one.
func ReplySubject(subject string) string {
	s := strings.TrimSpace(subject)
	if strings.HasPrefix(strings.ToLower(s), "re:") {
		return s
	}
	return "Re: " + s
}

// FallbackDraft builds a draft without a drafter.
func FallbackDraft(subject, hint, disclosure string) Draft {
	body := strings.TrimSpace(hint)
	if disclosure != "" {
		body = strings.TrimSpace(body + "\n\n" + disclosure)
	}
	return Draft{Subject: ReplySubject(subject), Body: body + "\n"}
}

func incomingOf(msg *model.Message) Incoming {
	return Incoming{
		Subject:  msg.Subject,
		From:     msg.From,
		BodyText: msg.BodyText,
		Snippet:  msg.Snippet,
	}
}

// draft asks the drafter and falls back to the rule-based draft when it is
// absent, fails or returns a blank subject or body.
func (q *Queue) draft(ctx context.Context, msg *model.Message, hint, disclosure string) Draft {
	if q.drafter != nil {
		d, err := q.drafter.Draft(ctx, DraftRequest{
			Incoming:             incomingOf(msg),
			Hint:                 hint,
			Disclosure:           disclosure,
			MustAppendDisclosure: disclosure != "",
			PrivacyConstraints:   PrivacyConstraints,
		})
		switch {
		case err != nil:
			q.logger.Warn("reply drafter failed, using fallback",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		case d != nil && strings.TrimSpace(d.Subject) != "" && strings.TrimSpace(d.Body) != "":
			body := strings.TrimSpace(d.Body)
			if disclosure != "" && !strings.HasSuffix(body, disclosure) {
				body += "\n\n" + disclosure
			}
			return Draft{Subject: strings.TrimSpace(d.Subject), Body: body + "\n"}
		}
	}
	return FallbackDraft(msg.Subject, hint, disclosure)
}
