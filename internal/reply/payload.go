package reply

import (
	"strings"

	"github.com/nhle/mailhub/internal/model"
)

// Payload is an explicit send override.
type Payload struct {
	Subject string `json:"subject,omitempty"`
	To      string `json:"to,omitempty"`
	From    string `json:"from,omitempty"`
	Context string `json:"context"`
}

// ParsePayload normalizes raw payload keys and rejects unknown ones.
// context is required.
func ParsePayload(raw map[string]string) (*Payload, error) {
	var p Payload
	for k, v := range raw {
		v = strings.TrimSpace(v)
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "subject":
			p.Subject = v
		case "to":
			p.To = v
		case "from":
			p.From = v
		case "context":
			p.Context = v
		default:
			return nil, model.E(model.KindInvalidInput, "unknown payload field %q", k)
		}
	}
	if p.Context == "" {
		return nil, model.E(model.KindInvalidInput, "payload context is required")
	}
	return &p, nil
}

func payloadBody(context, disclosure string) string {
	body := strings.TrimSpace(context)
	if disclosure != "" && !strings.HasSuffix(body, disclosure) {
		body += "\n\n" + disclosure
	}
	return body + "\n"
}
