package gmail

import (
	"encoding/base64"
	"strings"

	gmailv1 "google.golang.org/api/gmail/v1"
)

// extractPlainText walks the part tree and returns the first text/plain
// body, preferring direct text/plain children of multipart nodes.
func extractPlainText(part *gmailv1.MessagePart) string {
	if part == nil {
		return ""
	}

	if isType(part, "text/plain") && part.Body != nil && part.Body.Data != "" && part.Body.AttachmentId == "" {
		return decodeBase64URL(part.Body.Data)
	}

	for _, sub := range part.Parts {
		if isType(sub, "text/plain") {
			if body := extractPlainText(sub); body != "" {
				return body
			}
		}
	}
	for _, sub := range part.Parts {
		if body := extractPlainText(sub); body != "" {
			return body
		}
	}
	return ""
}

// extractHTML returns the first text/html body in the part tree.
func extractHTML(part *gmailv1.MessagePart) string {
	if part == nil {
		return ""
	}

	if isType(part, "text/html") && part.Body != nil && part.Body.Data != "" && part.Body.AttachmentId == "" {
		return decodeBase64URL(part.Body.Data)
	}

	for _, sub := range part.Parts {
		if body := extractHTML(sub); body != "" {
			return body
		}
	}
	return ""
}

// hasAttachment reports whether any part carries an attachment id.
func hasAttachment(part *gmailv1.MessagePart) bool {
	if part == nil {
		return false
	}
	if part.Body != nil && part.Body.AttachmentId != "" {
		return true
	}
	for _, sub := range part.Parts {
		if hasAttachment(sub) {
			return true
		}
	}
	return false
}

func isType(part *gmailv1.MessagePart, mimeType string) bool {
	return strings.EqualFold(part.MimeType, mimeType)
}

// decodeBase64URL decodes Gmail body data, which may be padded or not.
func decodeBase64URL(data string) string {
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		b, err = base64.RawURLEncoding.DecodeString(data)
		if err != nil {
			return ""
		}
	}
	return string(b)
}
