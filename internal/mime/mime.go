// Package mime composes outbound RFC 822 messages and flattens inbound
// bodies.
package mime

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
	"github.com/jaytaylor/html2text"

	"github.com/nhle/mailhub/internal/model"
)

// MessageIDDomain is the right-hand side of generated Message-IDs.
const MessageIDDomain = "mailhub.local"

// Compose renders out as a text/plain RFC 822 message. It returns the
// raw bytes and the generated Message-ID.
func Compose(out model.OutgoingMail) ([]byte, string, error) {
	from, err := mail.ParseAddress(out.From)
	if err != nil {
		return nil, "", model.Wrap(model.KindInvalidInput, err, "parsing sender %q", out.From)
	}
	if len(out.To) == 0 {
		return nil, "", model.E(model.KindInvalidInput, "no recipients")
	}
	to := make([]*mail.Address, 0, len(out.To))
	for _, rcpt := range out.To {
		addrs, err := mail.ParseAddressList(rcpt)
		if err != nil {
			return nil, "", model.Wrap(model.KindInvalidInput, err, "parsing recipient %q", rcpt)
		}
		to = append(to, addrs...)
	}

	date := out.Date
	if date.IsZero() {
		date = time.Now()
	}
	id := uuid.NewString() + "@" + MessageIDDomain

	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", to)
	h.SetSubject(out.Subject)
	h.SetMessageID(id)
	if out.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{out.InReplyTo})
	}
	if refs := out.References; len(refs) > 0 {
		h.SetMsgIDList("References", refs)
	} else if out.InReplyTo != "" {
		h.SetMsgIDList("References", []string{out.InReplyTo})
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("creating message writer: %w", err)
	}
	if _, err := w.Write([]byte(out.Body)); err != nil {
		return nil, "", fmt.Errorf("writing message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("closing message body: %w", err)
	}
	return buf.Bytes(), id, nil
}

// Address returns the bare address of a header value such as
// "Alice <alice@example.org>". Unparseable input is returned trimmed.
func Address(s string) string {
	if a, err := mail.ParseAddress(s); err == nil {
		return a.Address
	}
	return strings.Trim(strings.TrimSpace(s), "<>")
}

// HeaderBlock returns the header section of a raw message.
func HeaderBlock(raw []byte) string {
	for _, sep := range []string{"\r\n\r\n", "\n\n"} {
		if i := bytes.Index(raw, []byte(sep)); i >= 0 {
			return string(raw[:i])
		}
	}
	return string(raw)
}

// HeaderValue returns the first value of name in a raw header block,
// unfolding continuation lines.
func HeaderValue(block, name string) string {
	if block == "" {
		return ""
	}
	h, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(block + "\r\n\r\n")))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(h.Get(name))
}

// MessageIDs extracts bracketed ids from a Message-ID style header value.
func MessageIDs(v string) []string {
	var ids []string
	for _, f := range strings.Fields(v) {
		f = strings.Trim(f, "<>,")
		if f != "" {
			ids = append(ids, f)
		}
	}
	return ids
}

// fallbackText strips tags from markup html2text could not parse.
var fallbackText = strings.NewReplacer("<br>", "\n", "</p>", "\n", "</div>", "\n")

// HTMLToText renders an HTML body as plain text. Script and style content
// is dropped and links keep only their text.
func HTMLToText(html string) string {
	text, err := html2text.FromString(html, html2text.Options{OmitLinks: true, TextOnly: true})
	if err != nil {
		text = stripTags(fallbackText.Replace(html))
	}
	text = strings.ReplaceAll(text, "\u00a0", " ")
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(text)
}

func stripTags(html string) string {
	var b strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}
