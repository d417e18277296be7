package mime

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailhub/internal/model"
)

func TestComposeRoundTrip(t *testing.T) {
	raw, id, err := Compose(model.OutgoingMail{
		From:      "Me <me@example.com>",
		To:        []string{"Alice <alice@example.org>"},
		Subject:   "Re: Quarterly numbers",
		Body:      "Thanks, will do.\n",
		InReplyTo: "orig-1@example.org",
		Date:      time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Contains(t, id, "@"+MessageIDDomain)

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "Re: Quarterly numbers", env.GetHeader("Subject"))
	assert.Equal(t, "<orig-1@example.org>", env.GetHeader("In-Reply-To"))
	assert.Equal(t, "<orig-1@example.org>", env.GetHeader("References"))
	assert.Equal(t, "<"+id+">", env.GetHeader("Message-Id"))
	assert.Contains(t, env.GetHeader("To"), "alice@example.org")
	assert.Equal(t, "Thanks, will do.", strings.TrimSpace(env.Text))
}

func TestComposeValidatesAddresses(t *testing.T) {
	_, _, err := Compose(model.OutgoingMail{From: "not an address", To: []string{"a@example.org"}})
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, _, err = Compose(model.OutgoingMail{From: "me@example.com"})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestAddress(t *testing.T) {
	assert.Equal(t, "alice@example.org", Address("Alice <alice@example.org>"))
	assert.Equal(t, "bob@example.org", Address("<bob@example.org>"))
	assert.Equal(t, "bob@example.org", Address("bob@example.org"))
}

func TestHeaderBlock(t *testing.T) {
	assert.Equal(t, "Subject: a\r\nFrom: b", HeaderBlock([]byte("Subject: a\r\nFrom: b\r\n\r\nbody")))
	assert.Equal(t, "Subject: a", HeaderBlock([]byte("Subject: a\n\nbody")))
}

func TestMessageIDs(t *testing.T) {
	assert.Equal(t, []string{"a@x", "b@y"}, MessageIDs("<a@x> <b@y>"))
	assert.Empty(t, MessageIDs(""))
}

func TestHeaderValue(t *testing.T) {
	block := "From: Alice <alice@example.org>\r\nMessage-ID: <m1@example.org>\r\nReferences: <a@x>\r\n <b@y>"
	assert.Equal(t, "<m1@example.org>", HeaderValue(block, "Message-Id"))
	assert.Equal(t, []string{"a@x", "b@y"}, MessageIDs(HeaderValue(block, "references")))
	assert.Empty(t, HeaderValue(block, "In-Reply-To"))
	assert.Empty(t, HeaderValue("", "From"))
}

func TestHTMLToText(t *testing.T) {
	got := HTMLToText("<p>Hello&nbsp;<b>there</b></p><div>A &amp; B</div><br><br><br><br>end")
	assert.Contains(t, got, "Hello there")
	assert.Contains(t, got, "A & B")
	assert.True(t, strings.HasSuffix(got, "end"))
	assert.NotContains(t, got, "<")
	assert.NotContains(t, got, "\n\n\n")
}

func TestHTMLToTextDropsStyleAndScript(t *testing.T) {
	html := "<html><head><style>p { color: red; }</style></head><body>" +
		"<script>var x = 1;</script><p>Hi Bob,</p>" +
		"<p>See you &lt;soon&gt; &#8212; <a href=\"https://example.org/x\">A</a></p></body></html>"

	got := HTMLToText(html)
	assert.NotContains(t, got, "color")
	assert.NotContains(t, got, "var x")
	assert.NotContains(t, got, "https://example.org")
	assert.Contains(t, got, "Hi Bob,")
	assert.Contains(t, got, "See you <soon> \u2014 A")
}
