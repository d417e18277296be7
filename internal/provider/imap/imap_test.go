package imap

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/emersion/go-imap/v2"
	"github.com/jhillyerd/enmime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailhub/internal/credential"
	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/provider"
	"github.com/nhle/mailhub/internal/testutil"
)

func TestPageUIDs(t *testing.T) {
	all := []imap.UID{9, 3, 7, 1, 5, 7}

	tests := []struct {
		name     string
		after    imap.UID
		size     int
		wantUIDs []imap.UID
		wantNext string
	}{
		{"first page", 0, 2, []imap.UID{1, 3}, "3"},
		{"middle page", 3, 2, []imap.UID{5, 7}, "7"},
		{"last page", 7, 2, []imap.UID{9}, ""},
		{"exact fit", 5, 2, []imap.UID{7, 9}, ""},
		{"past end", 9, 2, []imap.UID{}, ""},
		{"unbounded", 0, 0, []imap.UID{1, 3, 5, 7, 9}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, next := pageUIDs(all, tc.after, tc.size)
			assert.Equal(t, tc.wantUIDs, got)
			assert.Equal(t, tc.wantNext, next)
		})
	}
	assert.Equal(t, []imap.UID{9, 3, 7, 1, 5, 7}, all, "input is not mutated")
}

func TestParseToken(t *testing.T) {
	uid, err := parseToken("")
	require.NoError(t, err)
	assert.Equal(t, imap.UID(0), uid)

	uid, err = parseToken("42")
	require.NoError(t, err)
	assert.Equal(t, imap.UID(42), uid)

	_, err = parseToken("abc")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

const rawReply = "From: Alice <alice@example.org>\r\n" +
	"To: me@example.com\r\n" +
	"Subject: Re: Lunch\r\n" +
	"Date: Sun, 09 Jun 2024 10:00:00 +0200\r\n" +
	"Message-ID: <c@example.org>\r\n" +
	"In-Reply-To: <b@example.org>\r\n" +
	"References: <a@example.org> <b@example.org>\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>Noon works &amp; see you</p>\r\n"

func TestParseMessage(t *testing.T) {
	internal := time.Date(2024, 6, 9, 9, 0, 5, 0, time.UTC)
	msg, err := parseMessage("imap:me", "17", []byte(rawReply), internal)
	require.NoError(t, err)

	assert.Equal(t, "imap:me:17", msg.ID)
	assert.Equal(t, "17", msg.ProviderID)
	assert.Equal(t, "a@example.org", msg.ThreadID)
	assert.Equal(t, "Re: Lunch", msg.Subject)
	assert.Contains(t, msg.From, "alice@example.org")
	assert.Equal(t, internal, msg.ReceivedAt, "server arrival time wins over the Date header")
	assert.Contains(t, msg.BodyText, "Noon works & see you")
	assert.NotEmpty(t, msg.BodyHTML)
	assert.False(t, msg.HasAttachments)
	assert.True(t, strings.HasPrefix(msg.Headers, "From: Alice"))
	assert.Equal(t, []byte(rawReply), msg.Raw)
}

func TestParseMessageInternalDate(t *testing.T) {
	raw := "From: bob@example.org\r\nSubject: hi\r\nMessage-ID: <x@example.org>\r\n\r\nhello\r\n"
	internal := time.Date(2024, 6, 9, 9, 0, 5, 0, time.UTC)

	msg, err := parseMessage("imap:me", "3", []byte(raw), internal)
	require.NoError(t, err)
	assert.Equal(t, internal, msg.ReceivedAt)
	assert.Equal(t, "x@example.org", msg.ThreadID)
	assert.Equal(t, "hello", strings.TrimSpace(msg.BodyText))
}

func TestParseMessageIgnoresFutureDateHeader(t *testing.T) {
	raw := "From: spam@example.org\r\nDate: Thu, 01 Jan 2099 00:00:00 +0000\r\n\r\nwin\r\n"
	internal := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	msg, err := parseMessage("imap:me", "4", []byte(raw), internal)
	require.NoError(t, err)
	assert.Equal(t, internal, msg.ReceivedAt)
}

func TestParseMessageDateHeaderWithoutInternalDate(t *testing.T) {
	msg, err := parseMessage("imap:me", "17", []byte(rawReply), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 9, 8, 0, 0, 0, time.UTC), msg.ReceivedAt)
}

func TestResolveDefaults(t *testing.T) {
	acct := model.Account{
		ID:    "imap:me",
		Kind:  model.ProviderIMAP,
		Email: "me@example.com",
		Meta:  model.ProviderMeta{IMAP: &model.IMAPMeta{Host: "mail.example.com"}},
	}
	s, err := resolve(acct, "pw")
	require.NoError(t, err)
	assert.Equal(t, "mail.example.com:993", s.imapAddr())
	assert.Equal(t, "mail.example.com:465", s.smtpAddr())
	assert.Equal(t, "me@example.com", s.username)
	assert.Equal(t, "INBOX", s.mailbox)

	acct.Meta.IMAP.Security = "bogus"
	_, err = resolve(acct, "pw")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func newSMTPAccount(t *testing.T) (*Adapter, model.Account, *testutil.SMTPServer) {
	t.Helper()
	srv := testutil.NewSMTPServer(t)

	creds := credential.New(keyring.NewArrayKeyring(nil))
	require.NoError(t, creds.Set(credential.PasswordKey("imap:me"), srv.Password))

	acct := model.Account{
		ID:    "imap:me",
		Kind:  model.ProviderIMAP,
		Email: "me@example.com",
		Meta: model.ProviderMeta{IMAP: &model.IMAPMeta{
			Host:     "127.0.0.1",
			SMTPHost: srv.Host(),
			SMTPPort: srv.Port(),
			Username: srv.Username,
			Security: SecurityNone,
		}},
	}
	return New(creds, 5*time.Second), acct, srv
}

func TestSendOverSMTP(t *testing.T) {
	a, acct, srv := newSMTPAccount(t)

	receipt, err := a.Send(context.Background(), acct, model.OutgoingMail{
		To:        []string{"Alice <alice@example.org>"},
		Subject:   "Re: Lunch",
		Body:      "Noon it is.\n",
		InReplyTo: "c@example.org",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(receipt.MessageID, "@mailhub.local"))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "me@example.com", msgs[0].From)
	assert.Equal(t, []string{"alice@example.org"}, msgs[0].To)

	env, err := enmime.ReadEnvelope(strings.NewReader(string(msgs[0].Data)))
	require.NoError(t, err)
	assert.Equal(t, "Re: Lunch", env.GetHeader("Subject"))
	assert.Equal(t, "<c@example.org>", env.GetHeader("In-Reply-To"))
	assert.Equal(t, "Noon it is.", strings.TrimSpace(env.Text))
}

func TestSendRejectedIsClassified(t *testing.T) {
	a, acct, srv := newSMTPAccount(t)
	srv.Reject(451)

	_, err := a.Send(context.Background(), acct, model.OutgoingMail{
		To:      []string{"alice@example.org"},
		Subject: "hi",
		Body:    "hi\n",
	})
	assert.ErrorIs(t, err, model.ErrRateLimited)
	assert.Empty(t, srv.Messages())
}

func TestSendWithoutPasswordIsAuthFailure(t *testing.T) {
	a := New(credential.New(keyring.NewArrayKeyring(nil)), time.Second)
	acct := model.Account{
		ID:   "imap:none",
		Kind: model.ProviderIMAP,
		Meta: model.ProviderMeta{IMAP: &model.IMAPMeta{Host: "127.0.0.1"}},
	}
	_, err := a.Send(context.Background(), acct, model.OutgoingMail{To: []string{"a@example.org"}})
	assert.ErrorIs(t, err, model.ErrAuth)
}

func TestUIDTracking(t *testing.T) {
	a := New(nil, time.Second)
	assert.Empty(t, a.ResumeToken(0))
	assert.Equal(t, "41", a.ResumeToken(41))
	assert.Equal(t, uint32(12), a.MaxUID([]provider.ItemRef{{ID: "3"}, {ID: "12"}, {ID: "bad"}, {ID: "7"}}))
}
