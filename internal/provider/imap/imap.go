// Package imap ingests mail from generic IMAP servers and sends over SMTP.
package imap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	netmail "net/mail"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/jhillyerd/enmime"

	"github.com/nhle/mailhub/internal/credential"
	"github.com/nhle/mailhub/internal/mime"
	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/provider"
)

// Adapter implements provider.Adapter for IMAP/SMTP accounts. A fresh
// connection is opened per call.
type Adapter struct {
	creds   credential.Store
	timeout time.Duration
}

var _ provider.Adapter = (*Adapter)(nil)

// New returns an adapter reading passwords from creds.
func New(creds credential.Store, timeout time.Duration) *Adapter {
	return &Adapter{creds: creds, timeout: timeout}
}

// Kind returns model.ProviderIMAP.
func (a *Adapter) Kind() model.ProviderKind { return model.ProviderIMAP }

func (a *Adapter) settings(acct model.Account) (settings, error) {
	password, err := a.creds.Get(credential.PasswordKey(acct.ID))
	if err != nil {
		return settings{}, model.Wrap(model.KindAuth, err, "loading password for %s", acct.ID)
	}
	return resolve(acct, password)
}

// ListPage searches for messages since the start of since's day. UIDs
// are returned ascending and the token is the last UID handed out.
func (a *Adapter) ListPage(
	ctx context.Context,
	acct model.Account,
	since time.Time,
	token string,
	pageSize int,
) (*provider.Page, error) {
	after, err := parseToken(token)
	if err != nil {
		return nil, err
	}
	s, err := a.settings(acct)
	if err != nil {
		return nil, err
	}

	ctx, cancel := provider.WithTimeout(ctx, a.timeout)
	defer cancel()
	sess, err := connect(ctx, s)
	if err != nil {
		return nil, err
	}
	defer sess.close()

	data, err := sess.client.UIDSearch(&imap.SearchCriteria{Since: since.UTC()}, nil).Wait()
	if err != nil {
		return nil, classify(err, "searching %s", s.mailbox)
	}

	uids, next := pageUIDs(data.AllUIDs(), after, pageSize)
	refs := make([]provider.ItemRef, 0, len(uids))
	for _, uid := range uids {
		refs = append(refs, provider.ItemRef{ID: strconv.FormatUint(uint64(uid), 10)})
	}
	return &provider.Page{Refs: refs, NextToken: next, UIDValidity: sess.uidValidity}, nil
}

func parseToken(token string) (imap.UID, error) {
	if token == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(token, 10, 32)
	if err != nil {
		return 0, model.E(model.KindInvalidInput, "invalid imap page token %q", token)
	}
	return imap.UID(n), nil
}

// pageUIDs sorts uids ascending and returns at most size of those above
// after. next is the last returned UID when more remain.
func pageUIDs(uids []imap.UID, after imap.UID, size int) ([]imap.UID, string) {
	sorted := slices.Clone(uids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	start, _ := slices.BinarySearch(sorted, after+1)
	rest := sorted[start:]
	if size <= 0 || len(rest) <= size {
		return rest, ""
	}
	page := rest[:size]
	return page, strconv.FormatUint(uint64(page[len(page)-1]), 10)
}

// GetFull fetches the full body of the referenced UID.
func (a *Adapter) GetFull(ctx context.Context, acct model.Account, ref provider.ItemRef) (*model.Message, error) {
	uid, err := parseToken(ref.ID)
	if err != nil || uid == 0 {
		return nil, model.E(model.KindInvalidInput, "invalid imap uid %q", ref.ID)
	}
	s, err := a.settings(acct)
	if err != nil {
		return nil, err
	}

	ctx, cancel := provider.WithTimeout(ctx, a.timeout)
	defer cancel()
	sess, err := connect(ctx, s)
	if err != nil {
		return nil, err
	}
	defer sess.close()

	section := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := sess.client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		if err := fetchCmd.Close(); err != nil {
			return nil, classify(err, "fetching uid %d", uid)
		}
		return nil, model.E(model.KindNotFound, "message uid %d not found", uid)
	}
	buf, err := msg.Collect()
	if err != nil {
		return nil, classify(err, "collecting uid %d", uid)
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, classify(err, "fetching uid %d", uid)
	}

	raw := buf.FindBodySection(section)
	if raw == nil {
		return nil, model.E(model.KindTransport, "uid %d returned no body", uid)
	}
	return parseMessage(acct.ID, ref.ID, raw, buf.InternalDate)
}

// parseMessage normalizes a raw RFC 822 message. The server's internal
// date is the effective timestamp; the sender-written Date header is only
// used when the server reported none.
func parseMessage(accountID, providerID string, raw []byte, internalDate time.Time) (*model.Message, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, model.Wrap(model.KindTransport, err, "parsing message %s", providerID)
	}

	received := internalDate
	if received.IsZero() {
		if d, err := netmail.ParseDate(env.GetHeader("Date")); err == nil {
			received = d
		}
	}

	text := env.Text
	if strings.TrimSpace(text) == "" && env.HTML != "" {
		text = mime.HTMLToText(env.HTML)
	}

	return &model.Message{
		ID:             model.MessageID(accountID, providerID),
		AccountID:      accountID,
		ProviderID:     providerID,
		ThreadID:       threadID(env),
		From:           env.GetHeader("From"),
		To:             env.GetHeader("To"),
		Subject:        env.GetHeader("Subject"),
		ReceivedAt:     received.UTC(),
		Snippet:        model.Snippet(text),
		BodyText:       text,
		BodyHTML:       env.HTML,
		HasAttachments: len(env.Attachments) > 0,
		Headers:        mime.HeaderBlock(raw),
		Raw:            raw,
	}, nil
}

// threadID is the root of the References chain, else the parent, else
// the message's own id.
func threadID(env *enmime.Envelope) string {
	for _, h := range []string{"References", "In-Reply-To", "Message-ID"} {
		if ids := mime.MessageIDs(env.GetHeader(h)); len(ids) > 0 {
			return ids[0]
		}
	}
	return ""
}

// Send delivers out over SMTP using the account's security mode.
func (a *Adapter) Send(ctx context.Context, acct model.Account, out model.OutgoingMail) (*model.SendReceipt, error) {
	if len(out.To) == 0 {
		return nil, model.E(model.KindInvalidInput, "no recipients")
	}
	s, err := a.settings(acct)
	if err != nil {
		return nil, err
	}
	if out.From == "" {
		out.From = acct.Email
	}

	raw, msgID, err := mime.Compose(out)
	if err != nil {
		return nil, err
	}

	rcpts := make([]string, 0, len(out.To))
	for _, to := range out.To {
		rcpts = append(rcpts, mime.Address(to))
	}

	ctx, cancel := provider.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := sendSMTP(ctx, s, mime.Address(out.From), rcpts, raw); err != nil {
		return nil, err
	}
	return &model.SendReceipt{MessageID: msgID}, nil
}

func sendSMTP(ctx context.Context, s settings, from string, to []string, raw []byte) error {
	addr := s.smtpAddr()

	var c *smtp.Client
	var err error
	switch s.security {
	case SecurityTLS:
		c, err = smtp.DialTLS(addr, nil)
	case SecurityStartTLS:
		c, err = smtp.DialStartTLS(addr, nil)
	default:
		c, err = smtp.Dial(addr)
	}
	if err != nil {
		return model.Wrap(model.KindTransport, err, "connecting to SMTP %s", addr)
	}
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()
	defer c.Close()

	if s.password != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.username, s.password)); err != nil {
			return classifySMTP(err, "authenticating as %s", s.username)
		}
	}
	if err := c.SendMail(from, to, bytes.NewReader(raw)); err != nil {
		return classifySMTP(err, "sending via %s", addr)
	}
	if err := c.Quit(); err != nil {
		return classifySMTP(err, "closing SMTP session")
	}
	return nil
}

// classifySMTP maps 421/450/451/452 replies to rate limits and 535 to an
// auth failure.
func classifySMTP(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	var serr *smtp.SMTPError
	if errors.As(err, &serr) {
		switch serr.Code {
		case 421, 450, 451, 452:
			return model.Wrap(model.KindRateLimited, err, "%s", msg)
		case 530, 534, 535:
			return model.Wrap(model.KindAuth, err, "%s", msg)
		}
	}
	return model.Wrap(model.KindTransport, err, "%s", msg)
}

var _ provider.UIDTracker = (*Adapter)(nil)

// ResumeToken continues listing after lastUID.
func (a *Adapter) ResumeToken(lastUID uint32) string {
	if lastUID == 0 {
		return ""
	}
	return strconv.FormatUint(uint64(lastUID), 10)
}

// MaxUID returns the highest UID among refs.
func (a *Adapter) MaxUID(refs []provider.ItemRef) uint32 {
	var highest uint32
	for _, r := range refs {
		if n, err := strconv.ParseUint(r.ID, 10, 32); err == nil && uint32(n) > highest {
			highest = uint32(n)
		}
	}
	return highest
}
