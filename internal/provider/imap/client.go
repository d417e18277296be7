package imap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailhub/internal/model"
)

// Security modes shared by the IMAP and SMTP legs of an account.
const (
	SecurityTLS      = "tls"
	SecurityStartTLS = "starttls"
	SecurityNone     = "none"
)

// settings is the resolved connection config of an account.
type settings struct {
	host, port         string
	smtpHost, smtpPort string
	username, password string
	mailbox            string
	security           string
}

func resolve(acct model.Account, password string) (settings, error) {
	m := acct.Meta.IMAP
	if m == nil || m.Host == "" {
		return settings{}, model.E(model.KindInvalidInput, "account %s: imap host is required", acct.ID)
	}
	s := settings{
		host:     m.Host,
		port:     m.Port,
		smtpHost: m.SMTPHost,
		smtpPort: m.SMTPPort,
		username: m.Username,
		password: password,
		mailbox:  m.Mailbox,
		security: strings.ToLower(m.Security),
	}
	if s.username == "" {
		s.username = acct.Email
	}
	if s.mailbox == "" {
		s.mailbox = "INBOX"
	}
	if s.security == "" {
		s.security = SecurityTLS
	}
	switch s.security {
	case SecurityTLS, SecurityStartTLS, SecurityNone:
	default:
		return settings{}, model.E(model.KindInvalidInput, "account %s: unknown security mode %q", acct.ID, m.Security)
	}
	if s.port == "" {
		s.port = "143"
		if s.security == SecurityTLS {
			s.port = "993"
		}
	}
	if s.smtpHost == "" {
		s.smtpHost = s.host
	}
	if s.smtpPort == "" {
		switch s.security {
		case SecurityTLS:
			s.smtpPort = "465"
		case SecurityStartTLS:
			s.smtpPort = "587"
		default:
			s.smtpPort = "25"
		}
	}
	return s, nil
}

func (s settings) imapAddr() string { return net.JoinHostPort(s.host, s.port) }
func (s settings) smtpAddr() string { return net.JoinHostPort(s.smtpHost, s.smtpPort) }

// session is one authenticated IMAP connection with its mailbox selected.
// It is closed when ctx ends.
type session struct {
	client      *imapclient.Client
	stop        func() bool
	uidValidity uint32
}

func connect(ctx context.Context, s settings) (*session, error) {
	addr := s.imapAddr()

	var client *imapclient.Client
	var err error
	switch s.security {
	case SecurityTLS:
		client, err = imapclient.DialTLS(addr, nil)
	case SecurityStartTLS:
		client, err = imapclient.DialStartTLS(addr, nil)
	default:
		client, err = imapclient.DialInsecure(addr, nil)
	}
	if err != nil {
		return nil, model.Wrap(model.KindTransport, err, "connecting to IMAP %s", addr)
	}

	sess := &session{
		client: client,
		stop:   context.AfterFunc(ctx, func() { _ = client.Close() }),
	}

	if err := client.Login(s.username, s.password).Wait(); err != nil {
		sess.close()
		if isLimit(err) {
			return nil, classify(err, "logging in as %s", s.username)
		}
		return nil, model.Wrap(model.KindAuth, err, "authentication failed for %s", s.username)
	}

	sel, err := client.Select(s.mailbox, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		sess.close()
		return nil, classify(err, "selecting %s", s.mailbox)
	}
	sess.uidValidity = sel.UIDValidity
	return sess, nil
}

func (s *session) close() {
	s.stop()
	_ = s.client.Logout().Wait()
	_ = s.client.Close()
}

var limitCodes = []imap.ResponseCode{"LIMIT", "OVERQUOTA", "UNAVAILABLE"}

func isLimit(err error) bool {
	var ierr *imap.Error
	if !errors.As(err, &ierr) {
		return false
	}
	for _, c := range limitCodes {
		if strings.EqualFold(string(ierr.Code), string(c)) {
			return true
		}
	}
	return false
}

// classify maps IMAP failures: throttling response codes are rate limits,
// failed authentication is auth, the rest is transport.
func classify(err error, format string, args ...any) error {
	var merr *model.Error
	if errors.As(err, &merr) {
		return err
	}
	msg := fmt.Sprintf(format, args...)
	var ierr *imap.Error
	if errors.As(err, &ierr) {
		switch {
		case isLimit(err):
			return model.Wrap(model.KindRateLimited, err, "%s", msg)
		case strings.EqualFold(string(ierr.Code), "AUTHENTICATIONFAILED"),
			strings.EqualFold(string(ierr.Code), "AUTHORIZATIONFAILED"):
			return model.Wrap(model.KindAuth, err, "%s", msg)
		}
	}
	return model.Wrap(model.KindTransport, err, "%s", msg)
}
