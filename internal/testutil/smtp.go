package testutil

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// SMTPMessage is one message accepted by the test server.
type SMTPMessage struct {
	From string
	To   []string
	Data []byte
}

// SMTPServer is an in-memory SMTP server requiring PLAIN auth with fixed
// credentials.
type SMTPServer struct {
	Addr     string
	Username string
	Password string

	mu       sync.Mutex
	messages   []SMTPMessage
	rejectCode int
}

// NewSMTPServer starts a server on a random local port and stops it when
// the test ends.
func NewSMTPServer(t *testing.T) *SMTPServer {
	t.Helper()

	srv := &SMTPServer{Username: "test-user", Password: "test-pass"}

	s := smtp.NewServer(srv)
	s.Domain = "localhost"
	s.AllowInsecureAuth = true
	s.ReadTimeout = 5 * time.Second
	s.WriteTimeout = 5 * time.Second

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	srv.Addr = ln.Addr().String()

	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() { _ = s.Close() })
	return srv
}

// Host and Port split the listen address.
func (s *SMTPServer) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr)
	return host
}

func (s *SMTPServer) Port() string {
	_, port, _ := net.SplitHostPort(s.Addr)
	return port
}

// Reject makes subsequent DATA commands fail with code.
func (s *SMTPServer) Reject(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectCode = code
}

// Messages returns the accepted messages.
func (s *SMTPServer) Messages() []SMTPMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SMTPMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// NewSession implements smtp.Backend.
func (s *SMTPServer) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &smtpSession{server: s}, nil
}

type smtpSession struct {
	server        *SMTPServer
	authenticated bool
	from          string
	to            []string
}

func (s *smtpSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *smtpSession) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username == s.server.Username && password == s.server.Password {
			s.authenticated = true
			return nil
		}
		return errors.New("invalid credentials")
	}), nil
}

func (s *smtpSession) Mail(from string, _ *smtp.MailOptions) error {
	if !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.from = from
	return nil
}

func (s *smtpSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	if !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.to = append(s.to, to)
	return nil
}

func (s *smtpSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	if code := s.server.rejectCode; code != 0 {
		return &smtp.SMTPError{Code: code, Message: "rejected"}
	}
	s.server.messages = append(s.server.messages, SMTPMessage{From: s.from, To: s.to, Data: data})
	return nil
}

func (s *smtpSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *smtpSession) Logout() error { return nil }
