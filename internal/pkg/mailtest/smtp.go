package mailtest

import (
	"bytes"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Received is one message accepted by the SMTP double.
type Received struct {
	From string
	To   []string
	Data []byte
}

type SMTPOptions struct {
	// Reject maps a recipient address to the reply RCPT TO gets.
	Reject map[string]*smtp.SMTPError
	// MaxMessageBytes is advertised with SIZE when positive.
	MaxMessageBytes int64
	// Inbox, when set, receives a copy of every accepted message.
	Inbox *IMAPServer
}

type SMTPServer struct {
	Host string
	Port int

	opts     SMTPOptions
	mu       sync.Mutex
	received []Received
}

// StartSMTP serves a recording submission server on a loopback port until
// the test ends. It accepts Username/Password over AUTH PLAIN.
func StartSMTP(t testing.TB, opts SMTPOptions) *SMTPServer {
	t.Helper()

	s := &SMTPServer{opts: opts}

	srv := smtp.NewServer(&backend{server: s})
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.ErrorLog = log.New(io.Discard, "", 0)
	if opts.MaxMessageBytes > 0 {
		srv.MaxMessageBytes = opts.MaxMessageBytes
	}

	ln := listen(t)
	go func() { _ = srv.Serve(ln) }()

	s.Host, s.Port = splitAddr(t, ln.Addr())
	t.Cleanup(func() { _ = srv.Close() })

	return s
}

// Received returns the accepted messages in arrival order.
func (s *SMTPServer) Received() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Received(nil), s.received...)
}

func (s *SMTPServer) record(r Received) error {
	s.mu.Lock()
	s.received = append(s.received, r)
	s.mu.Unlock()

	if s.opts.Inbox == nil {
		return nil
	}
	_, err := s.opts.Inbox.User.Append("INBOX", bytes.NewReader(r.Data), &imap.AppendOptions{})
	return err
}

type backend struct {
	server *SMTPServer
}

func (b *backend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &session{backend: b}, nil
}

type session struct {
	backend *backend
	authed  bool
	from    string
	to      []string
}

var _ smtp.AuthSession = (*session)(nil)

func (s *session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, smtp.ErrAuthUnsupported
	}

	return sasl.NewPlainServer(func(_, username, password string) error {
		if username != Username || password != Password {
			return smtp.ErrAuthFailed
		}
		s.authed = true
		return nil
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if !s.authed {
		return smtp.ErrAuthRequired
	}
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if rejection, ok := s.backend.server.opts.Reject[strings.ToLower(to)]; ok {
		return rejection
	}
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) {
			return smtpErr
		}
		return err
	}

	return s.backend.server.record(Received{From: s.from, To: s.to, Data: buf.Bytes()})
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error { return nil }
