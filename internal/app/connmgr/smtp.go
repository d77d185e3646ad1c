package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/valimikayilov/mcp-email-server/internal/app/mailer"
)

var (
	errNoStartTLS   = errors.New("server does not offer STARTTLS")
	errNoAuthMethod = errors.New("server offers neither AUTH PLAIN nor AUTH LOGIN")
)

// SMTPSession is a single-use submission connection.
type SMTPSession struct {
	client  *smtp.Client
	account string
	timeout time.Duration
	broken  atomic.Bool
}

// Client returns the protocol client. It must only be used inside Do.
func (s *SMTPSession) Client() *smtp.Client { return s.client }

// MaxMessageSize returns the SIZE limit the server advertised, if any.
func (s *SMTPSession) MaxMessageSize() (int64, bool) {
	size, ok := s.client.MaxMessageSize()
	return int64(size), ok && size > 0
}

// Do performs one round trip bounded by the command timeout and ctx.
// Server replies come back as *smtp.SMTPError.
func (s *SMTPSession) Do(ctx context.Context, fn func(c *smtp.Client) error) error {
	if s.broken.Load() {
		return mailer.TransportFailed(nil, "smtp session for %q is closed", s.account)
	}

	err := await(ctx, s.timeout, s.client, func() error {
		return fn(s.client)
	})
	if err == nil {
		return nil
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return err
	}

	s.broken.Store(true)
	if errors.Is(err, errDeadline) || ctx.Err() != nil {
		return classifyTransport(ctx, err, "smtp command for %q", s.account)
	}
	return mailer.TransportFailed(err, "smtp connection for %q lost", s.account)
}

func (s *SMTPSession) abort() {
	s.broken.Store(true)
	_ = s.client.Close()
}

// Close ends the session with QUIT when it is still usable.
func (s *SMTPSession) Close() error {
	if !s.broken.Load() {
		_ = await(context.Background(), s.timeout, s.client, func() error {
			return s.client.Quit()
		})
	}
	s.broken.Store(true)
	return s.client.Close()
}

// AcquireSMTP opens and authenticates a fresh submission session for acct.
func (m *Manager) AcquireSMTP(ctx context.Context, acct mailer.Account) (*SMTPSession, error) {
	if !acct.SMTP.Complete() {
		return nil, mailer.Validationf("account %q has no SMTP server configured", acct.Name)
	}
	e := acct.SMTP
	logger := m.logger.With(slog.String("account", acct.Name), slog.String("addr", e.Address()))

	conn, err := m.dial(ctx, e)
	if err != nil {
		return nil, err
	}

	client := smtp.NewClient(conn)
	err = await(ctx, m.settings.AuthTimeout, client, func() error {
		if err := client.Hello(localName()); err != nil {
			return fmt.Errorf("hello: %w", err)
		}

		if e.Security == mailer.SecurityStartTLS {
			if ok, _ := client.Extension("STARTTLS"); !ok {
				return errNoStartTLS
			}
			if err := client.StartTLS(tlsConfig(e)); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}

		return authenticateSMTP(client, e)
	})
	if err != nil {
		_ = client.Close()
		logger.Debug("smtp session setup failed", slog.Any("error", err))
		return nil, classifySMTPSetup(ctx, err, e.Address())
	}

	logger.Debug("smtp session opened")
	return &SMTPSession{
		client:  client,
		account: acct.Name,
		timeout: m.settings.CommandTimeout,
	}, nil
}

// WithSMTP runs fn with a fresh session and always closes it afterwards.
// Cancelling ctx while fn runs closes the connection underneath it.
func (m *Manager) WithSMTP(ctx context.Context, acct mailer.Account, fn func(*SMTPSession) error) error {
	sess, err := m.AcquireSMTP(ctx, acct)
	if err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, sess.abort)
	defer func() {
		stop()
		_ = sess.Close()
	}()

	return fn(sess)
}

func authenticateSMTP(client *smtp.Client, e *mailer.Endpoint) error {
	if e.Username == "" {
		return nil
	}

	var auth sasl.Client
	switch {
	case client.SupportsAuth(sasl.Plain):
		auth = sasl.NewPlainClient("", e.Username, e.Password)
	case client.SupportsAuth(sasl.Login):
		auth = sasl.NewLoginClient(e.Username, e.Password)
	default:
		return errNoAuthMethod
	}

	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	return nil
}

func classifySMTPSetup(ctx context.Context, err error, addr string) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		switch smtpErr.Code {
		case 530, 534, 535, 538:
			return mailer.AuthenticationFailed(err, smtpErr.Message)
		}
		e := mailer.Protocol("", err, smtpErr.Message, "smtp session setup with %s failed", addr)
		e.Retryable = smtpErr.Temporary()
		return e
	}
	if errors.Is(err, errNoAuthMethod) {
		return mailer.AuthenticationFailed(err, "")
	}
	if errors.Is(err, errNoStartTLS) {
		return mailer.Protocol("", err, "", "smtp session setup with %s failed", addr)
	}

	return classifyTransport(ctx, err, "smtp session setup with %s", addr)
}

func localName() string {
	name, err := os.Hostname()
	if err != nil || name == "" || strings.ContainsAny(name, " \t") {
		return "localhost"
	}
	return name
}
