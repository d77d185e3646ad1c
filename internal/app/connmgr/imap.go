package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"sort"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-sasl"

	"github.com/valimikayilov/mcp-email-server/internal/app/mailer"
)

// Capabilities is the feature set a server advertised after authentication.
type Capabilities struct {
	IMAP4rev2  bool
	Move       bool
	UIDPlus    bool
	ESearch    bool
	ListStatus bool
	SpecialUse bool
	UTF8Accept bool
	Names      []string
}

func capabilitiesFrom(set imap.CapSet) Capabilities {
	names := make([]string, 0, len(set))
	for c := range set {
		names = append(names, string(c))
	}
	sort.Strings(names)

	return Capabilities{
		IMAP4rev2:  set.Has(imap.CapIMAP4rev2),
		Move:       set.Has(imap.CapMove),
		UIDPlus:    set.Has(imap.CapUIDPlus),
		ESearch:    set.Has(imap.CapESearch),
		ListStatus: set.Has(imap.CapListStatus),
		SpecialUse: set.Has(imap.CapSpecialUse),
		UTF8Accept: set.Has(imap.CapUTF8Accept),
		Names:      names,
	}
}

// IMAPSession is one authenticated IMAP connection, held by at most one
// call at a time.
type IMAPSession struct {
	client      *imapclient.Client
	caps        Capabilities
	account     string
	fingerprint string
	pool        *pool // Pool the session's slot was reserved in.
	timeout     time.Duration
	lastUsed    time.Time
	broken      atomic.Bool
}

// Client returns the protocol client. It must only be used inside Do.
func (s *IMAPSession) Client() *imapclient.Client { return s.client }

// Caps returns the capability set detected when the session authenticated.
func (s *IMAPSession) Caps() Capabilities { return s.caps }

// Account returns the name of the account the session belongs to.
func (s *IMAPSession) Account() string { return s.account }

// Healthy reports whether the session may be reused.
func (s *IMAPSession) Healthy() bool { return !s.broken.Load() }

// abort closes the connection mid-exchange.
func (s *IMAPSession) abort() {
	s.broken.Store(true)
	_ = s.client.Close()
}

// Do performs one protocol round trip bounded by the command timeout and ctx.
// Server status responses come back as *imap.Error; deadline and
// cancellation are returned as mailer Timeout errors and break the session,
// as does any transport failure.
func (s *IMAPSession) Do(ctx context.Context, fn func(c *imapclient.Client) error) error {
	if s.broken.Load() {
		return mailer.ConnectFailed(nil, "imap session for %q is closed", s.account)
	}

	err := await(ctx, s.timeout, s.client, func() error {
		return fn(s.client)
	})
	if err == nil {
		return nil
	}

	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return err
	}

	s.broken.Store(true)
	if errors.Is(err, errDeadline) || ctx.Err() != nil {
		return classifyTransport(ctx, err, "imap command for %q", s.account)
	}
	return mailer.ConnectFailed(err, "imap connection for %q lost", s.account)
}

func (m *Manager) openIMAP(ctx context.Context, acct mailer.Account, key string) (*IMAPSession, error) {
	e := acct.IMAP
	logger := m.logger.With(slog.String("account", acct.Name), slog.String("addr", e.Address()))

	conn, err := m.dial(ctx, e)
	if err != nil {
		return nil, err
	}

	opts := &imapclient.Options{
		TLSConfig:             tlsConfig(e),
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{},
		WordDecoder:           &mime.WordDecoder{CharsetReader: charset.Reader},
	}

	var (
		client *imapclient.Client
		caps   imap.CapSet
	)
	err = await(ctx, m.settings.AuthTimeout, conn, func() error {
		if e.Security == mailer.SecurityStartTLS {
			var startErr error
			if client, startErr = imapclient.NewStartTLS(conn, opts); startErr != nil {
				return fmt.Errorf("starttls: %w", startErr)
			}
		} else {
			client = imapclient.New(conn, opts)
		}

		if err := client.WaitGreeting(); err != nil {
			return fmt.Errorf("wait greeting: %w", err)
		}
		if err := authenticateIMAP(client, e); err != nil {
			return err
		}

		caps = client.Caps()
		if caps == nil {
			return errors.New("capability request failed")
		}
		return nil
	})
	if err != nil {
		if client != nil {
			_ = client.Close()
		} else {
			_ = conn.Close()
		}
		logger.Debug("imap session setup failed", slog.Any("error", err))
		return nil, classifyIMAPSetup(ctx, err, e.Address())
	}

	sess := &IMAPSession{
		client:      client,
		caps:        capabilitiesFrom(caps),
		account:     acct.Name,
		fingerprint: key,
		timeout:     m.settings.CommandTimeout,
		lastUsed:    m.now(),
	}
	logger.Debug("imap session opened", slog.Any("caps", sess.caps.Names))

	return sess, nil
}

// errLoginUnavailable means the server disallows LOGIN and offers no PLAIN mechanism.
var errLoginUnavailable = errors.New("server disables LOGIN and does not offer AUTH=PLAIN")

func authenticateIMAP(client *imapclient.Client, e *mailer.Endpoint) error {
	caps := client.Caps()

	if caps.Has(imap.CapLoginDisabled) {
		if !caps.Has(imap.AuthCap(sasl.Plain)) {
			return errLoginUnavailable
		}
		if err := client.Authenticate(sasl.NewPlainClient("", e.Username, e.Password)); err != nil {
			return fmt.Errorf("authenticate: %w", err)
		}
		return nil
	}

	if err := client.Login(e.Username, e.Password).Wait(); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return nil
}

func classifyIMAPSetup(ctx context.Context, err error, addr string) error {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		if imapErr.Type == imap.StatusResponseTypeNo {
			return mailer.AuthenticationFailed(err, imapErr.Text)
		}
		return mailer.Protocol("", err, imapErr.Text, "imap session setup with %s failed", addr)
	}
	if errors.Is(err, errLoginUnavailable) {
		return mailer.AuthenticationFailed(err, "")
	}

	return classifyTransport(ctx, err, "imap session setup with %s", addr)
}
