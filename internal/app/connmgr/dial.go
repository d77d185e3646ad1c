package connmgr

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/valimikayilov/mcp-email-server/internal/app/mailer"
)

// ContextDialer opens raw transport connections. net.Dialer satisfies it.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DialerFunc adapts a function to ContextDialer.
type DialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (f DialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

// errDeadline marks a round trip that outlived its time budget.
var errDeadline = errors.New("deadline exceeded")

// await runs fn bounded by timeout (0 means unbounded) and ctx. When either
// fires first, closer is closed so fn unblocks; the connection is unusable
// afterwards.
func await(ctx context.Context, timeout time.Duration, closer io.Closer, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case err := <-done:
		return err
	case <-expired:
		_ = closer.Close()
		<-done
		return fmt.Errorf("no response within %s: %w", timeout, errDeadline)
	case <-ctx.Done():
		_ = closer.Close()
		<-done
		return ctx.Err()
	}
}

func tlsConfig(e *mailer.Endpoint) *tls.Config {
	return &tls.Config{
		ServerName: e.Host,
		MinVersion: tls.VersionTLS12,
		//nolint:gosec
		InsecureSkipVerify: e.InsecureSkipVerify,
	}
}

// dial connects to e and performs the implicit TLS handshake when
// configured. STARTTLS upgrades are left to the protocol clients.
func (m *Manager) dial(ctx context.Context, e *mailer.Endpoint) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, m.settings.ConnectTimeout)
	defer cancel()

	conn, err := m.dialer.DialContext(dctx, "tcp", e.Address())
	if err != nil {
		return nil, classifyTransport(ctx, err, "connect to %s", e.Address())
	}

	if e.Security != mailer.SecurityTLS {
		return conn, nil
	}

	tlsConn := tls.Client(conn, tlsConfig(e))
	if err = tlsConn.HandshakeContext(dctx); err != nil {
		_ = conn.Close()
		return nil, classifyTransport(ctx, err, "tls handshake with %s", e.Address())
	}

	return tlsConn, nil
}

// classifyTransport maps network level failures onto Timeout or ConnectError.
func classifyTransport(ctx context.Context, err error, format string, args ...any) error {
	var netErr net.Error

	switch {
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		e := mailer.TimedOut(err, format+": canceled", args...)
		e.Reason = mailer.ReasonCanceled
		e.Retryable = false
		return e
	case errors.Is(err, errDeadline),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return mailer.TimedOut(err, format+": timed out", args...)
	default:
		return mailer.ConnectFailed(err, format, args...)
	}
}
