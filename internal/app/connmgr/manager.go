// Package connmgr opens, pools and closes authenticated IMAP and SMTP
// sessions. IMAP sessions are pooled per account, SMTP sessions are used
// for a single send.
package connmgr

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/valimikayilov/mcp-email-server/internal/app/mailer"
)

type Settings struct {
	ConnectTimeout        time.Duration // TCP connect plus implicit TLS handshake.
	AuthTimeout           time.Duration // Greeting, STARTTLS and authentication.
	CommandTimeout        time.Duration // Each protocol round trip.
	IdleTimeout           time.Duration // Idle pooled sessions older than this are not reused.
	MaxSessionsPerAccount int
	Dialer                ContextDialer
}

type pool struct {
	idle []*IMAPSession // most recently used last
	open int            // idle plus in use
}

type Manager struct {
	settings Settings
	dialer   ContextDialer
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	pools  map[string]*pool
	closed bool
}

func New(settings Settings, logger *slog.Logger) *Manager {
	if settings.MaxSessionsPerAccount <= 0 {
		settings.MaxSessionsPerAccount = 1
	}
	if settings.ConnectTimeout <= 0 {
		settings.ConnectTimeout = 10 * time.Second
	}

	dialer := settings.Dialer
	if dialer == nil {
		dialer = &net.Dialer{KeepAlive: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		settings: settings,
		dialer:   dialer,
		logger:   logger,
		now:      time.Now,
		pools:    make(map[string]*pool),
	}
}

// AcquireIMAP hands out an authenticated session for acct. A pooled idle
// session is validated with NOOP first and replaced by a fresh one once if
// the check fails. When every allowed session is busy it fails with
// CapacityExceeded rather than waiting.
func (m *Manager) AcquireIMAP(ctx context.Context, acct mailer.Account) (*IMAPSession, error) {
	if !acct.CanReceive() {
		return nil, mailer.Validationf("account %q has no IMAP server configured", acct.Name)
	}
	key := acct.Fingerprint()

	if sess := m.popIdle(key); sess != nil {
		err := sess.Do(ctx, func(c *imapclient.Client) error {
			return c.Noop().Wait()
		})
		if err == nil {
			m.logger.DebugContext(ctx, "reusing pooled imap session", slog.String("account", acct.Name))
			return sess, nil
		}

		m.logger.DebugContext(ctx, "pooled imap session is stale, reconnecting",
			slog.String("account", acct.Name), slog.Any("error", err))
		sess.broken.Store(true)
		m.discard(sess)

		if ctx.Err() != nil {
			return nil, classifyTransport(ctx, ctx.Err(), "acquire imap session for %q", acct.Name)
		}
	}

	p, err := m.reserve(key, acct.Name)
	if err != nil {
		return nil, err
	}

	sess, err := m.openIMAP(ctx, acct, key)
	if err != nil {
		m.unreserve(p)
		return nil, err
	}
	sess.pool = p

	return sess, nil
}

// popIdle takes the most recently used idle session of key. Sessions idle
// for longer than IdleTimeout are closed on the way.
func (m *Manager) popIdle(key string) *IMAPSession {
	var expired []*IMAPSession
	defer func() {
		for _, s := range expired {
			m.discard(s)
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.pools[key]
	if p == nil {
		return nil
	}

	for len(p.idle) > 0 {
		sess := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]

		if m.settings.IdleTimeout > 0 && m.now().Sub(sess.lastUsed) > m.settings.IdleTimeout {
			expired = append(expired, sess)
			continue
		}
		return sess
	}

	return nil
}

// reserve counts a session about to be opened against the pool of key.
func (m *Manager) reserve(key, account string) (*pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, mailer.ConnectFailed(nil, "connection manager is shut down")
	}

	p := m.pools[key]
	if p == nil {
		p = &pool{}
		m.pools[key] = p
	}

	if p.open >= m.settings.MaxSessionsPerAccount {
		return nil, mailer.CapacityExceeded(mailer.ReasonTooManySessions, true,
			"account %q already uses %d concurrent imap sessions", account, p.open)
	}
	p.open++
	return p, nil
}

// unreserve frees a slot of p, which may already be detached from the
// manager by Prune or Close.
func (m *Manager) unreserve(p *pool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p != nil && p.open > 0 {
		p.open--
	}
}

// Release returns sess to its pool when callErr is nil and the session is
// healthy. Otherwise, or when the pool it was opened for has been pruned
// since, the session is closed.
func (m *Manager) Release(sess *IMAPSession, callErr error) {
	if sess == nil {
		return
	}

	if callErr != nil || !sess.Healthy() {
		m.discard(sess)
		return
	}

	m.mu.Lock()
	if m.closed || m.pools[sess.fingerprint] != sess.pool {
		m.mu.Unlock()
		m.discard(sess)
		return
	}
	p := sess.pool
	sess.lastUsed = m.now()
	p.idle = append(p.idle, sess)
	m.mu.Unlock()
}

// discard closes sess and frees its slot.
func (m *Manager) discard(sess *IMAPSession) {
	m.unreserve(sess.pool)
	m.closeIMAP(sess)
}

func (m *Manager) closeIMAP(sess *IMAPSession) {
	if sess.Healthy() {
		_ = await(context.Background(), m.settings.CommandTimeout, sess.client, func() error {
			return sess.client.Logout().Wait()
		})
	}
	_ = sess.client.Close()
}

// WithIMAP runs fn with an acquired session and releases it on every path.
// Cancelling ctx while fn runs closes the connection underneath it.
func (m *Manager) WithIMAP(ctx context.Context, acct mailer.Account, fn func(*IMAPSession) error) (err error) {
	sess, err := m.AcquireIMAP(ctx, acct)
	if err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, sess.abort)
	defer func() {
		if r := recover(); r != nil {
			sess.broken.Store(true)
			m.Release(sess, fmt.Errorf("panic: %v", r))
			panic(r)
		}
		stop()
		m.Release(sess, err)
	}()

	return fn(sess)
}

// EvictIdle closes idle sessions unused for longer than maxAge and reports
// how many were closed.
func (m *Manager) EvictIdle(maxAge time.Duration) int {
	var evicted []*IMAPSession

	m.mu.Lock()
	now := m.now()
	for key, p := range m.pools {
		kept := p.idle[:0]
		for _, sess := range p.idle {
			if now.Sub(sess.lastUsed) > maxAge {
				evicted = append(evicted, sess)
				p.open--
				continue
			}
			kept = append(kept, sess)
		}
		p.idle = kept

		if p.open == 0 {
			delete(m.pools, key)
		}
	}
	m.mu.Unlock()

	for _, sess := range evicted {
		m.closeIMAP(sess)
	}
	if len(evicted) > 0 {
		m.logger.Debug(fmt.Sprintf("evicted %d idle imap sessions", len(evicted)))
	}

	return len(evicted)
}

// Prune drops the pools whose account fingerprint is not in valid, closing
// their idle sessions. Sessions in use are closed when released.
func (m *Manager) Prune(valid map[string]struct{}) int {
	var dropped []*IMAPSession

	m.mu.Lock()
	for key, p := range m.pools {
		if _, ok := valid[key]; ok {
			continue
		}
		dropped = append(dropped, p.idle...)
		delete(m.pools, key)
	}
	m.mu.Unlock()

	for _, sess := range dropped {
		m.closeIMAP(sess)
	}
	return len(dropped)
}

// Stats reports open and idle IMAP sessions of acct.
func (m *Manager) Stats(acct mailer.Account) (open, idle int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p := m.pools[acct.Fingerprint()]; p != nil {
		return p.open, len(p.idle)
	}
	return 0, 0
}

// Close shuts down every idle session. Later acquisitions fail.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	pools := m.pools
	m.pools = make(map[string]*pool)
	m.mu.Unlock()

	for _, p := range pools {
		for _, sess := range p.idle {
			m.closeIMAP(sess)
		}
	}
}
