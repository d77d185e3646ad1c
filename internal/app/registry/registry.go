// Package registry holds the configured accounts as an immutable snapshot
// that is swapped atomically on reload.
package registry

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/valimikayilov/mcp-email-server/internal/app/mailer"
)

// Source yields a complete account snapshot.
type Source interface {
	Accounts() ([]mailer.Account, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func() ([]mailer.Account, error)

func (f SourceFunc) Accounts() ([]mailer.Account, error) { return f() }

type snapshot struct {
	ordered []mailer.Account
	byName  map[string]int
}

type Registry struct {
	current atomic.Pointer[snapshot]
	logger  *slog.Logger
}

// New validates accounts and returns a registry holding them.
func New(accounts []mailer.Account, logger *slog.Logger) (*Registry, error) {
	snap, err := newSnapshot(accounts)
	if err != nil {
		return nil, err
	}

	r := &Registry{logger: logger}
	r.current.Store(snap)
	return r, nil
}

func newSnapshot(accounts []mailer.Account) (*snapshot, error) {
	snap := &snapshot{
		ordered: make([]mailer.Account, len(accounts)),
		byName:  make(map[string]int, len(accounts)),
	}

	for i, acct := range accounts {
		if acct.Name == "" {
			return nil, mailer.ConfigInvalid(nil, "account at position %d has no name", i)
		}
		if _, dup := snap.byName[acct.Name]; dup {
			return nil, mailer.ConfigInvalid(nil, "duplicate account name %q", acct.Name)
		}

		snap.ordered[i] = cloneAccount(acct)
		snap.byName[acct.Name] = i
	}

	return snap, nil
}

// cloneAccount copies endpoint pointers so later edits by the
// configuration owner never reach a published snapshot.
func cloneAccount(a mailer.Account) mailer.Account {
	if a.IMAP != nil {
		e := *a.IMAP
		a.IMAP = &e
	}
	if a.SMTP != nil {
		e := *a.SMTP
		a.SMTP = &e
	}
	return a
}

// Resolve returns the account called name from the current snapshot.
func (r *Registry) Resolve(name string) (mailer.Account, error) {
	snap := r.current.Load()

	i, ok := snap.byName[name]
	if !ok {
		return mailer.Account{}, mailer.AccountNotFound(name)
	}
	return snap.ordered[i], nil
}

// List returns credential-free summaries in configured order.
func (r *Registry) List() []mailer.AccountSummary {
	snap := r.current.Load()

	summaries := make([]mailer.AccountSummary, 0, len(snap.ordered))
	for _, acct := range snap.ordered {
		summaries = append(summaries, acct.Summary())
	}
	return summaries
}

// Fingerprints returns the fingerprints of all current accounts.
func (r *Registry) Fingerprints() map[string]struct{} {
	snap := r.current.Load()

	fps := make(map[string]struct{}, len(snap.ordered))
	for _, acct := range snap.ordered {
		fps[acct.Fingerprint()] = struct{}{}
	}
	return fps
}

// Len returns the number of configured accounts.
func (r *Registry) Len() int {
	return len(r.current.Load().ordered)
}

// Reload replaces the whole account set with the one read from src.
// On failure the previous snapshot stays in place.
func (r *Registry) Reload(src Source) error {
	accounts, err := src.Accounts()
	if err != nil {
		return mailer.ConfigInvalid(err, "load account configuration")
	}

	snap, err := newSnapshot(accounts)
	if err != nil {
		return err
	}

	r.current.Store(snap)
	if r.logger != nil {
		r.logger.Info(fmt.Sprintf("account registry reloaded with %d accounts", len(snap.ordered)))
	}
	return nil
}
