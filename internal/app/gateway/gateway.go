// Package gateway exposes one method per mailbox capability. Each call
// validates its input, resolves the account, borrows a session from the
// connection manager and maps every failure onto the mailer error taxonomy.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/valimikayilov/mcp-email-server/internal/app/connmgr"
	"github.com/valimikayilov/mcp-email-server/internal/app/imapops"
	"github.com/valimikayilov/mcp-email-server/internal/app/mailer"
	"github.com/valimikayilov/mcp-email-server/internal/pkg/kvstore"
	"github.com/valimikayilov/mcp-email-server/internal/pkg/logger"
)

type Accounts interface {
	Resolve(name string) (mailer.Account, error)
	List() []mailer.AccountSummary
}

type Sessions interface {
	WithIMAP(ctx context.Context, acct mailer.Account, fn func(*connmgr.IMAPSession) error) error
	WithSMTP(ctx context.Context, acct mailer.Account, fn func(*connmgr.SMTPSession) error) error
}

type Settings struct {
	MaxLimit          int   // Largest page size, larger requests are capped.
	LocalFilterLimit  int   // Candidates a search may filter locally.
	MaxAttachmentSize int64 // Largest attachment GetAttachment returns.
}

type Gateway struct {
	accounts Accounts
	sessions Sessions
	settings Settings
	limiters *kvstore.KVStore[string, *rate.Limiter]
	logger   *slog.Logger
	now      func() time.Time
}

func New(accounts Accounts, sessions Sessions, settings Settings, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		accounts: accounts,
		sessions: sessions,
		settings: settings,
		limiters: kvstore.New[string, *rate.Limiter](),
		logger:   logger,
		now:      time.Now,
	}
}

// ListAccounts returns the configured accounts without credentials.
func (g *Gateway) ListAccounts(context.Context) []mailer.AccountSummary {
	return g.accounts.List()
}

func (g *Gateway) ListFolders(ctx context.Context, account string) ([]mailer.Folder, error) {
	acct, ctx, err := g.receiver(ctx, account, "list_folders")
	if err != nil {
		return nil, err
	}

	var folders []mailer.Folder
	err = g.sessions.WithIMAP(ctx, acct, func(s *connmgr.IMAPSession) error {
		folders, err = imapops.ListFolders(ctx, s)
		return err
	})
	return folders, g.done(ctx, err)
}

func (g *Gateway) SearchMessages(ctx context.Context, account string, sc mailer.SearchCriteria) (*mailer.SearchResult, error) {
	acct, ctx, err := g.receiver(ctx, account, "search_messages")
	if err != nil {
		return nil, err
	}
	if sc, err = g.normalizeSearch(acct, sc); err != nil {
		return nil, err
	}

	var result *mailer.SearchResult
	err = g.sessions.WithIMAP(ctx, acct, func(s *connmgr.IMAPSession) error {
		result, err = imapops.Search(ctx, s, sc, imapops.SearchOptions{LocalFilterLimit: g.settings.LocalFilterLimit})
		return err
	})
	return result, g.done(ctx, err)
}

func (g *Gateway) normalizeSearch(acct mailer.Account, sc mailer.SearchCriteria) (mailer.SearchCriteria, error) {
	switch {
	case sc.Offset < 0:
		return sc, mailer.Validationf("offset must not be negative")
	case sc.Limit < 0:
		return sc, mailer.Validationf("limit must not be negative")
	case sc.Page < 0:
		return sc, mailer.Validationf("page must not be negative")
	case !sc.Since.IsZero() && !sc.Before.IsZero() && sc.Since.After(sc.Before):
		return sc, mailer.Validationf("since must not be after before")
	}

	switch sc.Order {
	case "":
		sc.Order = mailer.OrderDesc
	case mailer.OrderAsc, mailer.OrderDesc:
	default:
		return sc, mailer.Validationf("order must be %q or %q", mailer.OrderAsc, mailer.OrderDesc)
	}

	if g.settings.MaxLimit > 0 && sc.Limit > g.settings.MaxLimit {
		sc.Limit = g.settings.MaxLimit
	}
	if sc.Page > 0 && sc.Offset == 0 {
		sc.Offset = (sc.Page - 1) * sc.Limit
	}
	sc.Folder = acct.Folder(sc.Folder)

	return sc, nil
}

func (g *Gateway) GetMessage(ctx context.Context, account string, ref mailer.MessageRef) (*mailer.Message, error) {
	acct, ctx, err := g.receiver(ctx, account, "get_message")
	if err != nil {
		return nil, err
	}
	if ref, err = normalizeRef(acct, ref); err != nil {
		return nil, err
	}

	var msg *mailer.Message
	err = g.sessions.WithIMAP(ctx, acct, func(s *connmgr.IMAPSession) error {
		msg, err = imapops.FetchMessage(ctx, s, ref)
		return err
	})
	return msg, g.done(ctx, err)
}

func (g *Gateway) GetAttachment(ctx context.Context, account string, ref mailer.MessageRef, index int) (*mailer.AttachmentContent, error) {
	acct, ctx, err := g.receiver(ctx, account, "get_attachment")
	if err != nil {
		return nil, err
	}
	if ref, err = normalizeRef(acct, ref); err != nil {
		return nil, err
	}
	if index < 0 {
		return nil, mailer.Validationf("attachment index must not be negative")
	}

	var content *mailer.AttachmentContent
	err = g.sessions.WithIMAP(ctx, acct, func(s *connmgr.IMAPSession) error {
		content, err = imapops.FetchAttachment(ctx, s, ref, index, g.settings.MaxAttachmentSize)
		return err
	})
	return content, g.done(ctx, err)
}

func (g *Gateway) UpdateFlags(ctx context.Context, account string, ref mailer.MessageRef, changes mailer.FlagChanges) error {
	acct, ctx, err := g.receiver(ctx, account, "update_flags")
	if err != nil {
		return err
	}
	if ref, err = normalizeRef(acct, ref); err != nil {
		return err
	}
	if len(changes.Add) == 0 && len(changes.Remove) == 0 {
		return mailer.Validationf("no flag changes given")
	}

	err = g.sessions.WithIMAP(ctx, acct, func(s *connmgr.IMAPSession) error {
		return imapops.UpdateFlags(ctx, s, ref, changes)
	})
	return g.done(ctx, err)
}

func (g *Gateway) MoveMessage(ctx context.Context, account string, ref mailer.MessageRef, target string) error {
	acct, ctx, err := g.receiver(ctx, account, "move_message")
	if err != nil {
		return err
	}
	if ref, err = normalizeRef(acct, ref); err != nil {
		return err
	}
	if target == "" {
		return mailer.Validationf("target folder is required")
	}
	if target == ref.Folder {
		return mailer.Validationf("message is already in %q", target)
	}

	err = g.sessions.WithIMAP(ctx, acct, func(s *connmgr.IMAPSession) error {
		return imapops.Move(ctx, s, ref, target)
	})
	return g.done(ctx, err)
}

func (g *Gateway) DeleteMessage(ctx context.Context, account string, ref mailer.MessageRef) error {
	acct, ctx, err := g.receiver(ctx, account, "delete_message")
	if err != nil {
		return err
	}
	if ref, err = normalizeRef(acct, ref); err != nil {
		return err
	}

	err = g.sessions.WithIMAP(ctx, acct, func(s *connmgr.IMAPSession) error {
		return imapops.Delete(ctx, s, ref)
	})
	return g.done(ctx, err)
}

// Forget drops the send limiters of accounts whose fingerprint is not in
// valid.
func (g *Gateway) Forget(valid map[string]struct{}) int {
	return g.limiters.RemoveFunc(func(key string, _ *rate.Limiter) bool {
		_, ok := valid[key]
		return !ok
	})
}

func normalizeRef(acct mailer.Account, ref mailer.MessageRef) (mailer.MessageRef, error) {
	ref.Folder = acct.Folder(ref.Folder)
	if ref.UID == 0 {
		return ref, mailer.Validationf("message uid must be positive")
	}
	return ref, nil
}

// receiver resolves an account that has an IMAP endpoint and returns ctx
// annotated for logging.
func (g *Gateway) receiver(ctx context.Context, account, op string) (mailer.Account, context.Context, error) {
	acct, ctx, err := g.resolve(ctx, account, op)
	if err != nil {
		return acct, ctx, err
	}
	if !acct.CanReceive() {
		return acct, ctx, mailer.Validationf("account %q has no IMAP server configured", acct.Name)
	}
	return acct, ctx, nil
}

func (g *Gateway) resolve(ctx context.Context, account, op string) (mailer.Account, context.Context, error) {
	ctx = logger.WithAttrs(ctx, slog.String("operation", op))
	if account == "" {
		return mailer.Account{}, ctx, mailer.Validationf("account is required")
	}

	acct, err := g.accounts.Resolve(account)
	if err != nil {
		return acct, ctx, err
	}
	return acct, logger.WithAttrs(ctx, slog.String("account", acct.Name)), nil
}

// done logs a failed call and hands err back unchanged.
func (g *Gateway) done(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	e := mailer.AsError(err)
	level := slog.LevelInfo
	if e.Kind == mailer.KindInternal {
		level = slog.LevelError
	}
	g.logger.Log(ctx, level, "operation failed",
		slog.String("kind", string(e.Kind)),
		slog.String("reason", e.Reason),
		slog.Bool("retryable", e.Retryable),
		slog.Any("error", err))
	return err
}
