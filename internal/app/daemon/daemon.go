// Package daemon runs the gateway as a long-lived process: it serves tool
// calls, sweeps idle sessions and applies configuration reloads.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/valimikayilov/mcp-email-server/internal/app/registry"
)

type Settings struct {
	SweepInterval time.Duration // Interval between idle session sweeps.
	IdleTimeout   time.Duration // Pooled sessions unused for longer are closed.
}

type Pool interface {
	EvictIdle(maxAge time.Duration) int
	Prune(valid map[string]struct{}) int
	Close()
}

type Accounts interface {
	Reload(src registry.Source) error
	Fingerprints() map[string]struct{}
}

// Limiters drops per-account state of accounts that no longer exist.
type Limiters interface {
	Forget(valid map[string]struct{}) int
}

type Daemon struct {
	settings  Settings
	server    *Server
	pool      Pool
	accounts  Accounts
	limiters  Limiters
	source    registry.Source
	scheduler scheduler
	logger    *slog.Logger
}

type scheduler interface {
	ScheduleWithCtx(context.Context, schedulerSettings) error
	Stop()
}

func NewDaemon(
	settings Settings,
	server *Server,
	pool Pool,
	accounts Accounts,
	limiters Limiters,
	source registry.Source,
	scheduler scheduler,
	logger *slog.Logger,
) *Daemon {
	return &Daemon{
		settings:  settings,
		server:    server,
		pool:      pool,
		accounts:  accounts,
		limiters:  limiters,
		source:    source,
		scheduler: scheduler,
		logger:    logger,
	}
}

// Start serves requests from in until in is exhausted or ctx is canceled.
// Every value received on reload triggers a configuration reload. The pool
// is closed before Start returns.
func (d *Daemon) Start(ctx context.Context, in io.Reader, out io.Writer, reload <-chan os.Signal) error {
	defer d.pool.Close()

	err := d.scheduler.ScheduleWithCtx(ctx, schedulerSettings{
		LaunchInitially: true,
		Interval:        d.settings.SweepInterval,
		Callback:        d.sweep,
	})
	if err != nil {
		return fmt.Errorf("error occurred while launching the scheduler: %w", err)
	}
	defer d.scheduler.Stop()

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.server.Serve(serveCtx, in, out)
	}()

	for {
		select {
		case <-ctx.Done():
			// Serve returns once in-flight calls have observed the cancellation.
			<-errCh
			return ctx.Err()

		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("serve requests: %w", err)
			}
			d.logger.Info("input closed, shutting down")
			return nil

		case <-reload:
			if err := d.Reload(); err != nil {
				d.logger.Error("configuration reload failed, keeping previous accounts", slog.Any("error", err))
			}
		}
	}
}

// Reload replaces the account snapshot and drops pooled sessions and send
// limiters of accounts that were removed or changed.
func (d *Daemon) Reload() error {
	if err := d.accounts.Reload(d.source); err != nil {
		return err
	}

	valid := d.accounts.Fingerprints()
	pruned := d.pool.Prune(valid)
	forgotten := d.limiters.Forget(valid)
	d.logger.Info("configuration reloaded",
		slog.Int("accounts", len(valid)),
		slog.Int("pruned_sessions", pruned),
		slog.Int("dropped_limiters", forgotten))
	return nil
}

func (d *Daemon) sweep() {
	if n := d.pool.EvictIdle(d.settings.IdleTimeout); n > 0 {
		d.logger.Debug(fmt.Sprintf("%d idle sessions closed", n))
	}
}
