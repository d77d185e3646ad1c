package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/valimikayilov/mcp-email-server/internal/app/config"
	"github.com/valimikayilov/mcp-email-server/internal/app/connmgr"
	"github.com/valimikayilov/mcp-email-server/internal/app/daemon"
	"github.com/valimikayilov/mcp-email-server/internal/app/gateway"
	"github.com/valimikayilov/mcp-email-server/internal/app/registry"
	"github.com/valimikayilov/mcp-email-server/internal/app/tools"
	"github.com/valimikayilov/mcp-email-server/internal/pkg/credential"
	"github.com/valimikayilov/mcp-email-server/internal/pkg/logger"
)

type options struct {
	configPath string
	envPath    string
	logFormat  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	defaultConfig := os.Getenv(config.EnvConfigPath)
	if defaultConfig == "" {
		defaultConfig = "./config.yaml"
	}

	rootCmd := &cobra.Command{
		Use:           "mcp-email-server",
		Short:         "Expose IMAP and SMTP mail accounts as callable tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", defaultConfig, "Filepath to configuration file")
	flags.StringVar(&opts.envPath, "env-file", "./.env", "Filepath to environment variables file")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log record format, text or json (overrides log_format)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newAccountsCmd(opts),
		newCheckCmd(opts),
	)
	return rootCmd
}

// app holds the components shared by every subcommand.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	secrets  *credential.Store
	registry *registry.Registry
	manager  *connmgr.Manager
}

func (o *options) load() (*app, error) {
	cfg, err := config.LoadConfig(o.configPath, o.envPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	format := cfg.LogFormat
	if o.logFormat != "" {
		format = o.logFormat
	}

	// Standard output carries responses, so logs go to standard error.
	log, err := logger.New(os.Stderr, format, level)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(log)

	secrets := credential.NewSystemStore()
	accounts, err := cfg.BuildAccounts(secrets)
	if err != nil {
		return nil, err
	}

	reg, err := registry.New(accounts, log.With(slog.String("module", "registry")))
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   log,
		secrets:  secrets,
		registry: reg,
		manager:  connmgr.New(cfg.ConnSettings(), log.With(slog.String("module", "connmgr"))),
	}, nil
}

func (a *app) newGateway() *gateway.Gateway {
	return gateway.New(a.registry, a.manager, gateway.Settings{
		MaxLimit:          a.cfg.Search.MaxLimit,
		LocalFilterLimit:  a.cfg.Search.LocalFilterLimit,
		MaxAttachmentSize: a.cfg.MaxAttachmentBytes(),
	}, a.logger.With(slog.String("module", "gateway")))
}

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Answer tool calls read line by line from standard input",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			a, err := opts.load()
			if err != nil {
				return err
			}
			return serve(a, opts)
		},
	}
}

func serve(a *app, opts *options) error {
	gw := a.newGateway()
	dispatcher := tools.New(gw, tools.Options{DefaultLimit: a.cfg.Search.DefaultLimit},
		a.logger.With(slog.String("module", "tools")))

	d := daemon.NewDaemon(
		daemon.Settings{
			SweepInterval: a.cfg.Connection.SweepInterval,
			IdleTimeout:   a.cfg.Connection.IdleTimeout,
		},
		daemon.NewServer(dispatcher, a.logger.With(slog.String("module", "server"))),
		a.manager,
		a.registry,
		gw,
		config.FileSource{Path: opts.configPath, EnvPath: opts.envPath, Secrets: a.secrets},
		&daemon.Scheduler{},
		a.logger.With(slog.String("module", "daemon")),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)

	a.logger.Info("serving tool calls", slog.Int("accounts", a.registry.Len()))
	if err := d.Start(ctx, os.Stdin, os.Stdout, reload); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error(fmt.Sprintf("Application exited with error: %s", err), slog.String("module", "main"))
		return err
	}
	return nil
}
