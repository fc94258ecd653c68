package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"deadlinebot/internal/app"
	"deadlinebot/internal/config"
	"deadlinebot/internal/storage"
	logx "deadlinebot/pkg/logx"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:           "deadlinebot",
		Short:         "Telegram reminders for admission deadlines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")

	root.AddCommand(
		runCmd(app.RoleBot, "Run the Telegram bot (commands and subscriptions)"),
		runCmd(app.RoleWorker, "Run the delivery worker (sends queued reminders)"),
		migrateCmd(),
		catalogCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func runCmd(role app.Role, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(role),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), role)
		},
	}
}

func run(parent context.Context, role app.Role) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(ctx, cfgPath, role)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopUnknown
	select {
	case s := <-sigs:
		reason = app.StopSIGINT
		if s == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

// openStore loads the config and opens the database; Open applies migrations.
func openStore(ctx context.Context) (*storage.SQLStore, logx.Logger, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, logx.Logger{}, err
	}
	log := logx.NewConsole(cfg.Logging.Level)
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return nil, log, err
	}
	st, err := storage.Open(ctx, storage.Config{
		Driver:       cfg.Storage.Driver,
		DSN:          cfg.Storage.DSN,
		BusyTimeout:  busy,
		MaxOpenConns: cfg.Storage.MaxOpenConns,
	}, log.With(logx.Component("storage")))
	return st, log, err
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, log, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			log.Info("schema up to date", logx.String("dialect", st.Dialect()))
			return nil
		},
	}
}

func catalogCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "catalog",
		Short: "Manage programs, timeline types and deadlines",
	}
	c.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Upsert a YAML or JSON catalog into the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := storage.LoadCatalog(args[0])
			if err != nil {
				return err
			}
			st, log, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			stats, err := st.ImportCatalog(cmd.Context(), cat)
			if err != nil {
				return err
			}
			log.Info("catalog imported",
				logx.Int("programs", stats.Programs),
				logx.Int("timeline_types", stats.TimelineTypes),
				logx.Int("events", stats.Events),
			)
			return nil
		},
	})
	return c
}
