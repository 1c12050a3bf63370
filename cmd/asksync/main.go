package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"asksync/internal/calendar"
	"asksync/internal/config"
	"asksync/internal/ics"
	appLog "asksync/internal/log"
	"asksync/internal/layout"
	"asksync/internal/store"
	"asksync/internal/subscribe"
	"asksync/internal/view"
	"asksync/internal/web"
)

var Version = "0.1.0-dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "asksync",
		Short:         "AskSync - timeblock calendar server",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(syncCmd(&configPath))
	rootCmd.AddCommand(rangeCmd(&configPath))
	rootCmd.AddCommand(expandCmd(&configPath))
	rootCmd.AddCommand(layoutCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the config file and applies its log level.
func loadConfig(path string) (*config.Config, error) {
	conf, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	if lvl, ok := appLog.ParseLevel(conf.LogLevel); ok {
		appLog.SetLevel(lvl)
	}
	return conf, nil
}

func selectorFor(conf *config.Config) view.Selector {
	return view.Selector{WeekStart: conf.WeekStartDay(), AgendaDays: conf.AgendaDays}
}

func newSyncer(conf *config.Config, st *store.Store) *subscribe.Syncer {
	fetcher := ics.NewFetcher(conf.CacheDir, &http.Client{Timeout: 30 * time.Second})
	return subscribe.NewSyncer(conf.Subscriptions, conf.Location(), fetcher, st)
}

func serveCmd(configPath *string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the periodic subscription sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			// --listen overrides config file listen if provided.
			if listen != "" {
				conf.Listen = listen
			}

			appLog.Info("asksync starting", "version", Version)
			appLog.Info("effective config",
				"listen", conf.Listen,
				"timezone", conf.Timezone,
				"week_start", conf.WeekStart,
				"refresh", conf.RefreshCron,
				"database", conf.Database,
				"subscriptions", len(conf.Subscriptions),
			)

			st, err := store.Open(conf.Database)
			if err != nil {
				return err
			}
			defer st.Close()

			svc := calendar.NewService(st, calendar.Options{
				Selector: selectorFor(conf),
				Layout:   layout.Options{HourHeight: conf.Layout.HourHeight, MinHeight: conf.Layout.MinHeight},
			})

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			var refresher web.Refresher
			if len(conf.Subscriptions) > 0 {
				syncer := newSyncer(conf, st)
				refresher = syncer

				sched := cron.New(cron.WithLocation(conf.Location()))
				if _, err := sched.AddFunc(conf.RefreshCron, func() { runSync(ctx, syncer) }); err != nil {
					return fmt.Errorf("schedule refresh %q: %w", conf.RefreshCron, err)
				}
				sched.Start()
				defer func() { <-sched.Stop().Done() }()

				// Initial sync so imported timeblocks are available before the first tick.
				go runSync(ctx, syncer)
			}

			err = web.NewServer(conf, svc, st, refresher).Run(ctx)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			appLog.Info("asksync exiting")
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	return cmd
}

func runSync(ctx context.Context, syncer *subscribe.Syncer) {
	report, err := syncer.Run(ctx)
	if err != nil {
		appLog.Error("subscription sync finished with errors", err,
			"synced", len(report.Synced), "failed", len(report.Failed))
		return
	}
	appLog.Info("subscription sync done", "synced", len(report.Synced), "imported", report.Imported)
}

func syncCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one subscription sync and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			st, err := store.Open(conf.Database)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			report, err := newSyncer(conf, st).Run(ctx)
			if perr := printJSON(cmd, report); perr != nil {
				return perr
			}
			return err
		},
	}
}
