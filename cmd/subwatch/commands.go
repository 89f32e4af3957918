package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/albapepper/subwatch/internal/app"
	"github.com/albapepper/subwatch/internal/billing"
	"github.com/albapepper/subwatch/internal/calendar"
	"github.com/albapepper/subwatch/internal/config"
	"github.com/albapepper/subwatch/internal/db"
	"github.com/albapepper/subwatch/internal/delivery"
	"github.com/albapepper/subwatch/internal/domain"
	"github.com/albapepper/subwatch/internal/seed"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "subwatch",
		Short:        "Subscription notification engine CLI",
		SilenceUsage: true,
	}

	root.AddCommand(runCmd())
	root.AddCommand(decideCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(importCmd())
	root.AddCommand(advanceCmd())
	return root
}

// --------------------------------------------------------------------------
// run command
// --------------------------------------------------------------------------

func runCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Perform one notification run and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				day, err := dayFlag(date, a.Clock)
				if err != nil {
					return err
				}
				start := time.Now()
				result, err := a.RunDay(ctx, day)
				if err != nil {
					return err
				}
				a.Logger.Info("Run finished",
					"duration", time.Since(start).Round(time.Millisecond),
					"summary", result.Summary())
				for _, e := range result.Errors {
					a.Logger.Error("run error", "error", e)
				}
				fmt.Fprintln(cmd.OutOrStdout(), result.Summary())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "Day to run for (YYYY-MM-DD); default today in REFERENCE_TZ")
	return cmd
}

// --------------------------------------------------------------------------
// decide command
// --------------------------------------------------------------------------

func decideCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Preview the decisions a run would act on, without sending or writing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				day, err := dayFlag(date, a.Clock)
				if err != nil {
					return err
				}
				plan, err := a.Dispatcher.Preview(ctx, day)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SUBSCRIPTION\tNAME\tALERT\tRENEWAL DATE\tNEXT\tRECIPIENTS\tMISSING")
				for _, p := range plan {
					next := "-"
					switch {
					case p.Retry && p.RenewedOn == day:
						next = "(renewed today)"
					case p.Retry:
						next = "(renewed " + p.RenewedOn.String() + ")"
					case p.Renewal:
						next = p.NextRenewalDate.String()
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						p.SubscriptionID, p.Name, p.Kind, p.RenewalDate, next,
						strings.Join(p.Recipients, ","), strings.Join(p.Missing, ","))
				}
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d decision(s) for %s\n", len(plan), day)
				return nil
			}, app.WithNotifier(delivery.NewLog(slog.New(slog.NewTextHandler(io.Discard, nil)))))
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "Day to evaluate (YYYY-MM-DD); default today in REFERENCE_TZ")
	return cmd
}

// --------------------------------------------------------------------------
// migrate command
// --------------------------------------------------------------------------

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the bootstrap schema to the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			switch cfg.StoreDriver {
			case config.DriverPostgres:
				if err := db.Migrate(ctx, cfg.DatabaseURL); err != nil {
					return err
				}
			default:
				// Opening the SQLite store applies its embedded migrations.
				_, closeStore, err := app.OpenStore(ctx, cfg)
				if err != nil {
					return err
				}
				closeStore()
			}
			logger.Info("Schema applied", "driver", cfg.StoreDriver)
			return nil
		},
	}
}

// --------------------------------------------------------------------------
// import command
// --------------------------------------------------------------------------

func importCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load users and subscriptions from a JSON dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			ds, err := seed.Load(f)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd)
			defer cancel()
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			store, closeStore, err := app.OpenStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer closeStore()

			start := time.Now()
			result := seed.Import(ctx, store, ds, logger)
			logger.Info("Import finished", "duration", time.Since(start).Round(time.Millisecond), "summary", result.Summary())
			for _, e := range result.Errors {
				logger.Error("import error", "error", e)
			}
			fmt.Fprintln(cmd.OutOrStdout(), result.Summary())
			if len(result.Errors) > 0 {
				return fmt.Errorf("import finished with %d error(s)", len(result.Errors))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Path to the JSON dataset")
	return cmd
}

// --------------------------------------------------------------------------
// advance command
// --------------------------------------------------------------------------

func advanceCmd() *cobra.Command {
	var (
		from  string
		cycle string
		n     int
	)
	cmd := &cobra.Command{
		Use:   "advance",
		Short: "Print successive renewal dates for a billing cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := calendar.Parse(from)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			c, err := domain.ParseBillingCycle(cycle)
			if err != nil {
				return fmt.Errorf("--cycle: %w", err)
			}
			if n < 1 {
				return fmt.Errorf("--n must be at least 1")
			}
			for i := 0; i < n; i++ {
				if d, err = billing.Advance(d, c); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), d)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Starting renewal date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&cycle, "cycle", "monthly", "Billing cycle (weekly, monthly, yearly)")
	cmd.Flags().IntVar(&n, "n", 12, "Number of renewals to print")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

// --------------------------------------------------------------------------
// Shared setup
// --------------------------------------------------------------------------

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, app.NewLogger(cfg, os.Stderr), nil
}

// withApp handles config loading, store connection, and context cancellation.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error, opts ...app.Option) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, logger, opts...)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func dayFlag(s string, clock calendar.Clock) (calendar.Date, error) {
	if s == "" {
		return clock.Today(), nil
	}
	d, err := calendar.Parse(s)
	if err != nil {
		return calendar.Date{}, fmt.Errorf("--date: %w", err)
	}
	return d, nil
}
