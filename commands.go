package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/malwarebo/reelpipe/analytics"
	"github.com/malwarebo/reelpipe/config"
	"github.com/malwarebo/reelpipe/db"
	"github.com/malwarebo/reelpipe/events"
	"github.com/malwarebo/reelpipe/models"
	"github.com/malwarebo/reelpipe/security"
	"github.com/malwarebo/reelpipe/utils"
	"github.com/spf13/cobra"
)

// withApplication runs fn against a fully wired pipeline. With the memory
// bus, events fn publishes are handled in this process before it returns.
func withApplication(ctx context.Context, fn func(ctx context.Context, app *application) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	app, err := buildApplication(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.bus.Start(ctx); err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}

	ctx = utils.WithAgent(ctx, "cli")
	if err := fn(ctx, app); err != nil {
		return err
	}

	if mem, ok := app.bus.(*events.MemoryBus); ok {
		drainCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return mem.Drain(drainCtx)
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func migrateCmd() *cobra.Command {
	var to string

	run := func(fn func(ctx context.Context, m *db.Migrator) error) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Database.Validate(); err != nil {
				return fmt.Errorf("database config: %w", err)
			}
			utils.SetLevel(utils.ParseLevel(cfg.LogLevel))

			conn, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer conn.Close()
			return fn(cmd.Context(), db.CreatePipelineMigrator(conn.GetDB()))
		}
	}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: run(func(ctx context.Context, m *db.Migrator) error {
			applied, err := m.Up(ctx)
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("%d migrations applied", applied))
			return nil
		}),
	}

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations newer than --to",
		RunE: run(func(ctx context.Context, m *db.Migrator) error {
			if err := m.Down(ctx, to); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("rolled back to %s", to))
			return nil
		}),
	}
	down.Flags().StringVar(&to, "to", "", "last version to keep")
	down.MarkFlagRequired("to")

	status := &cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		RunE: run(func(ctx context.Context, m *db.Migrator) error {
			statuses, err := m.Status(ctx)
			if err != nil {
				return err
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Version", "Name", "Applied"})
			for _, s := range statuses {
				tw.AppendRow(table.Row{s.Version, s.Name, s.Applied})
			}
			tw.Render()
			return nil
		}),
	}

	cmd.AddCommand(down, status)
	return cmd
}

func deadLettersCmd() *cobra.Command {
	var (
		status string
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:     "deadletters",
		Aliases: []string{"dlq"},
		Short:   "Inspect and replay dead-lettered events",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), func(ctx context.Context, app *application) error {
				letters, err := app.pipeline.DeadLetters.List(ctx, status, limit)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(letters)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Event", "Order", "Source", "Attempts", "Status", "Created", "Error"})
				for _, dl := range letters {
					order := ""
					if dl.OrderID != nil {
						order = *dl.OrderID
					}
					tw.AppendRow(table.Row{dl.ID, dl.EventType, order, dl.Source, dl.AttemptCount, dl.Status, dl.CreatedAt.Format(time.RFC3339), truncate(dl.ErrorMessage, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "failed", "status filter (failed, retried, or empty for all)")
	list.Flags().IntVarP(&limit, "limit", "n", 50, "maximum rows")
	list.Flags().BoolVar(&asJSON, "json", false, "output as JSON")

	replay := &cobra.Command{
		Use:   "replay <id>",
		Short: "Re-publish a dead-lettered event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), func(ctx context.Context, app *application) error {
				if err := app.pipeline.DeadLetters.Replay(ctx, args[0]); err != nil {
					return err
				}
				printSuccess(fmt.Sprintf("dead letter %s replayed", args[0]))
				return nil
			})
		},
	}

	cmd.AddCommand(list, replay)
	return cmd
}

func eventsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the system event log",
	}

	trace := &cobra.Command{
		Use:   "trace <correlation-id>",
		Short: "Show every event of one order flow in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), func(ctx context.Context, app *application) error {
				trail, err := app.pipeline.Stores.Events.ListByCorrelation(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(trail)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Time", "Type", "Agent", "Severity", "Duration"})
				for _, e := range trail {
					tw.AppendRow(table.Row{e.Timestamp.Format(time.RFC3339Nano), e.EventType, e.Agent, e.Severity, time.Duration(e.DurationMS) * time.Millisecond})
				}
				tw.AppendFooter(table.Row{"", "", "", "events", len(trail)})
				tw.Render()
				return nil
			})
		},
	}
	trace.Flags().BoolVar(&asJSON, "json", false, "output as JSON")

	cmd.AddCommand(trace)
	return cmd
}

func resurrectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resurrect",
		Short: "Re-drive stuck orders",
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Run one sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), func(ctx context.Context, app *application) error {
				report, err := app.pipeline.Resurrection.Sweep(ctx)
				if err != nil {
					return err
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Scanned", "Resurrected", "Skipped", "Abandoned", "Errors"})
				tw.AppendRow(table.Row{report.Scanned, report.Resurrected, report.Skipped, report.Abandoned, len(report.Errors)})
				tw.Render()
				for _, e := range report.Errors {
					printWarning(e)
				}
				return nil
			})
		},
	}

	order := &cobra.Command{
		Use:   "order <order-id>",
		Short: "Re-drive one order regardless of age",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), func(ctx context.Context, app *application) error {
				if err := app.pipeline.Resurrection.Resurrect(ctx, args[0]); err != nil {
					return err
				}
				printSuccess(fmt.Sprintf("order %s re-driven", args[0]))
				return nil
			})
		},
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show stuck orders by status and recent resurrections",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), func(ctx context.Context, app *application) error {
				s, err := app.pipeline.Resurrection.Stats(ctx)
				if err != nil {
					return err
				}
				statuses := make([]string, 0, len(s.Stuck))
				for status := range s.Stuck {
					statuses = append(statuses, string(status))
				}
				sort.Strings(statuses)

				tw := newTable()
				tw.SetTitle(fmt.Sprintf("Stuck longer than %s", s.StuckThreshold))
				tw.AppendHeader(table.Row{"Status", "Orders"})
				for _, status := range statuses {
					tw.AppendRow(table.Row{status, s.Stuck[models.OrderStatus(status)]})
				}
				tw.AppendFooter(table.Row{"triggered 24h", s.Triggered24h})
				tw.AppendFooter(table.Row{"abandoned 24h", s.Abandoned24h})
				tw.Render()
				return nil
			})
		},
	}

	cmd.AddCommand(run, order, stats)
	return cmd
}

func tokensCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Manage delivery tokens",
	}

	revoke := &cobra.Command{
		Use:   "revoke <order-id>",
		Short: "Revoke every delivery token of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), func(ctx context.Context, app *application) error {
				revoked, err := app.pipeline.Delivery.Revoke(ctx, args[0], reason)
				if err != nil {
					return err
				}
				printSuccess(fmt.Sprintf("%d tokens revoked for order %s", revoked, args[0]))
				return nil
			})
		},
	}
	revoke.Flags().StringVar(&reason, "reason", "operator", "revocation reason recorded on the token")

	var asJSON bool
	reissue := &cobra.Command{
		Use:   "reissue <order-id>",
		Short: "Replace a delivered order's tokens and print the new download link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), func(ctx context.Context, app *application) error {
				result, err := app.pipeline.Delivery.Reissue(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(result)
				}
				printSuccess(fmt.Sprintf("new token %s for order %s (%d revoked)", result.TokenID, result.OrderID, result.Revoked))
				fmt.Printf("Download URL: %s\n", result.DownloadURL)
				fmt.Printf("Expires:      %s\n", result.ExpiresAt.Format(time.RFC3339))
				if !result.Notified {
					printWarning("customer notification failed; hand the link over manually")
				}
				return nil
			})
		},
	}
	reissue.Flags().BoolVar(&asJSON, "json", false, "output as JSON")

	cmd.AddCommand(revoke, reissue)
	return cmd
}

func reportCmd() *cobra.Command {
	var (
		period string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize orders and captured revenue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), func(ctx context.Context, app *application) error {
				report, err := analytics.CreateReporter(app.pipeline.Stores.Orders).GetRevenueReport(ctx, period)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(report)
				}

				summary := newTable()
				summary.SetTitle(fmt.Sprintf("Orders (%s)", report.Period))
				summary.AppendHeader(table.Row{"Orders", "Paid", "Delivered", "Conversion", "Delivery rate", "Avg delivery"})
				summary.AppendRow(table.Row{
					report.OrderCount,
					report.PaidCount,
					report.DeliveredCount,
					fmt.Sprintf("%.1f%%", report.ConversionRate*100),
					fmt.Sprintf("%.1f%%", report.DeliveryRate*100),
					(time.Duration(report.AvgDeliverySecs) * time.Second).String(),
				})
				summary.Render()

				revenue := newTable()
				revenue.SetTitle("Captured revenue (minor units)")
				revenue.AppendHeader(table.Row{"Currency", "Total", "Orders", "Average"})
				for _, c := range report.Currencies {
					revenue.AppendRow(table.Row{c.Currency, c.TotalAmount, c.TransactionCount, fmt.Sprintf("%.0f", c.AverageAmount)})
				}
				revenue.Render()

				providers := newTable()
				providers.AppendHeader(table.Row{"Provider", "Orders", "Paid", "Conversion"})
				for _, p := range report.Providers {
					providers.AppendRow(table.Row{p.Provider, p.OrderCount, p.TransactionCount, fmt.Sprintf("%.1f%%", p.ConversionRate*100)})
				}
				providers.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&period, "period", "weekly", "daily, weekly, monthly or all")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

// adminTokenCmd mints a bearer token for the admin API. It needs only the
// JWT settings, not a database.
func adminTokenCmd() *cobra.Command {
	var (
		email string
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "admin-token <subject>",
		Short: "Mint an admin bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Security.Validate(); err != nil {
				return fmt.Errorf("security config: %w", err)
			}
			jwtManager := security.CreateJWTManager(cfg.Security.JWTSecret, cfg.Security.JWTIssuer, cfg.Security.JWTAudience)
			token, err := jwtManager.GenerateToken(args[0], email, []string{security.RoleAdmin}, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "operator email")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
