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

	"github.com/fatih/color"
	"github.com/malwarebo/reelpipe/api"
	"github.com/malwarebo/reelpipe/db"
	"github.com/malwarebo/reelpipe/events"
	"github.com/malwarebo/reelpipe/middleware"
	"github.com/malwarebo/reelpipe/scheduler"
	"github.com/malwarebo/reelpipe/security"
	"github.com/malwarebo/reelpipe/utils"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

var (
	stepColor    = color.New(color.FgBlue, color.Bold)
	successColor = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
)

func printBanner() {
	banner := color.New(color.FgCyan, color.Bold)
	banner.Println("╔══════════════════════════════════════════════════════════════╗")
	banner.Println("║                                                              ║")
	banner.Println("║  ReelPipe order and production pipeline                      ║")
	banner.Println("║                                                              ║")
	banner.Println("║  Briefs in, paid videos out                                  ║")
	banner.Println("║                                                              ║")
	banner.Println("╚══════════════════════════════════════════════════════════════╝")
}

func printStep(step, message string) {
	fmt.Printf("%s %s\n", stepColor.Sprintf("[%s]", step), message)
}

func printSuccess(message string) {
	fmt.Printf("%s %s\n", successColor.Sprint("✓"), message)
}

func printWarning(message string) {
	fmt.Printf("%s %s\n", warnColor.Sprint("⚠"), message)
}

func printInfo(message string) {
	fmt.Printf("%s %s\n", infoColor.Sprint("ℹ"), message)
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "reelpipe",
		Short:         "Order and production event pipeline for generated sales videos",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(deadLettersCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(resurrectCmd())
	rootCmd.AddCommand(tokensCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(adminTokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("✗"), err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, event consumers and maintenance jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply pending migrations before serving")
	return cmd
}

func runServe(parent context.Context, migrate bool) error {
	printBanner()
	fmt.Println()

	printStep("1/5", "Loading configuration...")
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	printSuccess(fmt.Sprintf("Configuration loaded (%s)", cfg.Environment))

	printStep("2/5", "Connecting dependencies...")
	app, err := buildApplication(cfg)
	if err != nil {
		return err
	}
	defer app.Close()
	printSuccess(fmt.Sprintf("Connected to PostgreSQL at %s:%d", cfg.Database.Host, cfg.Database.Port))
	if app.redis != nil {
		printSuccess(fmt.Sprintf("Connected to Redis at %s:%d", cfg.Redis.Host, cfg.Redis.Port))
	} else {
		printWarning("Redis not configured, production progress kept in memory")
	}
	printInfo(fmt.Sprintf("  • Event bus: %s", cfg.Bus.Driver))
	printInfo(fmt.Sprintf("  • Payment providers: %v", app.router.Names()))

	if migrate {
		printStep("3/5", "Applying migrations...")
		applied, err := db.CreatePipelineMigrator(app.db.GetDB()).Up(parent)
		if err != nil {
			return err
		}
		printSuccess(fmt.Sprintf("%d migrations applied", applied))
	} else {
		printStep("3/5", "Skipping migrations")
	}

	printStep("4/5", "Scheduling maintenance jobs...")
	jobs := scheduler.New()
	if err := jobs.Add(scheduler.SweepJob(cfg.Pipeline.SweepInterval, app.pipeline.Resurrection)); err != nil {
		return err
	}
	if err := jobs.Add(scheduler.IdempotencyCleanupJob(cfg.Pipeline.CleanupSchedule, app.pipeline.Stores.Idempotency)); err != nil {
		return err
	}
	if err := jobs.Add(scheduler.AlertJob(cfg.Alert.Schedule, app.alerts)); err != nil {
		return err
	}
	printSuccess(fmt.Sprintf("Resurrection sweep every %s, key cleanup %s, alerts %s", cfg.Pipeline.SweepInterval, cfg.Pipeline.CleanupSchedule, cfg.Alert.Schedule))

	printStep("5/5", "Setting up HTTP server...")
	limiter := security.CreateRateLimiter(security.RateLimitConfig{
		RequestsPerSecond: cfg.Delivery.RateLimitRPS,
		Burst:             cfg.Delivery.RateLimitBurst,
		Window:            10 * time.Minute,
	})
	defer limiter.Close()

	jwtManager := security.CreateJWTManager(cfg.Security.JWTSecret, cfg.Security.JWTIssuer, cfg.Security.JWTAudience)
	router := api.NewRouter(api.RouterConfig{
		Pipeline:           app.pipeline,
		Auth:               middleware.CreateAuthMiddleware(jwtManager, limiter),
		Health:             app.health,
		Alerts:             app.alerts,
		ConversationSecret: cfg.Security.ConversationSecret,
		WorkerSecret:       cfg.Worker.CallbackSecret,
	})

	server := &http.Server{
		Addr:           ":" + cfg.Server.Port,
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}
	printSuccess("HTTP server configured")

	fmt.Println()
	color.New(color.FgGreen, color.Bold).Println("ReelPipe is ready")
	printInfo(fmt.Sprintf("  • Health:    %s/health", cfg.Server.PublicBaseURL))
	printInfo(fmt.Sprintf("  • Webhooks:  %s/webhooks/{stripe,xendit}", cfg.Server.PublicBaseURL))
	printInfo(fmt.Sprintf("  • Downloads: %s/download/{token}", cfg.Server.PublicBaseURL))
	printInfo(fmt.Sprintf("  • Admin:     %s/api/v1/admin", cfg.Server.PublicBaseURL))
	fmt.Println()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Consumers outlive the signal so in-flight events can drain after the
	// server stops accepting requests. app.Close stops them.
	if err := app.bus.Start(context.Background()); err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}
	app.health.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return jobs.Run(gctx)
	})
	g.Go(func() error {
		utils.Info(gctx, "http server listening", map[string]interface{}{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Println()
		printWarning("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		if mem, ok := app.bus.(*events.MemoryBus); ok {
			if err := mem.Drain(shutdownCtx); err != nil {
				utils.Warn(shutdownCtx, "event bus did not drain", map[string]interface{}{"error": err.Error()})
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	printSuccess("ReelPipe stopped gracefully")
	return nil
}
