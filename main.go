package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pickup-match-system/config"
	"pickup-match-system/handlers"
	"pickup-match-system/middleware"
	"pickup-match-system/services"
	"pickup-match-system/utils"
	"pickup-match-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
	"gorm.io/gorm"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "pickup-match-system",
		Short:   "No-show penalty and recovery ledger for pickup matches",
		Version: Version,
		RunE:    runServe,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(debtCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, sync workers and no-show scheduler",
		RunE:  runServe,
	}
}

func processCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process [matchID]",
		Short: "Run the no-show pass for one match and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			result, err := rt.noShow.ProcessMatch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
}

func debtCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "debt [userID]",
		Short: "Show a user's outstanding no-show debt and ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			limit, _ := cmd.Flags().GetInt("limit")
			ctx := cmd.Context()
			debt, err := rt.ledger.Debt(ctx, args[0])
			if err != nil {
				return err
			}
			streak, err := rt.ledger.Streak(ctx, args[0])
			if err != nil {
				return err
			}
			rows, err := rt.ledger.Adjustments(ctx, args[0], limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "User:   %s\n", args[0])
			fmt.Fprintf(out, "Debt:   %d\n", debt)
			fmt.Fprintf(out, "Streak: %d\n", streak.Streak)
			fmt.Fprintln(out, strings.Repeat("=", 40))
			for _, r := range rows {
				fmt.Fprintf(out, "%s  %-8s %6d  match=%s\n",
					r.CreatedAt.UTC().Format(time.RFC3339), r.Kind, r.Magnitude, r.MatchID)
			}
			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", 20, "Maximum ledger rows")
	return cmd
}

// deps bundles everything the commands share.
type deps struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *gorm.DB
	registry *prometheus.Registry
	ledger   *services.LedgerService
	noShow   *services.NoShowService
	shutdown func(context.Context) error
}

func (rt *deps) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.shutdown(ctx); err != nil {
		rt.logger.Warn("tracer shutdown failed", "error", err)
	}
	if sqlDB, err := rt.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func bootstrap(ctx context.Context) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	shutdown, err := utils.InitTracing(cfg.TracingStdout)
	if err != nil {
		return nil, err
	}

	db, err := utils.OpenDatabase(cfg.DBDriver, cfg.DatabaseURL, logger)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := services.NewMetrics(registry)

	opts := []services.Option{
		services.WithLogger(logger),
		services.WithMetrics(metrics),
	}
	if cfg.ArchiveEnabled() {
		archiver, err := utils.NewR2Archiver(ctx, utils.R2Options{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			AccessKeySecret: cfg.R2AccessKeySecret,
			Bucket:          cfg.R2Bucket,
			Endpoint:        cfg.R2Endpoint,
		})
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("failed to initialize R2 archiver: %w", err)
		}
		opts = append(opts, services.WithArchiver(archiver, cfg.ArchivePrefix))
	}

	profiles := services.NewProfileService(db, cfg.Policy.DefaultRating)
	return &deps{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		registry: registry,
		ledger:   services.NewLedgerService(db),
		noShow:   services.NewNoShowService(db, profiles, cfg.Policy, opts...),
		shutdown: shutdown,
	}, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	cfg := rt.cfg

	if err := cfg.RequireServiceToken(); err != nil {
		return err
	}

	app := fiber.New(fiber.Config{
		AppName: "pickup-match-system " + Version,
	})

	// 🔐 Only Gateway requests allowed, except health and metrics checks
	app.Use(middleware.GatewayAuthMiddleware(cfg.ServiceToken, "/health", "/metrics"))

	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Origins(),
		AllowMethods:     "GET,POST,OPTIONS,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, X-Service-Token",
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400, // 24 hours
	}))

	sqlDB, err := rt.db.DB()
	if err != nil {
		return err
	}
	handlers.SetupOpsRoutes(app, sqlDB, rt.registry)
	handlers.SetupLedgerRoutes(app, rt.noShow, rt.ledger)

	if cfg.SyncServiceURL != "" {
		workers.NewRosterSyncWorker(rt.db, cfg.SyncServiceURL, cfg.ServiceToken, cfg.RosterPollInterval, rt.logger).Start(ctx)
		surveyClient := workers.NewSurveySyncClient(rt.db, cfg.SyncServiceURL, cfg.ServiceToken, rt.logger)
		go workers.PollSurveys(ctx, surveyClient, cfg.SurveyPollInterval)
	} else {
		rt.logger.Warn("SYNC_SERVICE_URL not set; roster and survey mirrors will not be refreshed")
	}

	sched, err := rt.noShow.StartNoShowScheduler(ctx, cfg.SchedulerInterval, cfg.SurveyWindow)
	if err != nil {
		return fmt.Errorf("failed to start no-show scheduler: %w", err)
	}
	defer func() {
		if err := sched.Shutdown(); err != nil {
			rt.logger.Warn("scheduler shutdown failed", "error", err)
		}
	}()

	go func() {
		if err := app.Listen(cfg.ListenAddr); err != nil {
			rt.logger.Error("server error", "error", err)
			stop()
		}
	}()

	log.Printf("✅ Server running on %s", cfg.ListenAddr)
	log.Printf("✅ No-show scheduler running (every %s, survey window %s)", cfg.SchedulerInterval, cfg.SurveyWindow)
	log.Printf("✅ CORS configured for origins: %s", cfg.Origins())

	<-ctx.Done()
	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return app.ShutdownWithContext(shutdownCtx)
}
