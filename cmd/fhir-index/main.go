package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/ehr/fhirindex/internal/feed"
	"github.com/ehr/fhirindex/internal/platform/db"
	"github.com/ehr/fhirindex/internal/platform/fhir"
	"github.com/ehr/fhirindex/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "fhir-index",
		Short:        "FHIR search index service",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(reindexCmd())
	rootCmd.AddCommand(cleanCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(consumeCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the search API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func reindexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reindex <file.ndjson>",
		Short: "Index every resource of an NDJSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if clean, _ := cmd.Flags().GetBool("clean"); clean {
				if err := a.indexer.Clean(ctx); err != nil {
					return err
				}
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			start := time.Now()
			entries, readErr := readNDJSON(ctx, f, a.cfg.BaseURL)
			n, err := a.indexer.Reindex(ctx, entries, a.cfg.ReindexWorkers)
			if rerr := <-readErr; rerr != nil {
				return fmt.Errorf("read %s: %w", args[0], rerr)
			}
			a.logger.Info().Int("indexed", n).Dur("elapsed", time.Since(start)).Msg("reindex finished")
			return err
		},
	}
	cmd.Flags().Bool("clean", false, "Empty the index before reindexing")
	return cmd
}

func cleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove every document from the index",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)
			return a.indexer.Clean(ctx)
		},
	}
}

func searchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <Type> [query]",
		Short: "Run a search and print the searchset Bundle",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			var query url.Values
			if len(args) == 2 {
				if query, err = url.ParseQuery(args[1]); err != nil {
					return fmt.Errorf("parse query: %w", err)
				}
			}
			res, err := a.searcher.Search(ctx, args[0], query)
			var out any
			if err != nil {
				_, out = fhir.SearchErrorOutcome(err)
			} else {
				out = fhir.NewSearchBundle(res, fhir.SearchBundleParams{
					BaseURL: a.cfg.BaseURL + "/" + args[0],
					Query:   query,
					Count:   res.Count,
					Offset:  res.Offset,
					Total:   res.Total,
				})
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if eerr := enc.Encode(out); eerr != nil {
				return eerr
			}
			return err
		},
	}
}

func consumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Apply the resource change feed to the index",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(context.Background())
			if err := a.cfg.ValidateFeed(); err != nil {
				return err
			}

			c, err := feed.NewConsumer(feed.Config{
				Brokers: a.cfg.KafkaBrokers,
				Topic:   a.cfg.KafkaTopic,
				Group:   a.cfg.KafkaGroup,
				BaseURL: a.cfg.BaseURL,
			}, a.indexer, a.logger)
			if err != nil {
				return err
			}
			a.logger.Info().Strs("brokers", a.cfg.KafkaBrokers).Str("topic", a.cfg.KafkaTopic).Msg("consuming change feed")
			return c.Run(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL index schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openPostgres(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.Migrate(ctx)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openPostgres(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			statuses, err := s.MigrationStatus(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatuses(cmd, cfg.DatabaseSchema, statuses)
			return nil
		},
	})
	return cmd
}

func printStatuses(cmd *cobra.Command, schema string, statuses []db.MigrationStatus) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func runServer() error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(context.Background())
	logger := a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(a.metrics.MetricsMiddleware())
	e.Use(a.tracingMiddleware())
	e.Use(middleware.RequestTimeout(30 * time.Second))

	e.GET("/health", db.HealthHandler(a.health))
	e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))

	g := e.Group("/fhir", middleware.BodyLimit("4M"))
	fhir.NewHandler(a.searcher, a.indexer, a.catalog, a.cfg.BaseURL, logger).RegisterRoutes(g)

	go func() {
		addr := ":" + a.cfg.Port
		logger.Info().Str("addr", addr).Str("backend", a.cfg.StoreBackend).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
