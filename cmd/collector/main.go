// Command collector runs the forge-collector service: it loads
// configuration, opens the reference SQLite store, wires the request
// broker and forge fetcher, and serves the control-plane HTTP API while
// the collector scheduler pulls and processes collection jobs in the
// background.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "golang.org/x/crypto/x509roots/fallback" // embed CA certs for scratch containers

	"github.com/ericfisherdev/forge-collector/internal/broker"
	"github.com/ericfisherdev/forge-collector/internal/collector"
	"github.com/ericfisherdev/forge-collector/internal/config"
	"github.com/ericfisherdev/forge-collector/internal/forge"
	"github.com/ericfisherdev/forge-collector/internal/httpapi"
	"github.com/ericfisherdev/forge-collector/internal/store/sqlite"
)

const githubAPIBaseURL = "https://api.github.com"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on missing required env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("config loaded",
		"db_path", cfg.Database.Path,
		"api_bind", cfg.API.Bind,
		"collector_interval", cfg.Collector.Interval(),
		"max_concurrent_repos", cfg.Collector.MaxConcurrentRepos,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database (dual reader/writer with WAL mode).
	db, err := sqlite.NewDB(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	slog.Info("database opened", "path", cfg.Database.Path)

	// 4. Run migrations on writer connection.
	if err := sqlite.RunMigrations(db.Writer); err != nil {
		return err
	}
	slog.Info("migrations complete")

	// 5. Wire store adapters.
	repoStore := sqlite.NewRepoRepo(db)
	userStore := sqlite.NewUserRepo(db)
	issueStore := sqlite.NewIssueRepo(db)
	commentStore := sqlite.NewCommentRepo(db)
	watermarkStore := sqlite.NewWatermarkRepo(db)
	spamFlagStore := sqlite.NewSpamFlagRepo(db)
	jobStore := sqlite.NewJobRepo(db)

	// 6. Wire the request broker: token pool from configured GitHub
	// credentials, real HTTP executor against the forge API.
	tokens, err := cfg.Github.ResolvedTokens()
	if err != nil {
		return err
	}
	brokerTokens := make([]broker.Token, len(tokens))
	for i, t := range tokens {
		brokerTokens[i] = broker.Token{ID: t.ID, Secret: t.Secret}
	}

	b := broker.New(broker.Options{
		Tokens:          brokerTokens,
		Exec:            broker.NewHTTPClientExecutor(nil, githubAPIBaseURL),
		MaxInflight:     cfg.Broker.MaxInflight,
		PerRepoInflight: cfg.Broker.PerRepoInflight,
		CacheCapacity:   cfg.Broker.CacheCapacity,
		CacheTTL:        cfg.Broker.CacheTTL(),
		BackoffBase:     cfg.Broker.BackoffBase(),
		BackoffMax:      cfg.Broker.BackoffMax(),
		JitterFrac:      cfg.Broker.JitterFrac,
	})

	fetcher := forge.NewRESTFetcher(b, cfg.Github.UserAgent)

	// 7. Create and start the collector scheduler.
	collectorSvc := collector.New(
		jobStore,
		repoStore,
		userStore,
		issueStore,
		commentStore,
		watermarkStore,
		spamFlagStore,
		fetcher,
		cfg.Collector.MaxConcurrentRepos,
		slog.Default(),
	)
	go collectorSvc.Run(ctx, cfg.Collector.Interval())
	go sqlite.RefreshStatsLoop(ctx, db, 30*time.Second)

	// 8. Create HTTP handler and server.
	apiHandler := httpapi.NewHandler(jobStore, repoStore, issueStore, userStore, spamFlagStore, slog.Default())
	mux := httpapi.NewServeMux(apiHandler, slog.Default())

	srv := &http.Server{
		Addr:              cfg.API.Bind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "addr", cfg.API.Bind)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()

	slog.Info("forge-collector started", "api_bind", cfg.API.Bind)

	// 9. Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down")

	// 10. Graceful shutdown with 10s timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
