// Conduit Gateway — a thin, auditable proxy in front of third-party APIs.
//
// It resolves a tenant's stored connection and connection model definition,
// injects tenant secrets per a connection variable mapping, dispatches the
// outbound call, and fans out an audit event and usage metric, all behind
// a JWT-gated HTTP surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/conduithq/conduit/internal/api"
	"github.com/conduithq/conduit/internal/api/handlers"
	"github.com/conduithq/conduit/internal/batch"
	"github.com/conduithq/conduit/internal/config"
	"github.com/conduithq/conduit/internal/connresolver"
	"github.com/conduithq/conduit/internal/definition"
	"github.com/conduithq/conduit/internal/dispatcher"
	"github.com/conduithq/conduit/internal/fanout"
	"github.com/conduithq/conduit/internal/jwtauth"
	"github.com/conduithq/conduit/internal/models"
	"github.com/conduithq/conduit/internal/secrets"
	"github.com/conduithq/conduit/internal/store"
	"github.com/conduithq/conduit/internal/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg := config.Load()

	log.Info().Msg("conduit gateway starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer shutdownTelemetry(context.Background())

	recordStore, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize record store")
	}
	defer recordStore.Close()

	if err := recordStore.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to run store migrations")
	}

	var secretsClient secrets.Client
	if cfg.Secrets.ServiceURL != "" {
		secretsClient = secrets.NewHTTPClient(cfg.Secrets.ServiceURL)
	} else {
		log.Warn().Msg("SECRETS_SERVICE_URL unset, using empty static secret context")
		secretsClient = &secrets.StaticClient{}
	}

	verifier := jwtauth.NewVerifier(cfg.Auth)

	resolver, err := connresolver.New(recordStore, cfg.Cache.ConnectionCacheSize)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build connection resolver")
	}

	materializer := definition.New(recordStore, recordStore, secretsClient)
	dispatch := dispatcher.New(cfg.Dispatch.Timeout, cfg.Dispatch.RetryMaxElapsed)
	fan := fanout.New(ctx, cfg.Fanout.EventChannelSize, cfg.Fanout.MetricChannelSize, fanout.LogSink{})
	defer fan.Wait()

	batchEngine := batch.New(recordStore, func(hookCtx context.Context, cmd *models.ConnectionModelDefinition) {
		resolver.InvalidatePlatform(cmd.Platform)
	})

	h := handlers.New(recordStore, resolver, materializer, dispatch, fan, batchEngine, cfg.Headers, cfg.Auth)
	router := api.NewRouter(cfg, h, verifier)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", cfg.Port).Msg("conduit gateway ready")

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL == "" {
		log.Warn().Msg("DATABASE_URL unset, using in-memory store")
		return store.NewMemoryStore(), nil
	}
	return store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
}
