package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/idaholion/cabinbuddy/internal/logger"
	"github.com/idaholion/cabinbuddy/internal/rotation"
	"github.com/idaholion/cabinbuddy/internal/server"
	"github.com/idaholion/cabinbuddy/internal/store"
	postgresstore "github.com/idaholion/cabinbuddy/internal/store/postgres"
	"github.com/idaholion/cabinbuddy/internal/telemetry"
)

type ServerCmd struct {
	// Server configuration
	Listen string `help:"HTTP server listen address" default:"localhost:8080" env:"CABINBUDDY_LISTEN"`

	// CORS configuration
	CORSOrigins []string `help:"allowed CORS origins for API requests" default:"http://localhost:5173" env:"CABINBUDDY_CORS_ORIGINS"`

	// Development and operational modes
	Tracing bool `help:"enable tracing" default:"false" env:"CABINBUDDY_TRACING"`

	// Engine configuration
	IdempotencyTTL time.Duration `help:"retention window for claim idempotency tokens" default:"24h" env:"CABINBUDDY_IDEMPOTENCY_TTL"`

	// Store configuration
	StoreType     string             `help:"store type (memory or postgres)" default:"memory" env:"CABINBUDDY_STORE_TYPE" enum:"memory,postgres"`
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`
}

type PostgresStoreFlags struct {
	// Connection Configuration
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns        int32 `help:"maximum number of connections in pool" default:"10"`
	MinConns        int32 `help:"minimum number of connections in pool" default:"2"`
	MaxConnLifetime int32 `help:"maximum connection lifetime in seconds" default:"1800"`
	MaxConnIdleTime int32 `help:"maximum connection idle time in seconds" default:"600"`

	// Migration Configuration
	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"CABINBUDDY_POSTGRES_AUTO_MIGRATE"`
}

func (c *ServerCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	// Setup telemetry if enabled
	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, "cabinbuddy-server", globals.Version)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	// Create stores based on store type
	var (
		rotationStore store.RotationStore
		orgStore      store.OrganizationStore
		groupStore    store.FamilyGroupStore
	)

	switch c.StoreType {
	case "postgres":
		if c.PostgresStore.ConnString == "" {
			return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
		}

		// Shared connection pool for all PostgreSQL stores
		poolCfg := &postgresstore.PoolConfig{
			ConnString:      c.PostgresStore.ConnString,
			MaxConns:        c.PostgresStore.MaxConns,
			MinConns:        c.PostgresStore.MinConns,
			MaxConnLifetime: c.PostgresStore.MaxConnLifetime,
			MaxConnIdleTime: c.PostgresStore.MaxConnIdleTime,
		}
		pool, err := postgresstore.NewPool(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("failed to create connection pool: %w", err)
		}
		defer pool.Close()

		// Run migrations if enabled
		if c.PostgresStore.AutoMigrate {
			if err := postgresstore.RunMigrations(ctx, pool); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info().Msg("Database migrations completed")
		}

		rotationStore = postgresstore.NewRotationStore(pool)
		orgStore = postgresstore.NewOrganizationStore(pool)
		groupStore = postgresstore.NewFamilyGroupStore(pool)

		log.Info().Msg("Using PostgreSQL stores with shared connection pool")

	default:
		memRotations := store.NewMemoryRotationStore()
		rotationStore = memRotations
		orgStore = store.NewMemoryOrganizationStore()
		groupStore = store.NewMemoryFamilyGroupStore(memRotations)
		log.Info().Msg("Using in-memory stores")
	}

	// Create the engine around the stores
	engine := rotation.NewEngine(rotationStore, orgStore, groupStore, &rotation.Config{
		Notifier:       rotation.LogNotifier{},
		IdempotencyTTL: c.IdempotencyTTL,
	})
	if err := engine.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer func() {
		if err := engine.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop engine")
		}
	}()

	handler := withCORS(c.CORSOrigins, server.NewServer(engine, orgStore, groupStore).Handler(log))

	httpServer := configureHTTPServer(c.Listen, handler)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", c.Listen).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// withCORS adds CORS support to the API handler.
func withCORS(allowedOrigins []string, h http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	return middleware.Handler(h)
}
