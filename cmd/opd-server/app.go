package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/opd/internal/config"
	"github.com/ehr/opd/internal/domain/consultation"
	"github.com/ehr/opd/internal/platform/backend"
	"github.com/ehr/opd/internal/platform/blobstore"
	"github.com/ehr/opd/internal/platform/cache"
	"github.com/ehr/opd/internal/platform/db"
	"github.com/ehr/opd/internal/platform/jobs"
	"github.com/ehr/opd/internal/platform/middleware"
	"github.com/ehr/opd/internal/platform/stubdata"
	"github.com/ehr/opd/internal/platform/validation"
)

const version = "0.1.0"

// app holds the wired collaborators of one process.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	svc     *consultation.Service
	journal consultation.Journal
	pool    *pgxpool.Pool
	redis   *cache.RedisCache
	cached  *backend.Cached
	blobs   *blobstore.InMemoryBlobStore
}

// buildApp connects the backend, cache and journal selected by cfg. With no
// BACKEND_URL the seeded stub backend is used and uploads are served by this
// process; with no DATABASE_URL the journal lives in memory.
func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	var be consultation.Backend
	if cfg.StubBackend() {
		a.blobs = blobstore.NewInMemoryBlobStore()
		be = stubdata.Seeded(a.blobs, publicFilesURL(cfg))
		logger.Warn().Msg("BACKEND_URL not set, using in-memory stub backend")
	} else {
		client := backend.New(cfg.BackendURL,
			backend.WithUploadURL(cfg.UploadURL),
			backend.WithTimeout(cfg.BackendTimeout),
			backend.WithLogger(logger.With().Str("component", "backend").Logger()),
		)
		var c cache.Cache = cache.NewMemory()
		if cfg.RedisURL != "" {
			rc, err := cache.NewRedis(ctx, cfg.RedisURL, cache.RedisOptions{Prefix: "opd:"})
			if err != nil {
				return nil, err
			}
			a.redis = rc
			c = rc
			logger.Info().Msg("connected to redis")
		}
		a.cached = backend.NewCached(client, c, cfg.CacheTTL, logger)
		be = a.cached
	}

	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.pool = pool
		a.journal = consultation.NewJournalPG(pool)
		logger.Info().Msg("connected to database")
	} else {
		a.journal = consultation.NewMemoryJournal()
		logger.Warn().Msg("DATABASE_URL not set, completion journal is in memory")
	}

	a.svc = consultation.NewService(be, a.journal, consultation.Options{
		UploadFolder:    cfg.UploadFolder,
		CompletionLease: cfg.CompletionLease,
		Queue: consultation.QueueOptions{
			PageSize:     cfg.QueuePageSize,
			DisplayLimit: cfg.QueueDisplayLimit,
			MaxPages:     cfg.QueueMaxPages,
		},
	}, logger)
	return a, nil
}

func publicFilesURL(cfg *config.Config) string {
	if cfg.UploadURL != "" {
		return cfg.UploadURL + "/files"
	}
	return fmt.Sprintf("http://localhost:%s/files", cfg.Port)
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("closing redis")
		}
	}
}

func (a *app) sweeper() *jobs.Sweeper {
	return jobs.NewSweeper(a.journal, a.cfg.CompletionLease, a.logger)
}

// newServer builds the echo instance serving the consultation API.
func newServer(a *app) *echo.Echo {
	cfg := a.cfg
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders:  []string{"Content-Type", middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit("1M", cfg.BodyLimit))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
			"backend": backendMode(cfg),
		})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool))
	}
	if a.redis != nil {
		e.GET("/health/cache", db.HealthHandler(a.redis))
	}

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	consultation.NewHandler(a.svc).RegisterRoutes(apiV1)

	if a.blobs != nil {
		blobstore.NewBlobHandler(a.blobs, cfg.UploadURL).RegisterRoutes(e.Group(""))
	}
	return e
}

func backendMode(cfg *config.Config) string {
	if cfg.StubBackend() {
		return "stub"
	}
	return "rest"
}

// newStubServer serves the seeded stub backend over the REST contract,
// uploads included.
func newStubServer(logger zerolog.Logger, publicURL string) *echo.Echo {
	blobs := blobstore.NewInMemoryBlobStore()
	stub := stubdata.Seeded(blobs, publicURL+"/files")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	root := e.Group("")
	stubdata.NewHandler(stub).RegisterRoutes(root)
	blobstore.NewBlobHandler(blobs, publicURL).RegisterRoutes(root)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "backend": "stub"})
	})
	return e
}

// shutdownTimeout bounds graceful shutdown of servers and jobs.
const shutdownTimeout = 10 * time.Second
