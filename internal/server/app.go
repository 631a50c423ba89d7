// Package server wires the registry components together and runs the HTTP
// server.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/ahlgren/wharf/internal/config"
	"github.com/ahlgren/wharf/internal/db"
	"github.com/ahlgren/wharf/internal/registry"
)

// App owns the assembled registry server.
type App struct {
	cfg     *config.Config
	db      *db.DB
	uploads *registry.UploadManager
	echo    *echo.Echo
}

// NewApp builds the full server from configuration: metadata store, blob
// store, registry services and the HTTP surface.
func NewApp(cfg *config.Config) (*App, error) {
	store, err := db.Open(cfg.Server.DataDir)
	if err != nil {
		return nil, err
	}

	blobs, err := registry.NewFilesystemBlobStore(cfg.Server.DataDir)
	if err != nil {
		return nil, err
	}

	var identity registry.IdentityVerifier
	if cfg.Auth.JWTSecret != "" {
		identity = registry.NewJWTIdentity([]byte(cfg.Auth.JWTSecret))
	} else {
		identity = registry.NewStaticIdentity(cfg.Auth.IdentityTokens)
	}
	uploads := registry.NewUploadManager(store, blobs)
	manifests := registry.NewManifestStore(store)
	access := registry.NewAccessResolver(store)

	handler := registry.NewHandler(store, blobs, uploads, manifests, access, identity,
		cfg.Registry.MaxManifestBytes, cfg.Registry.MaxChunkBytes)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(requestLogger())
	e.Use(registry.NewRateLimiter(cfg.Registry.RateRPS, cfg.Registry.RateBurst).Middleware())

	handler.RegisterRoutes(e)

	return &App{cfg: cfg, db: store, uploads: uploads, echo: e}, nil
}

// Start runs the server until ctx is cancelled, then shuts down gracefully.
func (a *App) Start(ctx context.Context) error {
	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go a.runUploadReaper(reaperCtx)

	errChan := make(chan error, 1)
	go func() {
		if err := a.echo.Start(a.cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	log.Info("Registry server listening", "addr", a.cfg.Server.Addr)

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		log.Info("Registry server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.echo.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return a.db.Close()
	}
}

// runUploadReaper periodically removes upload sessions that have gone idle.
// Clients that abandon an upload mid-transfer never send an abort, so the
// reaper is the only cleanup path.
func (a *App) runUploadReaper(ctx context.Context) {
	maxAge := time.Duration(a.cfg.Registry.UploadMaxAgeHours) * time.Hour
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.uploads.ReapStale(ctx, maxAge)
		}
	}
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug("request",
				"remote_ip", c.RealIP(),
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			)
			return nil
		},
	})
}
