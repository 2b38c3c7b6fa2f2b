package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"markup-proxy-go/internal/client"
	"markup-proxy-go/internal/config"
	"markup-proxy-go/internal/gate"
	"markup-proxy-go/internal/handler"
	"markup-proxy-go/internal/markup"
	"markup-proxy-go/internal/metrics"
	"markup-proxy-go/internal/middleware"
	"markup-proxy-go/internal/relay"
	"markup-proxy-go/internal/rules"
	"markup-proxy-go/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("markup-proxy"),
		kong.Description("HTTP reverse proxy that rewrites HTML documents in flight."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newEcho,
			newGate,
			newPipeline,
			newRules,
			metrics.New,
			client.NewUpstreamClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			relay.NewServer,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServers),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h).With("mode", cfg.Mode)
}

func newGate(cfg *config.Config) *gate.Gate {
	return gate.New(cfg.Transform.TransformEnabled(), cfg.Transform.ContentTypes)
}

func newPipeline(cfg *config.Config, logger *slog.Logger) *markup.Pipeline {
	return markup.NewPipeline(markup.Limits{
		MaxBodyBytes:  cfg.Transform.MaxBodyBytes,
		MaxDepth:      cfg.Transform.MaxDepth,
		MaxNodes:      cfg.Transform.MaxNodes,
		MaxTokenBytes: cfg.Transform.MaxTokenBytes,
	}, logger)
}

func newRules(cfg *config.Config, logger *slog.Logger) (*rules.Set, error) {
	rs, err := rules.Load(cfg.Transform.Rules, logger)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	return rs, nil
}

// newEcho builds the proxy listener's Echo instance.
func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := newBareEcho()

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.MetricsMiddleware(m))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.StripHopByHop())

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func newAdminEcho(health *handler.HealthHandler, m *metrics.Metrics) *echo.Echo {
	e := newBareEcho()
	e.Use(echomw.Recover())
	e.Use(middleware.SecurityHeaders())
	handler.RegisterAdminRoutes(e, health, m)
	return e
}

func newBareEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 30 * time.Second
	// No write timeout: buffered transforms and long passthrough streams are
	// bounded by the upstream response timeout instead.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second
	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServers(
	lc fx.Lifecycle,
	cfg *config.Config,
	logger *slog.Logger,
	e *echo.Echo,
	health *handler.HealthHandler,
	m *metrics.Metrics,
	rs *relay.Server,
	sd fx.Shutdowner,
) {
	switch cfg.Mode {
	case config.ModeRelay:
		startRelay(lc, rs, logger, sd)
	default:
		startHTTP(lc, "proxy", cfg.Server.Addr, e, logger, sd)
	}

	if cfg.Admin.AdminEnabled() {
		startHTTP(lc, "admin", cfg.Admin.Addr, newAdminEcho(health, m), logger, sd)
	}
}

func startHTTP(lc fx.Lifecycle, name, addr string, e *echo.Echo, logger *slog.Logger, sd fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s listener %s: %w", name, addr, err)
			}
			logger.Info("starting server", "listener", name, "addr", ln.Addr().String())
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "listener", name, "err", err)
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server", "listener", name)
			return e.Shutdown(ctx)
		},
	})
}

func startRelay(lc fx.Lifecycle, rs *relay.Server, logger *slog.Logger, sd fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := rs.Listen(); err != nil {
				return err
			}
			go func() {
				if err := rs.Serve(); err != nil {
					logger.Error("relay error", "err", err)
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down relay")
			return rs.Shutdown(ctx)
		},
	})
}
