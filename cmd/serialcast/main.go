package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"serialcast/internal/bridge"
	"serialcast/internal/config"
	"serialcast/internal/handlers"
	"serialcast/internal/logging"
	"serialcast/internal/metrics"
	"serialcast/internal/serial"
	"serialcast/pkg/realtime"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats := metrics.New()
	registry := realtime.NewRegistry(realtime.WithLogger(logger), realtime.WithObserver(stats))

	var echo io.Writer
	if cfg.Serial.Echo {
		echo = os.Stdout
	}
	// Nothing can be relayed without the device, so failing here ends the process.
	feed, err := bridge.Open(serial.Config{
		Device:      cfg.Serial.Device,
		BaudRate:    cfg.Serial.Baud,
		ReadTimeout: cfg.Serial.ReadTimeout,
	}, registry, bridge.Config{
		BufferSize: cfg.Serial.BufferSize,
		Echo:       echo,
		Logger:     logger,
		Stats:      stats,
	})
	if err != nil {
		return err
	}

	router, err := newRouter(cfg, registry, stats, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	server := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		if err := feed.Run(gctx); err != nil {
			logger.Error("serial feed failed, no further data will be relayed", "error", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("started http server", "addr", "http://"+cfg.HTTP.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		registry.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("stopped", "subscribers_left", registry.Len())
	return err
}

func newRouter(cfg config.Config, registry *realtime.Registry, stats *metrics.Metrics, logger *slog.Logger) (http.Handler, error) {
	_ = mime.AddExtensionType(".js", "application/javascript")
	_ = mime.AddExtensionType(".css", "text/css")

	staticFS, err := fs.Sub(embeddedStatic, "static")
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	homeHandler := handlers.NewHomeHandler(registry, handlers.FeedInfo{
		Device: cfg.Serial.Device,
		Baud:   cfg.Serial.Baud,
		Frame:  cfg.Session.Frame,
	})
	streamHandler := handlers.NewStreamHandler(registry, handlers.StreamOptions{
		Session: realtime.SessionConfig{
			HeartbeatInterval: cfg.Session.HeartbeatInterval,
			ClientTimeout:     cfg.Session.ClientTimeout,
			OutboxSize:        cfg.Session.OutboxSize,
		},
		Binary: cfg.Session.Frame == config.FrameBinary,
		Logger: logger,
	})

	// Streams outlive any request timeout.
	streamHandler.RegisterRoutes(r)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))
		r.Mount("/static", http.StripPrefix("/static", http.FileServer(http.FS(staticFS))))
		r.Method(http.MethodGet, "/metrics", stats.Handler())
		homeHandler.RegisterRoutes(r)
	})
	return r, nil
}

//go:embed static/*
var embeddedStatic embed.FS
