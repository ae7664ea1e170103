// Command weather-mcp serves the weather MCP application over streaming HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ggoodman/mcp-session-router/internal/config"
	"github.com/ggoodman/mcp-session-router/sessions"
	"github.com/ggoodman/mcp-session-router/sessions/memoryhost"
	"github.com/ggoodman/mcp-session-router/sessions/redishost"
	"github.com/ggoodman/mcp-session-router/streaminghttp"
	"github.com/ggoodman/mcp-session-router/weather"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "weather-mcp: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	host, closeHost, err := newStreamHost(cfg, log)
	if err != nil {
		return err
	}
	defer closeHost()

	registry := sessions.NewRegistry()
	h := streaminghttp.New(weather.NewServer,
		streaminghttp.WithLogger(log),
		streaminghttp.WithRegistry(registry),
		streaminghttp.WithStreamHost(host),
		streaminghttp.WithPath(cfg.MCPPath),
		streaminghttp.WithAllowOrigin(cfg.AllowOrigin),
		streaminghttp.WithKeepAlive(cfg.SSEKeepAlive),
	)

	if cfg.SessionIdleTimeout > 0 {
		go registry.RunReaper(ctx, cfg.SessionReapInterval, cfg.SessionIdleTimeout)
	}

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: h,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.listen", slog.String("addr", srv.Addr), slog.String("path", cfg.MCPPath))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("server.shutdown.start", slog.Int("sessions", registry.Len()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// Streams end when their session closes, so close sessions before
	// waiting on in-flight requests.
	registry.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server.shutdown.fail", slog.String("err", err.Error()))
		return err
	}
	log.Info("server.shutdown.ok")
	return nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	lvl, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if cfg.JSONLogs() {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler), nil
}

func newStreamHost(cfg *config.Config, log *slog.Logger) (sessions.StreamHost, func(), error) {
	if cfg.RedisAddr == "" {
		log.Info("stream_host.memory")
		return memoryhost.New(), func() {}, nil
	}
	host, err := redishost.NewFromEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("redis stream host: %w", err)
	}
	log.Info("stream_host.redis", slog.String("addr", cfg.RedisAddr))
	return host, func() {
		if err := host.Close(); err != nil {
			log.Warn("stream_host.close.fail", slog.String("err", err.Error()))
		}
	}, nil
}
