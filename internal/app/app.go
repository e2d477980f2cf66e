package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	server "gridsync/server"
	"gridsync/server/internal/config"
	servernet "gridsync/server/internal/net"
	"gridsync/server/internal/telemetry"
	"gridsync/server/logging"
	loggingSinks "gridsync/server/logging/sinks"
)

const shutdownTimeout = 5 * time.Second

type Config struct {
	Logger telemetry.Logger
	// Server is the process configuration, usually from config.Load.
	Server config.Config
}

// Run serves the authority until ctx is cancelled or the listener fails.
func Run(ctx context.Context, cfg Config) error {
	telemetryLogger := cfg.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}

	logConfig := cfg.Server.LoggingConfig()
	sinks, closeFiles, err := buildSinks(logConfig)
	if err != nil {
		return err
	}
	defer closeFiles()

	router, err := logging.NewRouter(logging.ClockFunc(time.Now), logConfig, sinks)
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	hubCfg, err := cfg.Server.HubConfig()
	if err != nil {
		return fmt.Errorf("invalid hub config: %w", err)
	}
	hubCfg.Logger = telemetryLogger

	hub := server.NewHub(hubCfg, router, server.WithMetrics(router.Metrics()))
	defer hub.Close()

	handler := servernet.NewHTTPHandler(hub, servernet.HTTPHandlerConfig{
		Logger:        telemetryLogger,
		Observability: cfg.Server.Observability(),
		LoggingStats:  router.Stats,
	})
	srv := &http.Server{Addr: cfg.Server.Address, Handler: handler}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		hub.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		telemetryLogger.Printf("server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func buildSinks(cfg logging.Config) ([]logging.NamedSink, func(), error) {
	var sinks []logging.NamedSink
	var files []*os.File
	closeFiles := func() {
		for _, f := range files {
			f.Close()
		}
	}
	if cfg.HasSink("console") {
		sinks = append(sinks, logging.NamedSink{Name: "console", Sink: loggingSinks.NewConsoleSink(os.Stdout, cfg.Console)})
	}
	if cfg.HasSink("json") {
		out := os.Stdout
		if cfg.JSON.FilePath != "" {
			f, err := os.OpenFile(cfg.JSON.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				closeFiles()
				return nil, nil, fmt.Errorf("open json log %s: %w", cfg.JSON.FilePath, err)
			}
			files = append(files, f)
			out = f
		}
		sinks = append(sinks, logging.NamedSink{Name: "json", Sink: loggingSinks.NewJSON(out, cfg.JSON.FlushInterval)})
	}
	return sinks, closeFiles, nil
}
