// Command playd runs the streaming execution session core over a single
// /ws endpoint: each accepted connection gets its own Session, Coordinator
// Manager, and Docker-backed sandbox, per SPEC_FULL.md §13.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/play-session/internal/config"
	"github.com/basket/play-session/internal/metrics"
	"github.com/basket/play-session/internal/sandbox"
	"github.com/basket/play-session/internal/session"
	"github.com/basket/play-session/internal/telemetry"
	"github.com/basket/play-session/internal/wsproto"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s [flags]

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config.yaml (optional; defaults are used if absent)")
	quiet := flag.Bool("quiet", false, "suppress stdout logging, write to the log file only")
	printVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *printVersion {
		fmt.Println(Version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	if *quiet {
		cfg.Quiet = true
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		return 1
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := metrics.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Error("init telemetry", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	// Each session gets its own backend handle, constructed lazily on
	// accept and torn down with the session's coordinator.
	images := buildImageSet(cfg.Sandbox.Images)
	newBackend := func() (sandbox.Backend, error) {
		return sandbox.NewDockerBackend(images, cfg.Sandbox.MemoryMB, cfg.Sandbox.NetworkMode, cfg.Sandbox.Workspace)
	}

	srv := session.New(session.ServerConfig{
		NewBackend:  newBackend,
		Sink:        provider.Sink,
		Logger:      logger,
		Parallelism: cfg.Coordinator.Parallelism,
		SessionCfg: session.Config{
			IdleTimeout:    cfg.Coordinator.IdleTimeout,
			SessionTimeout: cfg.Coordinator.SessionTimeout,
		},
	})

	httpSrv := &http.Server{
		Addr:    cfg.Listen,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("listen", "error", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return 0
}

// buildImageSet layers config-file channel->image overrides on top of the
// conventional Rust Playground images (§11 DOMAIN STACK, internal/sandbox).
func buildImageSet(overrides map[string]string) sandbox.ImageSet {
	images := sandbox.DefaultImages()
	for channel, image := range overrides {
		images[wsproto.Channel(channel)] = image
	}
	return images
}
