package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cursorbot/cursorbot/internal/app"
	"github.com/cursorbot/cursorbot/internal/config"
)

// Exit codes: 0 clean, 1 runtime failure, 2 configuration error, 130
// terminated by signal.
const (
	exitRuntime = 1
	exitConfig  = 2
	exitSignal  = 130
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := config.ResolvePath(cfgFile)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(exitConfig)
	}

	a, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to assemble gateway", "error", err)
		os.Exit(exitConfig)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	var signalled atomic.Bool
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		signalled.Store(true)
		cancel()
	}()

	if err := a.Run(ctx); err != nil {
		slog.Error("gateway failed", "error", err)
		os.Exit(exitRuntime)
	}
	if signalled.Load() {
		os.Exit(exitSignal)
	}
}
