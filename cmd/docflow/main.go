// Package main provides the docflow binary entry point.
// Docflow is the execution core of a multi-tenant document ingestion
// and workflow platform: runs, extraction queues, procedures, scheduled
// tasks, crawls, SharePoint sync, and SAM.gov pulls over NATS JetStream.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/docflow/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "docflow"
)

// Exit codes: 0 success, 2 configuration error, 3 external service
// unavailable, 1 anything else.
var (
	errConfig      = errors.New("configuration error")
	errUnavailable = errors.New("external service unavailable")
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		switch {
		case errors.Is(err, errConfig):
			os.Exit(2)
		case errors.Is(err, errUnavailable):
			os.Exit(3)
		default:
			os.Exit(1)
		}
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Document ingestion and workflow platform",
		Long: `Docflow runs the execution core of a multi-tenant document platform.

It provides:
- Background runs with a strict status machine and audit log
- Throttled extraction queues over NATS JetStream
- Declarative procedures with cron, event, and webhook triggers
- Web crawls, SharePoint sync, and SAM.gov opportunity pulls

All state lives in NATS JetStream; workers drain durable consumers.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath, logLevel)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func serve(configPath, logLevel string) error {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if configPath == "" {
		loader := config.NewLoader(logger)
		configPath = loader.FindProjectConfig()
		cfg, err = loader.Load()
	} else {
		cfg, err = config.Load(configPath)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}

	app := NewApp(cfg, configPath, logger)

	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		return err
	}

	logger.Info("Docflow ready", "version", Version, "addr", cfg.HTTP.Addr)

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()
	<-signalCtx.Done()
	logger.Info("Received shutdown signal")

	app.Shutdown(30 * time.Second)
	logger.Info("Docflow shutdown complete")
	return nil
}
