package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"tlmwatch/internal/app"
	"tlmwatch/internal/config"
	"tlmwatch/internal/logring"
)

const logBufferLines = 500

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// The terminal view owns stdout, so logs go to a ring buffer rendered
	// by its log screen instead of a stream handler.
	logs := logring.NewBuffer(logBufferLines)
	logger := slog.New(logring.NewHandler(logs, logLevel(cfg.LogLevel)))

	application := app.New(cfg, logger, logs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "application terminated: %v\n", err)
		os.Exit(1)
	}
}

func logLevel(level string) slog.Leveler {
	var lvl slog.Level

	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	lv := new(slog.LevelVar)
	lv.Set(lvl)
	return lv
}
