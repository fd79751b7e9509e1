package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jameshartig/emporiasync/pkg/auth"
	"github.com/jameshartig/emporiasync/pkg/controller"
	"github.com/jameshartig/emporiasync/pkg/emporia"
	"github.com/jameshartig/emporiasync/pkg/log"
	"github.com/jameshartig/emporiasync/pkg/metrics"
	"github.com/jameshartig/emporiasync/pkg/publish"
	"github.com/jameshartig/emporiasync/pkg/registry"
	"github.com/jameshartig/emporiasync/pkg/server"
	"github.com/jameshartig/emporiasync/pkg/storage"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	s := storage.Configured()
	sessions := auth.Configured()
	client := emporia.Configured(sessions)
	mq := publish.Configured()

	reg := registry.New(s)
	ctrl := controller.Configured(client, reg)

	// init server
	srv := server.Configured(ctrl, reg, metrics.Registry(reg, auth.MetricsCollectors()))

	// parse flags
	lflag.Configure()

	// lflag automatically sets llog's level, but we need to set the slog level
	level, err := log.LevelFromLLog(llog.GetLevel())
	if err != nil {
		panic(fmt.Errorf("failed to configure logger: %w", err))
	}
	log.SetDefaultLogLevel(level)
	log.SetDefault()
	log.Default().Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// If initialization inside lflag.Do failed, we wouldn't be here (panic).
	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()
	defer mq.Close()

	if err := reg.Load(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to load nodes", "error", err)
		os.Exit(1)
	}
	if mq.Enabled() {
		reg.Observe(mq)
	}

	// a failed login leaves the server up so the notices can be read
	if err := ctrl.Start(ctx, sessions.DefaultCredentials()); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to start", "error", err)
	}

	go func() {
		if err := ctrl.Run(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "controller failed", "error", err)
		}
	}()

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		cancel()
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
