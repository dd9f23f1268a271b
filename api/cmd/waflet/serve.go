package waflet

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xyctruth/whatsApp-fleet/api/pkg/config"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/runtime"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/server"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/store"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/supervisor"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the fleet supervisor api server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.LoadSupervisorConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewSQLStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	rt, err := runtime.NewDockerRuntime(cfg.Workers.Image, cfg.Workers.Network)
	if err != nil {
		return fmt.Errorf("failed to connect to docker: %w", err)
	}

	sup, err := supervisor.New(ctx, cfg, st, rt)
	if err != nil {
		return err
	}

	reconciler, err := supervisor.NewStatusReconciler(sup)
	if err != nil {
		return err
	}

	log.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("worker_image", cfg.Workers.Image).
		Msg("starting supervisor")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return reconciler.Start(ctx)
	})
	g.Go(func() error {
		return server.New(sup).ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port)
	})
	return g.Wait()
}
