package waflet

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/xyctruth/whatsApp-fleet/api/pkg/config"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/engine"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/proxytunnel"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/session"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/worker"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start one session worker process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context())
		},
	}
}

func runWorker(ctx context.Context) error {
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.AccountID == "" {
		return fmt.Errorf("ACCOUNT_ID is required")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	controller := session.New(session.Options{
		AccountID:        cfg.AccountID,
		SessionDir:       cfg.SessionDataDir,
		Factory:          engine.NewRodFactory(cfg.ChromePath),
		Tunnels:          proxytunnel.NewManager(),
		LoginTimeout:     cfg.LoginTimeout,
		DowngradeTimeout: cfg.DowngradeTimeout,
	})
	defer controller.Close(false)

	log.Info().
		Str("account_id", cfg.AccountID).
		Int("port", cfg.Port).
		Msg("starting worker")

	return worker.NewServer(controller).ListenAndServe(ctx, "0.0.0.0", cfg.Port)
}
