package supervisor

import (
	"context"
	"fmt"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"

	"github.com/xyctruth/whatsApp-fleet/api/pkg/system"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/types"
)

const reconcileConcurrency = 5

// StatusReconciler periodically folds each worker's polled session status
// back into the registry. Probe failures never touch the registry; a worker
// that cannot be reached simply keeps its last known status.
type StatusReconciler struct {
	supervisor *Supervisor
	cron       gocron.Scheduler
}

func NewStatusReconciler(supervisor *Supervisor) (*StatusReconciler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &StatusReconciler{
		supervisor: supervisor,
		cron:       cron,
	}, nil
}

// Start schedules the reconcile job and blocks until ctx is done.
func (r *StatusReconciler) Start(ctx context.Context) error {
	interval := r.supervisor.cfg.Reconciler.Interval

	_, err := r.cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := r.Reconcile(ctx); err != nil {
				log.Error().Err(err).Msg("status reconciliation failed")
			}
		}),
		gocron.WithName("status-reconciler"),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule reconcile job: %w", err)
	}

	r.cron.Start()
	log.Info().Dur("interval", interval).Msg("status reconciler started")

	<-ctx.Done()

	if err := r.cron.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown scheduler: %w", err)
	}
	return nil
}

// Reconcile runs one reconciliation pass over the whole fleet.
func (r *StatusReconciler) Reconcile(ctx context.Context) error {
	accounts, err := r.supervisor.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}

	return system.ForEachConcurrently(accounts, reconcileConcurrency, func(account *types.Account, _ int) error {
		r.reconcileAccount(ctx, account)
		return nil
	})
}

func (r *StatusReconciler) reconcileAccount(ctx context.Context, account *types.Account) {
	switch account.Status {
	case types.AccountStatusStopped, types.AccountStatusCreating, types.AccountStatusStarting:
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.supervisor.workers().ProbeTimeout)
	defer cancel()

	status, err := r.supervisor.client(account).Status(probeCtx)
	if err != nil {
		log.Debug().Err(err).Str("account_id", account.ID).Msg("status probe failed, keeping registry status")
		return
	}

	observed := accountStatusFor(status.Status)
	if observed == account.Status {
		return
	}

	log.Info().
		Str("account_id", account.ID).
		Str("registry_status", string(account.Status)).
		Str("observed_status", string(observed)).
		Msg("reconciling account status")
	if err := r.supervisor.store.UpdateAccountStatus(ctx, account.ID, observed); err != nil {
		log.Warn().Err(err).Str("account_id", account.ID).Msg("failed to update reconciled status")
	}
}

// accountStatusFor maps the worker's session state onto the registry's
// account lifecycle status.
func accountStatusFor(status types.SessionStatus) types.AccountStatus {
	switch status {
	case types.SessionStatusLoggedIn:
		return types.AccountStatusLoggedIn
	case types.SessionStatusAuthFailure, types.SessionStatusInitFailed, types.SessionStatusError:
		return types.AccountStatusError
	case types.SessionStatusDisconnected:
		return types.AccountStatusLoggedOut
	default:
		return types.AccountStatusRunning
	}
}
