// Package supervisor is the control plane: it owns the account registry,
// the port pool and the worker runtime, and drives worker sessions through
// their HTTP surface.
package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/xyctruth/whatsApp-fleet/api/pkg/config"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/ports"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/runtime"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/store"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/system"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/types"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/worker"
)

const (
	gracefulCloseTimeout = 2 * time.Second
	readyPollInterval    = time.Second
)

type Supervisor struct {
	store   store.Store
	pool    *ports.Pool
	runtime runtime.Runtime
	started time.Time

	cfgMu sync.RWMutex
	cfg   config.SupervisorConfig

	// serviceURLFor maps an allocated host port to the worker's base URL.
	// Overridden in tests.
	serviceURLFor func(port int) string
}

// New builds the supervisor and reserves ports for every persisted account,
// so restarts never hand out a port an existing account already owns.
func New(ctx context.Context, cfg config.SupervisorConfig, st store.Store, rt runtime.Runtime) (*Supervisor, error) {
	pool := ports.NewPool(cfg.Workers.BasePort, cfg.Workers.BasePort+cfg.Workers.PortRange-1)

	s := &Supervisor{
		store:   st,
		pool:    pool,
		runtime: rt,
		started: time.Now(),
		cfg:     cfg,
		serviceURLFor: func(port int) string {
			return "http://127.0.0.1:" + strconv.Itoa(port)
		},
	}

	accounts, err := st.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	for _, account := range accounts {
		pool.Reserve(account.Port)
	}
	log.Info().Int("accounts", len(accounts)).Msg("supervisor loaded account registry")

	return s, nil
}

func (s *Supervisor) workers() config.Workers {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg.Workers
}

// WorkersConfig exposes the live worker settings.
func (s *Supervisor) WorkersConfig() config.Workers {
	return s.workers()
}

// UpdateWorkersConfig swaps the worker settings for subsequent spawns.
// Ports already allocated keep their original range.
func (s *Supervisor) UpdateWorkersConfig(workers config.Workers) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.cfg.Workers = workers
	log.Info().Str("image", workers.Image).Msg("worker config updated")
}

// client returns a non-retrying handle for probes and teardown calls.
func (s *Supervisor) client(account *types.Account) *worker.Client {
	return worker.NewClient(account.ServiceURL, 0)
}

// loginClient retries through a fresh worker's warm-up window.
func (s *Supervisor) loginClient(account *types.Account) *worker.Client {
	return worker.NewClient(account.ServiceURL, s.workers().LoginRetries)
}

func (s *Supervisor) handleFor(account *types.Account) runtime.Handle {
	return runtime.Handle{ID: account.ContainerRef, Name: runtime.WorkerName(account.ID)}
}

func (s *Supervisor) sessionDirFor(accountID string) string {
	return filepath.Join(s.workers().SessionDataDir, accountID)
}

// CreateAccount registers an account, claims it a port and spawns its
// worker. A soft-deleted record with the same ID is recovered instead of
// recreated, keeping its session data attached.
func (s *Supervisor) CreateAccount(ctx context.Context, req *types.CreateAccountRequest) (*types.Account, error) {
	id := req.ID
	if id == "" {
		id = system.GenerateAccountID()
	}

	if existing, err := s.store.GetAccount(ctx, id); err == nil {
		return existing, system.NewHTTPError409(fmt.Sprintf("account %s already exists", id))
	}

	account, recovered, err := s.reviveOrCreate(ctx, id, req)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("account_id", account.ID).
		Int("port", account.Port).
		Bool("recovered", recovered).
		Msg("account registered")

	if err := s.spawnAndAwait(ctx, account); err != nil {
		// The record survives with error status so the caller can retry,
		// but the port goes back to the pool.
		s.pool.Release(account.Port)
		_ = s.store.UpdateAccountStatus(ctx, account.ID, types.AccountStatusError)
		return nil, err
	}

	account.Status = types.AccountStatusRunning
	return s.store.UpdateAccount(ctx, account)
}

func (s *Supervisor) reviveOrCreate(ctx context.Context, id string, req *types.CreateAccountRequest) (*types.Account, bool, error) {
	if deleted, err := s.store.GetAccountIncludingDeleted(ctx, id); err == nil {
		if err := s.store.RestoreAccount(ctx, id); err != nil {
			return nil, false, fmt.Errorf("failed to recover account %s: %w", id, err)
		}
		if s.pool.IsUsed(deleted.Port) {
			// Original port was re-issued while the record was deleted.
			port, err := s.pool.Allocate()
			if err != nil {
				return nil, false, err
			}
			deleted.Port = port
		} else {
			s.pool.Reserve(deleted.Port)
		}
		deleted.Status = types.AccountStatusCreating
		deleted.ServiceURL = s.serviceURLFor(deleted.Port)
		account, err := s.store.UpdateAccount(ctx, deleted)
		return account, true, err
	}

	port, err := s.pool.Allocate()
	if err != nil {
		return nil, false, err
	}
	account, err := s.store.CreateAccount(ctx, &types.Account{
		ID:         id,
		Name:       req.Name,
		Phone:      req.Phone,
		Status:     types.AccountStatusCreating,
		Port:       port,
		ServiceURL: s.serviceURLFor(port),
	})
	if err != nil {
		s.pool.Release(port)
		return nil, false, err
	}
	return account, false, nil
}

// spawnAndAwait launches the worker and blocks until it answers status
// probes or the spawn timeout lapses.
func (s *Supervisor) spawnAndAwait(ctx context.Context, account *types.Account) error {
	workers := s.workers()

	handle, err := s.runtime.Spawn(ctx, runtime.Spec{
		AccountID:    account.ID,
		HostPort:     account.Port,
		InternalPort: workers.BasePort,
		SessionDir:   s.sessionDirFor(account.ID),
	})
	if err != nil {
		return fmt.Errorf("failed to spawn worker for %s: %w", account.ID, err)
	}
	account.ContainerRef = handle.ID

	if err := s.waitForWorkerReady(ctx, account); err != nil {
		_ = s.runtime.Kill(ctx, handle)
		return err
	}
	return nil
}

// waitForWorkerReady polls the worker's status endpoint once a second until
// it answers or the spawn timeout runs out.
func (s *Supervisor) waitForWorkerReady(ctx context.Context, account *types.Account) error {
	workers := s.workers()
	client := s.client(account)

	attempts := uint(workers.SpawnTimeout / readyPollInterval)
	if attempts == 0 {
		attempts = 1
	}

	err := retry.Do(func() error {
		probeCtx, cancel := context.WithTimeout(ctx, workers.ProbeTimeout)
		defer cancel()
		_, err := client.Status(probeCtx)
		return err
	},
		retry.Attempts(attempts),
		retry.Delay(readyPollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		return fmt.Errorf("worker for %s not ready within %s: %w", account.ID, workers.SpawnTimeout, err)
	}

	log.Info().Str("account_id", account.ID).Msg("worker ready")
	return nil
}

func (s *Supervisor) GetAccount(ctx context.Context, id string) (*types.Account, error) {
	return s.store.GetAccount(ctx, id)
}

func (s *Supervisor) ListAccounts(ctx context.Context) ([]*types.Account, error) {
	return s.store.ListAccounts(ctx)
}

// StartAccount (re)spawns the account's worker. Spawning is idempotent at
// the runtime level, so a half-dead worker is simply replaced.
func (s *Supervisor) StartAccount(ctx context.Context, id string) (*types.Account, error) {
	account, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	if account.Status == types.AccountStatusRunning || account.Status == types.AccountStatusLoggedIn {
		if alive, err := s.runtime.IsAlive(ctx, s.handleFor(account)); err == nil && alive {
			return account, nil
		}
	}

	_ = s.store.UpdateAccountStatus(ctx, id, types.AccountStatusStarting)
	if err := s.spawnAndAwait(ctx, account); err != nil {
		_ = s.store.UpdateAccountStatus(ctx, id, types.AccountStatusError)
		return nil, err
	}

	account.Status = types.AccountStatusRunning
	return s.store.UpdateAccount(ctx, account)
}

// StopAccount asks the worker to close its session, then removes the
// instance. The account keeps its port.
func (s *Supervisor) StopAccount(ctx context.Context, id string) error {
	account, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return err
	}

	s.gracefulClose(ctx, account)
	if err := s.runtime.Kill(ctx, s.handleFor(account)); err != nil {
		log.Warn().Err(err).Str("account_id", id).Msg("failed to remove worker instance")
	}
	return s.store.UpdateAccountStatus(ctx, id, types.AccountStatusStopped)
}

// gracefulClose gives the worker a short window to shut its session down
// cleanly. Failure just means the instance gets removed hard.
func (s *Supervisor) gracefulClose(ctx context.Context, account *types.Account) {
	closeCtx, cancel := context.WithTimeout(ctx, gracefulCloseTimeout)
	defer cancel()
	if err := s.client(account).Close(closeCtx); err != nil {
		log.Debug().Err(err).Str("account_id", account.ID).Msg("graceful close failed")
	}
}

// DeleteAccount stops the worker, releases the port and soft-deletes the
// record so the identity can be recovered later.
func (s *Supervisor) DeleteAccount(ctx context.Context, id string) error {
	account, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return err
	}

	s.gracefulClose(ctx, account)
	if err := s.runtime.Kill(ctx, s.handleFor(account)); err != nil {
		log.Warn().Err(err).Str("account_id", id).Msg("failed to remove worker instance")
	}

	s.pool.Release(account.Port)
	if err := s.store.DeleteAccount(ctx, id); err != nil {
		return err
	}
	log.Info().Str("account_id", id).Int("port", account.Port).Msg("account deleted")
	return nil
}

func (s *Supervisor) RestartAccount(ctx context.Context, id string) (*types.Account, error) {
	if err := s.StopAccount(ctx, id); err != nil {
		return nil, err
	}
	return s.StartAccount(ctx, id)
}

// RestartAllAccounts kicks off a bounded-concurrency restart of the whole
// fleet and returns immediately.
func (s *Supervisor) RestartAllAccounts(ctx context.Context) (int, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return 0, err
	}

	go func() {
		err := system.ForEachConcurrently(accounts, 4, func(account *types.Account, _ int) error {
			if _, err := s.RestartAccount(context.Background(), account.ID); err != nil {
				log.Error().Err(err).Str("account_id", account.ID).Msg("fleet restart: account failed")
			}
			return nil
		})
		if err != nil {
			log.Error().Err(err).Msg("fleet restart failed")
		}
	}()

	return len(accounts), nil
}

// LoginToWorker is the self-healing login path: a stopped, errored or
// unresponsive worker is respawned before the login is forwarded, and the
// forwarded request itself retries through the warm-up window.
func (s *Supervisor) LoginToWorker(ctx context.Context, id string, req *types.LoginRequest) (*types.LoginResult, error) {
	account, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	if !s.workerResponds(ctx, account) {
		log.Info().Str("account_id", id).Str("status", string(account.Status)).Msg("worker unhealthy, respawning before login")
		account, err = s.StartAccount(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to respawn worker for %s: %w", id, err)
		}
	}

	result, err := s.loginClient(account).Login(ctx, &types.WorkerLoginRequest{
		Method:            req.Method,
		Phone:             req.Phone,
		Proxy:             req.Proxy,
		DisableQRFallback: req.DisableQRFallback,
		DowngradeTimeout:  req.DowngradeTimeout,
	})
	if err != nil {
		return nil, err
	}

	if req.Phone != "" && account.Phone != req.Phone {
		account.Phone = req.Phone
		if _, err := s.store.UpdateAccount(ctx, account); err != nil {
			log.Warn().Err(err).Str("account_id", id).Msg("failed to record account phone")
		}
	}
	if result.Status == types.SessionStatusLoggedIn {
		_ = s.store.UpdateAccountStatus(ctx, id, types.AccountStatusLoggedIn)
	}
	return result, nil
}

func (s *Supervisor) workerResponds(ctx context.Context, account *types.Account) bool {
	if account.Status == types.AccountStatusStopped || account.Status == types.AccountStatusError {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, s.workers().ProbeTimeout)
	defer cancel()
	_, err := s.client(account).Status(probeCtx)
	return err == nil
}

// SessionStatus proxies the worker's login state machine status.
func (s *Supervisor) SessionStatus(ctx context.Context, id string) (*types.SessionStatusResponse, error) {
	account, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.client(account).LoginStatus(ctx)
}

func (s *Supervisor) Logout(ctx context.Context, id string) error {
	account, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	if err := s.client(account).Logout(ctx); err != nil {
		return err
	}
	return s.store.UpdateAccountStatus(ctx, id, types.AccountStatusLoggedOut)
}

func (s *Supervisor) CloseSession(ctx context.Context, id string) error {
	account, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	return s.client(account).Close(ctx)
}

// SendMessage forwards to the worker and bumps the account's activity
// counters on success.
func (s *Supervisor) SendMessage(ctx context.Context, id string, req *types.SendMessageRequest) error {
	account, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	if err := s.client(account).SendMessage(ctx, req); err != nil {
		return err
	}
	if err := s.store.BumpAccountActivity(ctx, id); err != nil {
		log.Warn().Err(err).Str("account_id", id).Msg("failed to bump account activity")
	}
	return nil
}

func (s *Supervisor) Contacts(ctx context.Context, id string) ([]types.Contact, error) {
	account, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.client(account).Contacts(ctx)
}

func (s *Supervisor) AddContact(ctx context.Context, id string, req *types.AddContactRequest) error {
	account, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	return s.client(account).AddContact(ctx, req)
}

func (s *Supervisor) CreateGroup(ctx context.Context, id string, req *types.CreateGroupRequest) (string, error) {
	account, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return "", err
	}
	return s.client(account).CreateGroup(ctx, req)
}

func (s *Supervisor) AddGroupParticipants(ctx context.Context, id string, req *types.AddGroupParticipantsRequest) error {
	account, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	return s.client(account).AddGroupParticipants(ctx, req)
}

func (s *Supervisor) ProxyStatus(ctx context.Context, id string) (*types.ProxyStatusResponse, error) {
	account, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.client(account).ProxyStatus(ctx)
}

func (s *Supervisor) SwitchProxy(ctx context.Context, id string, cfg *types.ProxyConfig) error {
	account, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	return s.client(account).SwitchProxy(ctx, cfg)
}

func (s *Supervisor) ExternalIP(ctx context.Context, id string) (string, error) {
	account, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return "", err
	}
	return s.client(account).ExternalIP(ctx)
}

// FindAvailableWorker returns a running worker not yet bound to a phone
// identity, if any.
func (s *Supervisor) FindAvailableWorker(ctx context.Context) (*types.Account, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	for _, account := range accounts {
		if account.Phone == "" && account.Status == types.AccountStatusRunning {
			return account, nil
		}
	}
	return nil, store.ErrNotFound
}

// ReuseWorkerForPhone binds an unbound running worker to a phone identity.
func (s *Supervisor) ReuseWorkerForPhone(ctx context.Context, req *types.ReuseWorkerRequest) (*types.Account, error) {
	account, err := s.store.GetAccount(ctx, req.WorkerID)
	if err != nil {
		return nil, err
	}
	if account.Phone != "" {
		return nil, system.NewHTTPError409(fmt.Sprintf("worker %s is already bound to %s", account.ID, account.Phone))
	}
	account.Phone = req.Phone
	return s.store.UpdateAccount(ctx, account)
}

// Health aggregates the fleet view.
func (s *Supervisor) Health(ctx context.Context) (*types.HealthStatus, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	health := &types.HealthStatus{
		Status:     "ok",
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Accounts:   accounts,
		TotalCount: len(accounts),
	}
	for _, account := range accounts {
		switch account.Status {
		case types.AccountStatusRunning:
			health.RunningCount++
		case types.AccountStatusLoggedIn:
			health.RunningCount++
			health.LoggedInCount++
		}
	}
	return health, nil
}

func (s *Supervisor) Stats(ctx context.Context) (*types.FleetStats, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	stats := &types.FleetStats{
		TotalAccounts: len(accounts),
		PortsUsed:     s.pool.UsedCount(),
		PortsFree:     s.pool.FreeCount(),
	}
	for _, account := range accounts {
		stats.TotalMessages += account.MessagesSent
		switch account.Status {
		case types.AccountStatusRunning:
			stats.RunningAccounts++
		case types.AccountStatusLoggedIn:
			stats.RunningAccounts++
			stats.LoggedInAccounts++
		}
	}
	return stats, nil
}
