// Package session owns the worker's login state machine. One controller
// manages one identity: it launches automation engine attempts, projects
// their progress (QR image or pairing code), falls back from phone pairing
// to QR when the code goes unconfirmed, and recovers once from browser
// profile singleton conflicts.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xyctruth/whatsApp-fleet/api/pkg/engine"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/proxytunnel"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/types"
)

var ErrNotLoggedIn = errors.New("session is not logged in")

const (
	defaultLoginTimeout     = 90 * time.Second
	defaultDowngradeTimeout = 3 * time.Minute
	defaultPollInterval     = 200 * time.Millisecond
	defaultSingletonGrace   = 2 * time.Second
)

type Options struct {
	AccountID  string
	SessionDir string
	Factory    engine.Factory
	Tunnels    *proxytunnel.Manager

	// LoginTimeout bounds how long StartLogin waits for an artifact or a
	// terminal state before giving up on the projection.
	LoginTimeout time.Duration
	// DowngradeTimeout is how long an unconfirmed pairing code is allowed
	// to sit before the attempt restarts with QR. Overridable per request.
	DowngradeTimeout time.Duration
	PollInterval     time.Duration
	// SingletonGrace is the settle time between killing a stray browser
	// and relaunching over the same profile.
	SingletonGrace time.Duration
}

// Controller is the per-identity session state machine.
//
// Every login attempt carries a generation number; engine callbacks and
// fallback timers from superseded attempts are ignored, so a restart never
// races its predecessor's events.
type Controller struct {
	opts   Options
	events *eventLog

	mu       sync.Mutex
	gen      int
	status   types.SessionStatus
	method   types.LoginMethod
	qr       string
	pairing  string
	lastErr  string
	proxy    *types.ProxyConfig
	eng      engine.Engine
	fallback *time.Timer
}

func New(opts Options) *Controller {
	if opts.LoginTimeout <= 0 {
		opts.LoginTimeout = defaultLoginTimeout
	}
	if opts.DowngradeTimeout <= 0 {
		opts.DowngradeTimeout = defaultDowngradeTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.SingletonGrace <= 0 {
		opts.SingletonGrace = defaultSingletonGrace
	}
	if opts.Tunnels == nil {
		opts.Tunnels = proxytunnel.NewManager()
	}

	c := &Controller{
		opts:   opts,
		events: newEventLog(),
		status: types.SessionStatusIdle,
	}
	c.proxy = c.loadPersistedProxy()
	return c
}

func (c *Controller) profileDir() string {
	return filepath.Join(c.opts.SessionDir, "profile")
}

// StartLogin drives one login attempt to its first observable outcome.
//
// Already logged in: returns success without touching the session. Attempt
// in flight with the same method: returns that attempt's projection without
// restarting anything. Attempt in flight with a different method: tears the
// old attempt down (keeping the proxy tunnel) and starts over.
func (c *Controller) StartLogin(ctx context.Context, req *types.WorkerLoginRequest) (*types.LoginResult, error) {
	method := req.Method
	if method == "" {
		method = types.LoginMethodQR
	}
	phone := normalizePhone(req.Phone)
	if method == types.LoginMethodPhone && phone == "" {
		return nil, fmt.Errorf("phone login requires a phone number")
	}

	c.mu.Lock()
	var stale engine.Engine
	switch c.status {
	case types.SessionStatusLoggedIn:
		c.mu.Unlock()
		return &types.LoginResult{
			Success: true,
			Status:  types.SessionStatusLoggedIn,
			Message: "already logged in",
		}, nil
	case types.SessionStatusInitializing, types.SessionStatusWaitingForScan, types.SessionStatusWaitingForCode:
		if method == c.method {
			c.mu.Unlock()
			return c.project(ctx)
		}
		log.Info().
			Str("account_id", c.opts.AccountID).
			Str("old_method", string(c.method)).
			Str("new_method", string(method)).
			Msg("login method changed, restarting attempt")
		stale = c.teardownLocked(true)
	}

	if req.Proxy != nil {
		c.proxy = req.Proxy
	} else if c.proxy == nil {
		c.proxy = c.loadPersistedProxy()
	}
	proxyCfg := c.proxy

	downgrade := c.opts.DowngradeTimeout
	if req.DowngradeTimeout > 0 {
		downgrade = time.Duration(req.DowngradeTimeout) * time.Millisecond
	}

	gen := c.beginAttemptLocked(method)
	c.mu.Unlock()

	if stale != nil {
		_ = stale.Destroy()
	}
	if req.Proxy != nil {
		c.persistProxy(req.Proxy)
	}

	if err := c.runInit(ctx, gen, method, phone, proxyCfg); err != nil {
		if method == types.LoginMethodPhone && !req.DisableQRFallback {
			log.Warn().Err(err).
				Str("account_id", c.opts.AccountID).
				Msg("phone login failed to initialize, falling back to qr")
			c.downgradeToQR(ctx, gen)
		} else {
			return &types.LoginResult{
				Success: false,
				Status:  types.SessionStatusInitFailed,
				Message: err.Error(),
			}, nil
		}
	} else if method == types.LoginMethodPhone && !req.DisableQRFallback {
		c.armFallback(gen, downgrade)
	}

	return c.project(ctx)
}

// beginAttemptLocked bumps the generation and resets attempt state.
func (c *Controller) beginAttemptLocked(method types.LoginMethod) int {
	c.gen++
	c.status = types.SessionStatusInitializing
	c.method = method
	c.qr = ""
	c.pairing = ""
	c.lastErr = ""
	return c.gen
}

// runInit launches the engine for attempt gen. A singleton-lock conflict is
// retried exactly once after evicting the stray browser; a second failure
// (or any other failure) marks the attempt init_failed.
func (c *Controller) runInit(ctx context.Context, gen int, method types.LoginMethod, phone string, proxyCfg *types.ProxyConfig) error {
	profile := c.profileDir()
	removeSingletonMarkers(profile)

	var proxyURL string
	if proxyCfg != nil {
		tunnel, err := c.opts.Tunnels.Ensure(proxyCfg)
		if err != nil {
			c.failAttempt(gen, err)
			return err
		}
		proxyURL = tunnel.BrowserProxyURL()
	}

	opts := engine.InitOptions{
		SessionDir: profile,
		ProxyURL:   proxyURL,
	}
	if method == types.LoginMethodPhone {
		opts.PairingPhone = phone
	}

	eng := c.opts.Factory(c.bindEvents(gen))
	if !c.adoptEngine(gen, eng) {
		_ = eng.Destroy()
		return fmt.Errorf("login attempt superseded")
	}

	err := eng.Initialize(ctx, opts)
	if err != nil && engine.IsAlreadyRunning(err) {
		log.Warn().
			Str("account_id", c.opts.AccountID).
			Msg("profile singleton conflict, evicting stray browser and retrying once")
		_ = eng.Destroy()
		killStrayBrowsers(ctx, profile)
		removeSingletonMarkers(profile)
		time.Sleep(c.opts.SingletonGrace)

		eng = c.opts.Factory(c.bindEvents(gen))
		if !c.adoptEngine(gen, eng) {
			_ = eng.Destroy()
			return fmt.Errorf("login attempt superseded")
		}
		err = eng.Initialize(ctx, opts)
	}
	if err != nil {
		_ = eng.Destroy()
		c.failAttempt(gen, err)
		return err
	}

	c.events.add("login-started", types.SessionStatusInitializing, string(method))
	return nil
}

func (c *Controller) adoptEngine(gen int, eng engine.Engine) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.eng = eng
	return true
}

func (c *Controller) failAttempt(gen int, err error) {
	if c.withGen(gen, func() {
		c.status = types.SessionStatusInitFailed
		c.lastErr = err.Error()
		c.qr = ""
		c.pairing = ""
		c.eng = nil
	}) {
		c.events.add("init-failed", types.SessionStatusInitFailed, err.Error())
	}
}

// armFallback schedules the phone-to-QR downgrade for attempt gen.
func (c *Controller) armFallback(gen int, after time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	c.fallback = time.AfterFunc(after, func() {
		c.mu.Lock()
		if c.gen != gen || c.status == types.SessionStatusLoggedIn {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		log.Info().
			Str("account_id", c.opts.AccountID).
			Dur("after", after).
			Msg("pairing code unconfirmed, downgrading to qr login")
		c.events.add("qr-fallback", types.SessionStatusInitializing, "pairing code not confirmed in time")
		c.downgradeToQR(context.Background(), gen)
	})
}

// downgradeToQR replaces attempt gen with a fresh QR attempt over the same
// proxy. If the QR attempt itself fails to initialize, the session lands in
// init_failed and the pending StartLogin observes the failure.
func (c *Controller) downgradeToQR(ctx context.Context, gen int) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	stale := c.teardownLocked(true)
	newGen := c.beginAttemptLocked(types.LoginMethodQR)
	proxyCfg := c.proxy
	c.mu.Unlock()

	if stale != nil {
		_ = stale.Destroy()
	}
	if err := c.runInit(ctx, newGen, types.LoginMethodQR, "", proxyCfg); err != nil {
		log.Error().Err(err).
			Str("account_id", c.opts.AccountID).
			Msg("qr fallback attempt failed to initialize")
	}
}

// project waits for the running attempt's first observable outcome: an
// artifact (QR or pairing code), logged_in, or a terminal failure.
func (c *Controller) project(ctx context.Context) (*types.LoginResult, error) {
	snap, err := c.waitFor(ctx, c.opts.LoginTimeout, func(s Snapshot) bool {
		switch s.Status {
		case types.SessionStatusLoggedIn,
			types.SessionStatusAuthFailure,
			types.SessionStatusInitFailed,
			types.SessionStatusDisconnected,
			types.SessionStatusError,
			types.SessionStatusIdle:
			return true
		}
		return s.QRCode != "" || s.PairingCode != ""
	})
	if err != nil {
		return &types.LoginResult{
			Success: false,
			Status:  snap.Status,
			Message: fmt.Sprintf("no login progress within %s", c.opts.LoginTimeout),
		}, nil
	}

	switch snap.Status {
	case types.SessionStatusLoggedIn:
		return &types.LoginResult{Success: true, Status: snap.Status, Message: "logged in"}, nil
	case types.SessionStatusWaitingForScan, types.SessionStatusWaitingForCode, types.SessionStatusInitializing:
		return &types.LoginResult{
			Success:     true,
			Status:      snap.Status,
			QRCode:      snap.QRCode,
			PairingCode: snap.PairingCode,
		}, nil
	default:
		msg := snap.LastError
		if msg == "" {
			msg = fmt.Sprintf("login attempt ended in %s", snap.Status)
		}
		return &types.LoginResult{Success: false, Status: snap.Status, Message: msg}, nil
	}
}

// waitFor polls the snapshot until pred holds, the timeout lapses, or ctx
// is done. It always returns the last snapshot it saw.
func (c *Controller) waitFor(ctx context.Context, timeout time.Duration, pred func(Snapshot) bool) (Snapshot, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		snap := c.Snapshot()
		if pred(snap) {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-deadline.C:
			return snap, fmt.Errorf("timed out after %s", timeout)
		case <-ticker.C:
		}
	}
}

func (c *Controller) withGen(gen int, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	fn()
	return true
}

func (c *Controller) bindEvents(gen int) engine.Events {
	return engine.Events{
		OnQR: func(payload string) {
			if c.withGen(gen, func() {
				c.qr = payload
				c.pairing = ""
				if c.status != types.SessionStatusLoggedIn {
					c.status = types.SessionStatusWaitingForScan
				}
			}) {
				c.events.add("qr-ready", types.SessionStatusWaitingForScan, "")
			}
		},
		OnPairingCode: func(code string) {
			if c.withGen(gen, func() {
				c.pairing = code
				c.qr = ""
				if c.status != types.SessionStatusLoggedIn {
					c.status = types.SessionStatusWaitingForCode
				}
			}) {
				c.events.add("pairing-code-ready", types.SessionStatusWaitingForCode, code)
			}
		},
		OnAuthenticated: func() {
			if c.withGen(gen, func() {
				c.markLoggedInLocked()
			}) {
				c.events.add("authenticated", types.SessionStatusLoggedIn, "")
			}
		},
		OnReady: func() {
			if c.withGen(gen, func() {
				c.markLoggedInLocked()
			}) {
				c.events.add("session-ready", types.SessionStatusLoggedIn, "")
			}
		},
		OnAuthFailure: func(err error) {
			if c.withGen(gen, func() {
				c.status = types.SessionStatusAuthFailure
				c.lastErr = err.Error()
				c.qr = ""
				c.pairing = ""
			}) {
				c.events.add("auth-failed", types.SessionStatusAuthFailure, err.Error())
				go c.dropEngine(gen)
			}
		},
		OnDisconnected: func(reason string) {
			if c.withGen(gen, func() {
				c.status = types.SessionStatusDisconnected
				c.lastErr = reason
				c.qr = ""
				c.pairing = ""
			}) {
				c.events.add("disconnected", types.SessionStatusDisconnected, reason)
				go c.dropEngine(gen)
			}
		},
		OnMessage: func(from, body string) {
			c.events.add("message-received", types.SessionStatusLoggedIn, from)
		},
		OnFault: func(err error) {
			if c.withGen(gen, func() {
				c.lastErr = err.Error()
				if c.status == types.SessionStatusLoggedIn {
					c.status = types.SessionStatusError
				} else {
					c.status = types.SessionStatusInitFailed
				}
			}) {
				c.events.add("engine-fault", "", err.Error())
				go c.dropEngine(gen)
			}
		},
	}
}

func (c *Controller) markLoggedInLocked() {
	c.status = types.SessionStatusLoggedIn
	c.qr = ""
	c.pairing = ""
	c.lastErr = ""
	if c.fallback != nil {
		c.fallback.Stop()
		c.fallback = nil
	}
}

// dropEngine destroys attempt gen's engine without resetting the visible
// status, so terminal states stay observable until the next login.
func (c *Controller) dropEngine(gen int) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	eng := c.eng
	c.eng = nil
	if c.fallback != nil {
		c.fallback.Stop()
		c.fallback = nil
	}
	c.mu.Unlock()

	if eng != nil {
		_ = eng.Destroy()
	}
}

// teardownLocked invalidates the current attempt and resets to idle. It
// returns the engine for the caller to destroy outside the lock.
func (c *Controller) teardownLocked(keepProxy bool) engine.Engine {
	c.gen++
	eng := c.eng
	c.eng = nil
	if c.fallback != nil {
		c.fallback.Stop()
		c.fallback = nil
	}
	c.status = types.SessionStatusIdle
	c.method = ""
	c.qr = ""
	c.pairing = ""
	c.lastErr = ""
	if !keepProxy {
		c.opts.Tunnels.Stop()
	}
	return eng
}

// Close tears the session down. With keepProxy the tunnel stays up for the
// next login over the same upstream.
func (c *Controller) Close(keepProxy bool) {
	c.mu.Lock()
	eng := c.teardownLocked(keepProxy)
	c.mu.Unlock()

	if eng != nil {
		_ = eng.Destroy()
	}
	c.events.add("session-closed", types.SessionStatusIdle, "")
	log.Info().Str("account_id", c.opts.AccountID).Bool("keep_proxy", keepProxy).Msg("session closed")
}

// Logout signs the account out remotely, then tears the session down.
func (c *Controller) Logout(ctx context.Context) error {
	c.mu.Lock()
	eng := c.eng
	loggedIn := c.status == types.SessionStatusLoggedIn
	c.mu.Unlock()

	var logoutErr error
	if loggedIn && eng != nil {
		logoutErr = eng.Logout(ctx)
	}
	c.Close(true)
	if logoutErr != nil {
		return fmt.Errorf("remote logout failed: %w", logoutErr)
	}
	return nil
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Status:      c.status,
		Method:      c.method,
		QRCode:      c.qr,
		PairingCode: c.pairing,
		LastError:   c.lastErr,
		Proxy:       c.proxy,
	}
}

// Status builds the wire-level status response.
func (c *Controller) Status() *types.SessionStatusResponse {
	snap := c.Snapshot()
	resp := &types.SessionStatusResponse{
		Success:     true,
		Status:      snap.Status,
		Method:      snap.Method,
		QRCode:      snap.QRCode,
		PairingCode: snap.PairingCode,
		LastError:   snap.LastError,
	}
	if snap.Proxy != nil {
		resp.Proxy = snap.Proxy.Redacted()
	}
	return resp
}

// Events returns the bounded event history, oldest first.
func (c *Controller) Events() []types.SessionEvent {
	return c.events.recent()
}

// Subscribe attaches a live event listener. The returned cancel func must
// be called to release it.
func (c *Controller) Subscribe() (<-chan types.SessionEvent, func()) {
	return c.events.subscribe()
}
