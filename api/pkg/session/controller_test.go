package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xyctruth/whatsApp-fleet/api/pkg/engine"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/proxytunnel"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/types"
)

type fakeEngine struct {
	events engine.Events
	// script runs async after a successful Initialize, standing in for
	// the browser's event stream.
	script  func(fe *fakeEngine, opts engine.InitOptions)
	initErr error
	sendErr error

	mu        sync.Mutex
	opts      engine.InitOptions
	destroyed bool
}

func (f *fakeEngine) Initialize(ctx context.Context, opts engine.InitOptions) error {
	f.mu.Lock()
	f.opts = opts
	f.mu.Unlock()
	if f.initErr != nil {
		return f.initErr
	}
	if f.script != nil {
		go f.script(f, opts)
	}
	return nil
}

func (f *fakeEngine) SendMessage(ctx context.Context, target, message string) error {
	return f.sendErr
}

func (f *fakeEngine) Contacts(ctx context.Context) ([]engine.Contact, error) {
	return []engine.Contact{{Phone: "15550001111", FirstName: "Ada"}}, nil
}

func (f *fakeEngine) AddContact(ctx context.Context, phone, firstName, lastName string) error {
	return nil
}

func (f *fakeEngine) CreateGroup(ctx context.Context, name string, participants []string) (string, error) {
	return "group-1", nil
}

func (f *fakeEngine) AddParticipants(ctx context.Context, groupID string, participants []string) error {
	return nil
}

func (f *fakeEngine) Logout(ctx context.Context) error { return nil }

func (f *fakeEngine) Destroy() error {
	f.mu.Lock()
	f.destroyed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) isDestroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

func (f *fakeEngine) initOpts() engine.InitOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts
}

type fakeFactory struct {
	mu        sync.Mutex
	instances []*fakeEngine
	// prepare configures the n-th engine (0-based) before it is handed out.
	prepare func(n int, fe *fakeEngine)
}

func (ff *fakeFactory) factory(events engine.Events) engine.Engine {
	fe := &fakeEngine{events: events}
	ff.mu.Lock()
	n := len(ff.instances)
	ff.instances = append(ff.instances, fe)
	ff.mu.Unlock()
	if ff.prepare != nil {
		ff.prepare(n, fe)
	}
	return fe
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.instances)
}

func (ff *fakeFactory) instance(n int) *fakeEngine {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.instances[n]
}

func emitQR(fe *fakeEngine, opts engine.InitOptions) {
	if opts.PairingPhone != "" {
		fe.events.OnPairingCode("ABCD-1234")
		return
	}
	fe.events.OnQR("data:image/png;base64,qr")
}

func newTestController(t *testing.T, ff *fakeFactory, mutate func(*Options)) *Controller {
	t.Helper()
	opts := Options{
		AccountID:        "acct_test",
		SessionDir:       t.TempDir(),
		Factory:          ff.factory,
		Tunnels:          proxytunnel.NewManager(),
		LoginTimeout:     2 * time.Second,
		DowngradeTimeout: time.Hour,
		PollInterval:     5 * time.Millisecond,
		SingletonGrace:   time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c := New(opts)
	t.Cleanup(func() { c.Close(false) })
	return c
}

func waitStatus(t *testing.T, c *Controller, want types.SessionStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.Snapshot().Status == want
	}, 2*time.Second, 5*time.Millisecond, "expected status %s", want)
}

func TestQRLoginProjectsQRCode(t *testing.T) {
	ff := &fakeFactory{prepare: func(n int, fe *fakeEngine) { fe.script = emitQR }}
	c := newTestController(t, ff, nil)

	result, err := c.StartLogin(context.Background(), &types.WorkerLoginRequest{Method: types.LoginMethodQR})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, types.SessionStatusWaitingForScan, result.Status)
	assert.NotEmpty(t, result.QRCode)
	assert.Empty(t, result.PairingCode)
}

func TestPhoneLoginProjectsPairingCode(t *testing.T) {
	ff := &fakeFactory{prepare: func(n int, fe *fakeEngine) { fe.script = emitQR }}
	c := newTestController(t, ff, nil)

	result, err := c.StartLogin(context.Background(), &types.WorkerLoginRequest{
		Method: types.LoginMethodPhone,
		Phone:  "+1 (555) 010-2345",
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, types.SessionStatusWaitingForCode, result.Status)
	assert.Equal(t, "ABCD-1234", result.PairingCode)
	assert.Empty(t, result.QRCode)

	// The engine must see the normalized number.
	assert.Equal(t, "15550102345", ff.instance(0).initOpts().PairingPhone)
}

func TestPhoneLoginRequiresNumber(t *testing.T) {
	ff := &fakeFactory{}
	c := newTestController(t, ff, nil)

	_, err := c.StartLogin(context.Background(), &types.WorkerLoginRequest{Method: types.LoginMethodPhone})
	require.Error(t, err)
	assert.Zero(t, ff.count())
}

func TestAlreadyLoggedInIsIdempotent(t *testing.T) {
	ff := &fakeFactory{prepare: func(n int, fe *fakeEngine) {
		fe.script = func(fe *fakeEngine, _ engine.InitOptions) { fe.events.OnReady() }
	}}
	c := newTestController(t, ff, nil)

	result, err := c.StartLogin(context.Background(), &types.WorkerLoginRequest{Method: types.LoginMethodQR})
	require.NoError(t, err)
	require.True(t, result.Success)
	waitStatus(t, c, types.SessionStatusLoggedIn)

	again, err := c.StartLogin(context.Background(), &types.WorkerLoginRequest{Method: types.LoginMethodQR})
	require.NoError(t, err)
	assert.True(t, again.Success)
	assert.Equal(t, types.SessionStatusLoggedIn, again.Status)
	assert.Equal(t, 1, ff.count(), "logged-in session must not be restarted")
}

func TestSameMethodReturnsCurrentProjection(t *testing.T) {
	ff := &fakeFactory{prepare: func(n int, fe *fakeEngine) { fe.script = emitQR }}
	c := newTestController(t, ff, nil)

	first, err := c.StartLogin(context.Background(), &types.WorkerLoginRequest{Method: types.LoginMethodQR})
	require.NoError(t, err)

	second, err := c.StartLogin(context.Background(), &types.WorkerLoginRequest{Method: types.LoginMethodQR})
	require.NoError(t, err)

	assert.Equal(t, first.QRCode, second.QRCode)
	assert.Equal(t, 1, ff.count(), "same-method login must not restart the attempt")
}

func TestDifferentMethodRestartsAttempt(t *testing.T) {
	ff := &fakeFactory{prepare: func(n int, fe *fakeEngine) { fe.script = emitQR }}
	c := newTestController(t, ff, nil)

	_, err := c.StartLogin(context.Background(), &types.WorkerLoginRequest{Method: types.LoginMethodQR})
	require.NoError(t, err)

	result, err := c.StartLogin(context.Background(), &types.WorkerLoginRequest{
		Method: types.LoginMethodPhone,
		Phone:  "15550102345",
	})
	require.NoError(t, err)

	assert.Equal(t, types.SessionStatusWaitingForCode, result.Status)
	assert.Equal(t, "ABCD-1234", result.PairingCode)
	assert.Empty(t, result.QRCode, "qr and pairing code are mutually exclusive")
	require.Equal(t, 2, ff.count())
	assert.True(t, ff.instance(0).isDestroyed(), "superseded attempt must be destroyed")
}

func TestPhonePairingDowngradesToQR(t *testing.T) {
	ff := &fakeFactory{prepare: func(n int, fe *fakeEngine) { fe.script = emitQR }}
	c := newTestController(t, ff, func(o *Options) {
		o.DowngradeTimeout = 50 * time.Millisecond
	})

	result, err := c.StartLogin(context.Background(), &types.WorkerLoginRequest{
		Method: types.LoginMethodPhone,
		Phone:  "15550102345",
	})
	require.NoError(t, err)
	require.Equal(t, "ABCD-1234", result.PairingCode)

	waitStatus(t, c, types.SessionStatusWaitingForScan)

	snap := c.Snapshot()
	assert.Equal(t, types.LoginMethodQR, snap.Method)
	assert.NotEmpty(t, snap.QRCode)
	assert.Empty(t, snap.PairingCode)
	require.Equal(t, 2, ff.count())
	assert.True(t, ff.instance(0).isDestroyed())
}

func TestDowngradeCanBeDisabled(t *testing.T) {
	ff := &fakeFactory{prepare: func(n int, fe *fakeEngine) { fe.script = emitQR }}
	c := newTestController(t, ff, func(o *Options) {
		o.DowngradeTimeout = 20 * time.Millisecond
	})

	_, err := c.StartLogin(context.Background(), &types.WorkerLoginRequest{
		Method:            types.LoginMethodPhone,
		Phone:             "15550102345",
		DisableQRFallback: true,
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, types.SessionStatusWaitingForCode, c.Snapshot().Status)
	assert.Equal(t, 1, ff.count())
}

func TestSingletonConflictRecoversOnce(t *testing.T) {
	ff := &fakeFactory{prepare: func(n int, fe *fakeEngine) {
		if n == 0 {
			fe.initErr = engine.ErrAlreadyRunning
			return
		}
		fe.script = emitQR
	}}
	c := newTestController(t, ff, nil)

	// Drop a stale lock so the pre-flight cleanup has something to clear.
	profile := c.profileDir()
	require.NoError(t, os.MkdirAll(profile, 0o755))
	lock := filepath.Join(profile, "SingletonLock")
	require.NoError(t, os.WriteFile(lock, nil, 0o644))

	result, err := c.StartLogin(context.Background(), &types.WorkerLoginRequest{Method: types.LoginMethodQR})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, types.SessionStatusWaitingForScan, result.Status)
	assert.Equal(t, 2, ff.count(), "exactly one retry after a singleton conflict")
	assert.NoFileExists(t, lock)
}

func TestSecondSingletonConflictIsTerminal(t *testing.T) {
	ff := &fakeFactory{prepare: func(n int, fe *fakeEngine) {
		fe.initErr = engine.ErrAlreadyRunning
	}}
	c := newTestController(t, ff, nil)

	result, err := c.StartLogin(context.Background(), &types.WorkerLoginRequest{
		Method:            types.LoginMethodQR,
		DisableQRFallback: true,
	})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, types.SessionStatusInitFailed, result.Status)
	assert.Equal(t, 2, ff.count())
}

func TestPhoneInitFailureFallsBackToQR(t *testing.T) {
	ff := &fakeFactory{prepare: func(n int, fe *fakeEngine) {
		if n == 0 {
			fe.initErr = errors.New("chromium exited early")
			return
		}
		fe.script = emitQR
	}}
	c := newTestController(t, ff, nil)

	result, err := c.StartLogin(context.Background(), &types.WorkerLoginRequest{
		Method: types.LoginMethodPhone,
		Phone:  "15550102345",
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, types.SessionStatusWaitingForScan, result.Status)
	assert.NotEmpty(t, result.QRCode)
	assert.Equal(t, types.LoginMethodQR, c.Snapshot().Method)
}

func TestCriticalTransportErrorTearsDown(t *testing.T) {
	ff := &fakeFactory{prepare: func(n int, fe *fakeEngine) {
		fe.script = func(fe *fakeEngine, _ engine.InitOptions) { fe.events.OnReady() }
		fe.sendErr = errors.New("rod: page has been closed")
	}}
	c := newTestController(t, ff, nil)

	_, err := c.StartLogin(context.Background(), &types.WorkerLoginRequest{Method: types.LoginMethodQR})
	require.NoError(t, err)
	waitStatus(t, c, types.SessionStatusLoggedIn)

	err = c.SendMessage(context.Background(), "15550001111", "hello")
	require.Error(t, err)

	waitStatus(t, c, types.SessionStatusError)
	require.Eventually(t, ff.instance(0).isDestroyed, time.Second, 5*time.Millisecond)

	_, err = c.Contacts(context.Background())
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestOrdinaryOperationErrorKeepsSession(t *testing.T) {
	ff := &fakeFactory{prepare: func(n int, fe *fakeEngine) {
		fe.script = func(fe *fakeEngine, _ engine.InitOptions) { fe.events.OnReady() }
		fe.sendErr = errors.New("no chat found for target")
	}}
	c := newTestController(t, ff, nil)

	_, err := c.StartLogin(context.Background(), &types.WorkerLoginRequest{Method: types.LoginMethodQR})
	require.NoError(t, err)
	waitStatus(t, c, types.SessionStatusLoggedIn)

	err = c.SendMessage(context.Background(), "15550001111", "hello")
	require.Error(t, err)
	assert.Equal(t, types.SessionStatusLoggedIn, c.Snapshot().Status)
	assert.False(t, ff.instance(0).isDestroyed())
}

func TestProxyConfigPersistsAcrossControllers(t *testing.T) {
	dir := t.TempDir()
	ff := &fakeFactory{prepare: func(n int, fe *fakeEngine) { fe.script = emitQR }}
	c := newTestController(t, ff, func(o *Options) { o.SessionDir = dir })

	proxyCfg := &types.ProxyConfig{Host: "10.0.0.9", Port: 1080, Username: "alice", Password: "secret"}
	_, err := c.StartLogin(context.Background(), &types.WorkerLoginRequest{
		Method: types.LoginMethodQR,
		Proxy:  proxyCfg,
	})
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(dir, "proxy_config.json"))

	reloaded := New(Options{
		AccountID:  "acct_test",
		SessionDir: dir,
		Factory:    ff.factory,
	})
	snap := reloaded.Snapshot()
	require.NotNil(t, snap.Proxy)
	assert.Equal(t, "10.0.0.9", snap.Proxy.Host)
	assert.Equal(t, "alice", snap.Proxy.Username)
}

func TestStatusRedactsProxyPassword(t *testing.T) {
	ff := &fakeFactory{prepare: func(n int, fe *fakeEngine) { fe.script = emitQR }}
	c := newTestController(t, ff, nil)

	_, err := c.StartLogin(context.Background(), &types.WorkerLoginRequest{
		Method: types.LoginMethodQR,
		Proxy:  &types.ProxyConfig{Host: "10.0.0.9", Port: 1080, Username: "alice", Password: "secret"},
	})
	require.NoError(t, err)

	resp := c.Status()
	require.NotNil(t, resp.Proxy)
	assert.NotEqual(t, "secret", resp.Proxy.Password)
}

func TestEventLogIsBounded(t *testing.T) {
	l := newEventLog()
	for i := 0; i < eventLogSize+50; i++ {
		l.add("message-received", types.SessionStatusLoggedIn, "x")
	}
	events := l.recent()
	assert.Len(t, events, eventLogSize)
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	l := newEventLog()
	ch, cancel := l.subscribe()
	defer cancel()

	l.add("qr-ready", types.SessionStatusWaitingForScan, "")

	select {
	case ev := <-ch:
		assert.Equal(t, "qr-ready", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no event delivered to subscriber")
	}
}

func TestCloseReturnsToIdle(t *testing.T) {
	ff := &fakeFactory{prepare: func(n int, fe *fakeEngine) {
		fe.script = func(fe *fakeEngine, _ engine.InitOptions) { fe.events.OnReady() }
	}}
	c := newTestController(t, ff, nil)

	_, err := c.StartLogin(context.Background(), &types.WorkerLoginRequest{Method: types.LoginMethodQR})
	require.NoError(t, err)
	waitStatus(t, c, types.SessionStatusLoggedIn)

	c.Close(true)

	snap := c.Snapshot()
	assert.Equal(t, types.SessionStatusIdle, snap.Status)
	assert.Empty(t, snap.QRCode)
	assert.True(t, ff.instance(0).isDestroyed())
}
