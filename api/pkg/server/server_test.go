package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xyctruth/whatsApp-fleet/api/pkg/config"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/runtime"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/store"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/supervisor"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/types"
)

type noopRuntime struct{}

func (noopRuntime) Spawn(ctx context.Context, spec runtime.Spec) (runtime.Handle, error) {
	return runtime.Handle{ID: "ctr-" + spec.AccountID, Name: runtime.WorkerName(spec.AccountID)}, nil
}

func (noopRuntime) Stop(ctx context.Context, handle runtime.Handle, timeout time.Duration) error {
	return nil
}

func (noopRuntime) Kill(ctx context.Context, handle runtime.Handle) error { return nil }

func (noopRuntime) IsAlive(ctx context.Context, handle runtime.Handle) (bool, error) {
	return true, nil
}

// stubWorkerHandler fakes the worker surface the supervisor forwards to.
func stubWorkerHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", func(res http.ResponseWriter, req *http.Request) {
		json.NewEncoder(res).Encode(types.SessionStatusResponse{Success: true, Status: types.SessionStatusIdle})
	})
	mux.HandleFunc("/api/login/status", func(res http.ResponseWriter, req *http.Request) {
		json.NewEncoder(res).Encode(types.SessionStatusResponse{Success: true, Status: types.SessionStatusWaitingForScan, QRCode: "data:qr"})
	})
	mux.HandleFunc("/api/login", func(res http.ResponseWriter, req *http.Request) {
		json.NewEncoder(res).Encode(types.LoginResult{Success: true, Status: types.SessionStatusWaitingForCode, PairingCode: "ABCD-1234"})
	})
	mux.HandleFunc("/api/send-message", func(res http.ResponseWriter, req *http.Request) {
		json.NewEncoder(res).Encode(types.APIResponse{Success: true})
	})
	mux.HandleFunc("/api/close", func(res http.ResponseWriter, req *http.Request) {
		json.NewEncoder(res).Encode(types.APIResponse{Success: true})
	})
	return mux
}

type apiTest struct {
	api    *httptest.Server
	worker *httptest.Server
	store  store.Store
}

func newAPITest(t *testing.T) *apiTest {
	t.Helper()

	st, err := store.NewSQLStore(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)

	cfg := config.SupervisorConfig{
		Workers: config.Workers{
			BasePort:       4000,
			PortRange:      10,
			Image:          "wa-worker:test",
			SessionDataDir: t.TempDir(),
			SpawnTimeout:   2 * time.Second,
			ProbeTimeout:   200 * time.Millisecond,
			LoginRetries:   1,
		},
		Reconciler: config.Reconciler{Interval: time.Minute},
	}

	sup, err := supervisor.New(context.Background(), cfg, st, noopRuntime{})
	require.NoError(t, err)

	workerTS := httptest.NewServer(stubWorkerHandler())
	t.Cleanup(workerTS.Close)

	apiTS := httptest.NewServer(New(sup).Router())
	t.Cleanup(apiTS.Close)

	return &apiTest{api: apiTS, worker: workerTS, store: st}
}

func (a *apiTest) addAccount(t *testing.T, id string, status types.AccountStatus, phone string) {
	t.Helper()
	_, err := a.store.CreateAccount(context.Background(), &types.Account{
		ID:         id,
		Phone:      phone,
		Status:     status,
		Port:       4000,
		ServiceURL: a.worker.URL,
	})
	require.NoError(t, err)
}

func (a *apiTest) request(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, a.api.URL+"/api/v1"+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	a := newAPITest(t)
	a.addAccount(t, "acct_a", types.AccountStatusLoggedIn, "15550102345")

	resp := a.request(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	health := decode[types.HealthStatus](t, resp)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.TotalCount)
	assert.Equal(t, 1, health.LoggedInCount)
}

func TestStatsEndpoint(t *testing.T) {
	a := newAPITest(t)

	resp := a.request(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stats := decode[types.FleetStats](t, resp)
	assert.Zero(t, stats.TotalAccounts)
	assert.Equal(t, 10, stats.PortsFree)
}

func TestGetMissingAccountReturns404(t *testing.T) {
	a := newAPITest(t)

	resp := a.request(t, http.MethodGet, "/accounts/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateAccountRejectsBadJSON(t *testing.T) {
	a := newAPITest(t)

	req, err := http.NewRequest(http.MethodPost, a.api.URL+"/api/v1/accounts", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLoginForwardsToWorker(t *testing.T) {
	a := newAPITest(t)
	a.addAccount(t, "acct_a", types.AccountStatusRunning, "")

	resp := a.request(t, http.MethodPost, "/accounts/acct_a/login", types.LoginRequest{
		Method: types.LoginMethodPhone,
		Phone:  "15550102345",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := decode[types.LoginResult](t, resp)
	assert.True(t, result.Success)
	assert.Equal(t, "ABCD-1234", result.PairingCode)
}

func TestSessionStatusEndpoint(t *testing.T) {
	a := newAPITest(t)
	a.addAccount(t, "acct_a", types.AccountStatusRunning, "")

	resp := a.request(t, http.MethodGet, "/accounts/acct_a/login/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	status := decode[types.SessionStatusResponse](t, resp)
	assert.Equal(t, types.SessionStatusWaitingForScan, status.Status)
	assert.Equal(t, "data:qr", status.QRCode)
}

func TestSendMessageBumpsActivity(t *testing.T) {
	a := newAPITest(t)
	a.addAccount(t, "acct_a", types.AccountStatusLoggedIn, "15550102345")

	resp := a.request(t, http.MethodPost, "/accounts/acct_a/send-message", types.SendMessageRequest{
		Phone:   "15550001111",
		Message: "hello",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	account, err := a.store.GetAccount(context.Background(), "acct_a")
	require.NoError(t, err)
	assert.Equal(t, 1, account.MessagesSent)
	assert.NotNil(t, account.LastActivity)
}

func TestSendMessageValidatesBody(t *testing.T) {
	a := newAPITest(t)
	a.addAccount(t, "acct_a", types.AccountStatusLoggedIn, "")

	resp := a.request(t, http.MethodPost, "/accounts/acct_a/send-message", types.SendMessageRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPhoneLoginReusesUnboundWorker(t *testing.T) {
	a := newAPITest(t)
	a.addAccount(t, "acct_free", types.AccountStatusRunning, "")

	resp := a.request(t, http.MethodPost, "/phone-login", types.LoginRequest{Phone: "15550102345"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := decode[types.LoginResult](t, resp)
	assert.True(t, result.Success)

	account, err := a.store.GetAccount(context.Background(), "acct_free")
	require.NoError(t, err)
	assert.Equal(t, "15550102345", account.Phone)
}

func TestPhoneLoginRequiresPhone(t *testing.T) {
	a := newAPITest(t)

	resp := a.request(t, http.MethodPost, "/phone-login", types.LoginRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWorkersConfigRoundTrip(t *testing.T) {
	a := newAPITest(t)

	resp := a.request(t, http.MethodGet, "/config/workers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	workers := decode[config.Workers](t, resp)
	require.Equal(t, "wa-worker:test", workers.Image)

	workers.Image = "wa-worker:v2"
	resp = a.request(t, http.MethodPut, "/config/workers", workers)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = a.request(t, http.MethodGet, "/config/workers", nil)
	updated := decode[config.Workers](t, resp)
	assert.Equal(t, "wa-worker:v2", updated.Image)
}

func TestRestartWorkersReturnsImmediately(t *testing.T) {
	a := newAPITest(t)
	a.addAccount(t, "acct_a", types.AccountStatusRunning, "")

	resp := a.request(t, http.MethodPost, "/system/restart-workers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := decode[types.APIResponse](t, resp)
	assert.True(t, result.Success)
	assert.Contains(t, result.Message, "1")
}
