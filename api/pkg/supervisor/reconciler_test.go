package supervisor

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xyctruth/whatsApp-fleet/api/pkg/types"
)

func TestReconcileFoldsObservedStatus(t *testing.T) {
	wk := &stubWorker{}
	wk.setStatus(types.SessionStatusLoggedIn)
	ts := httptest.NewServer(wk.handler())
	defer ts.Close()

	s, st := newTestSupervisor(t, &fakeRuntime{}, ts.URL)
	_, err := st.CreateAccount(context.Background(), &types.Account{
		ID:         "acct_a",
		Status:     types.AccountStatusRunning,
		Port:       4000,
		ServiceURL: ts.URL,
	})
	require.NoError(t, err)

	r, err := NewStatusReconciler(s)
	require.NoError(t, err)
	require.NoError(t, r.Reconcile(context.Background()))

	account, err := st.GetAccount(context.Background(), "acct_a")
	require.NoError(t, err)
	assert.Equal(t, types.AccountStatusLoggedIn, account.Status)
}

func TestReconcileKeepsStatusWhenProbeFails(t *testing.T) {
	s, st := newTestSupervisor(t, &fakeRuntime{}, "http://127.0.0.1:1")
	_, err := st.CreateAccount(context.Background(), &types.Account{
		ID:         "acct_a",
		Status:     types.AccountStatusLoggedIn,
		Port:       4000,
		ServiceURL: "http://127.0.0.1:1",
	})
	require.NoError(t, err)

	r, err := NewStatusReconciler(s)
	require.NoError(t, err)
	require.NoError(t, r.Reconcile(context.Background()), "probe failures are swallowed")

	account, err := st.GetAccount(context.Background(), "acct_a")
	require.NoError(t, err)
	assert.Equal(t, types.AccountStatusLoggedIn, account.Status, "unreachable worker keeps last known status")
}

func TestReconcileSkipsStoppedAccounts(t *testing.T) {
	wk := &stubWorker{}
	wk.setStatus(types.SessionStatusLoggedIn)
	ts := httptest.NewServer(wk.handler())
	defer ts.Close()

	s, st := newTestSupervisor(t, &fakeRuntime{}, ts.URL)
	_, err := st.CreateAccount(context.Background(), &types.Account{
		ID:         "acct_a",
		Status:     types.AccountStatusStopped,
		Port:       4000,
		ServiceURL: ts.URL,
	})
	require.NoError(t, err)

	r, err := NewStatusReconciler(s)
	require.NoError(t, err)
	require.NoError(t, r.Reconcile(context.Background()))

	account, err := st.GetAccount(context.Background(), "acct_a")
	require.NoError(t, err)
	assert.Equal(t, types.AccountStatusStopped, account.Status)
}

func TestAccountStatusMapping(t *testing.T) {
	assert.Equal(t, types.AccountStatusLoggedIn, accountStatusFor(types.SessionStatusLoggedIn))
	assert.Equal(t, types.AccountStatusError, accountStatusFor(types.SessionStatusAuthFailure))
	assert.Equal(t, types.AccountStatusError, accountStatusFor(types.SessionStatusInitFailed))
	assert.Equal(t, types.AccountStatusLoggedOut, accountStatusFor(types.SessionStatusDisconnected))
	assert.Equal(t, types.AccountStatusRunning, accountStatusFor(types.SessionStatusIdle))
	assert.Equal(t, types.AccountStatusRunning, accountStatusFor(types.SessionStatusWaitingForScan))
}
