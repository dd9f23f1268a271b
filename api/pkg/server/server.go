// Package server exposes the supervisor's HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/xyctruth/whatsApp-fleet/api/pkg/config"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/store"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/supervisor"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/system"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/types"
)

type Server struct {
	supervisor *supervisor.Supervisor
	router     *mux.Router
}

func New(sup *supervisor.Supervisor) *Server {
	s := &Server{supervisor: sup}

	router := mux.NewRouter()
	router.Use(requestLogger)
	api := router.PathPrefix(system.APISubPath).Subrouter()

	api.HandleFunc("/health", system.DefaultWrapper(s.health)).Methods(http.MethodGet)
	api.HandleFunc("/stats", system.DefaultWrapper(s.stats)).Methods(http.MethodGet)

	api.HandleFunc("/accounts", system.Wrapper(s.createAccount)).Methods(http.MethodPost)
	api.HandleFunc("/accounts", system.Wrapper(s.listAccounts)).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}", system.Wrapper(s.getAccount)).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}", system.Wrapper(s.deleteAccount)).Methods(http.MethodDelete)

	api.HandleFunc("/phone-login", system.Wrapper(s.phoneLogin)).Methods(http.MethodPost)

	api.HandleFunc("/accounts/{id}/login", system.Wrapper(s.login)).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/login/status", system.Wrapper(s.sessionStatus)).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}/status", system.Wrapper(s.sessionStatus)).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}/logout", system.Wrapper(s.logout)).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/close", system.Wrapper(s.closeSession)).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/start", system.Wrapper(s.startAccount)).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/stop", system.Wrapper(s.stopAccount)).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/restart", system.Wrapper(s.restartAccount)).Methods(http.MethodPost)

	api.HandleFunc("/accounts/{id}/send-message", system.Wrapper(s.sendMessage)).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/contacts", system.Wrapper(s.contacts)).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}/contacts/add", system.Wrapper(s.addContact)).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/groups/create", system.Wrapper(s.createGroup)).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/groups/participants/add", system.Wrapper(s.addParticipants)).Methods(http.MethodPost)

	api.HandleFunc("/accounts/{id}/proxy/status", system.Wrapper(s.proxyStatus)).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}/proxy/switch", system.Wrapper(s.switchProxy)).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/proxy/external-ip", system.Wrapper(s.externalIP)).Methods(http.MethodGet)

	api.HandleFunc("/workers/available", system.Wrapper(s.findAvailableWorker)).Methods(http.MethodGet)
	api.HandleFunc("/workers/reuse", system.Wrapper(s.reuseWorker)).Methods(http.MethodPost)

	api.HandleFunc("/config/workers", system.DefaultWrapper(s.getWorkersConfig)).Methods(http.MethodGet)
	api.HandleFunc("/config/workers", system.Wrapper(s.updateWorkersConfig)).Methods(http.MethodPut)

	api.HandleFunc("/system/restart-workers", system.Wrapper(s.restartWorkers)).Methods(http.MethodPost)

	s.router = router
	return s
}

func (s *Server) Router() http.Handler {
	return s.router
}

// ListenAndServe blocks until ctx is cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context, host string, port int) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", srv.Addr).Msg("supervisor api listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// httpError maps domain errors onto status codes.
func httpError(err error) *system.HTTPError {
	var httpErr *system.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	if errors.Is(err, store.ErrNotFound) {
		return system.NewHTTPError404(err.Error())
	}
	return system.NewHTTPError500(err.Error())
}

func accountID(req *http.Request) string {
	return mux.Vars(req)["id"]
}

func (s *Server) health(_ http.ResponseWriter, req *http.Request) (*types.HealthStatus, error) {
	return s.supervisor.Health(req.Context())
}

func (s *Server) stats(_ http.ResponseWriter, req *http.Request) (*types.FleetStats, error) {
	return s.supervisor.Stats(req.Context())
}

func (s *Server) createAccount(_ http.ResponseWriter, req *http.Request) (*types.Account, *system.HTTPError) {
	var createReq types.CreateAccountRequest
	if err := json.NewDecoder(req.Body).Decode(&createReq); err != nil {
		return nil, system.NewHTTPError400(fmt.Sprintf("invalid create request: %s", err))
	}

	account, err := s.supervisor.CreateAccount(req.Context(), &createReq)
	if err != nil {
		return nil, httpError(err)
	}
	return account, nil
}

func (s *Server) listAccounts(_ http.ResponseWriter, req *http.Request) ([]*types.Account, *system.HTTPError) {
	accounts, err := s.supervisor.ListAccounts(req.Context())
	if err != nil {
		return nil, httpError(err)
	}
	return accounts, nil
}

func (s *Server) getAccount(_ http.ResponseWriter, req *http.Request) (*types.Account, *system.HTTPError) {
	account, err := s.supervisor.GetAccount(req.Context(), accountID(req))
	if err != nil {
		return nil, httpError(err)
	}
	return account, nil
}

func (s *Server) deleteAccount(_ http.ResponseWriter, req *http.Request) (*types.APIResponse, *system.HTTPError) {
	if err := s.supervisor.DeleteAccount(req.Context(), accountID(req)); err != nil {
		return nil, httpError(err)
	}
	return &types.APIResponse{Success: true, Message: "account deleted"}, nil
}

// phoneLogin binds a phone identity to a worker and starts a pairing-code
// login in one call: an unbound running worker is reused when available,
// otherwise a fresh account is provisioned.
func (s *Server) phoneLogin(_ http.ResponseWriter, req *http.Request) (*types.LoginResult, *system.HTTPError) {
	var loginReq types.LoginRequest
	if err := json.NewDecoder(req.Body).Decode(&loginReq); err != nil {
		return nil, system.NewHTTPError400(fmt.Sprintf("invalid login request: %s", err))
	}
	if loginReq.Phone == "" {
		return nil, system.NewHTTPError400("phone is required")
	}

	ctx := req.Context()
	id := loginReq.AccountID
	if id == "" {
		if available, err := s.supervisor.FindAvailableWorker(ctx); err == nil {
			if _, err := s.supervisor.ReuseWorkerForPhone(ctx, &types.ReuseWorkerRequest{
				WorkerID: available.ID,
				Phone:    loginReq.Phone,
			}); err != nil {
				return nil, httpError(err)
			}
			id = available.ID
		} else {
			account, err := s.supervisor.CreateAccount(ctx, &types.CreateAccountRequest{Phone: loginReq.Phone})
			if err != nil {
				return nil, httpError(err)
			}
			id = account.ID
		}
	}

	loginReq.Method = types.LoginMethodPhone
	result, err := s.supervisor.LoginToWorker(ctx, id, &loginReq)
	if err != nil {
		return nil, httpError(err)
	}
	return result, nil
}

func (s *Server) login(_ http.ResponseWriter, req *http.Request) (*types.LoginResult, *system.HTTPError) {
	var loginReq types.LoginRequest
	if err := json.NewDecoder(req.Body).Decode(&loginReq); err != nil {
		return nil, system.NewHTTPError400(fmt.Sprintf("invalid login request: %s", err))
	}

	result, err := s.supervisor.LoginToWorker(req.Context(), accountID(req), &loginReq)
	if err != nil {
		return nil, httpError(err)
	}
	return result, nil
}

func (s *Server) sessionStatus(_ http.ResponseWriter, req *http.Request) (*types.SessionStatusResponse, *system.HTTPError) {
	status, err := s.supervisor.SessionStatus(req.Context(), accountID(req))
	if err != nil {
		return nil, httpError(err)
	}
	return status, nil
}

func (s *Server) logout(_ http.ResponseWriter, req *http.Request) (*types.APIResponse, *system.HTTPError) {
	if err := s.supervisor.Logout(req.Context(), accountID(req)); err != nil {
		return nil, httpError(err)
	}
	return &types.APIResponse{Success: true, Message: "logged out"}, nil
}

func (s *Server) closeSession(_ http.ResponseWriter, req *http.Request) (*types.APIResponse, *system.HTTPError) {
	if err := s.supervisor.CloseSession(req.Context(), accountID(req)); err != nil {
		return nil, httpError(err)
	}
	return &types.APIResponse{Success: true, Message: "session closed"}, nil
}

func (s *Server) startAccount(_ http.ResponseWriter, req *http.Request) (*types.Account, *system.HTTPError) {
	account, err := s.supervisor.StartAccount(req.Context(), accountID(req))
	if err != nil {
		return nil, httpError(err)
	}
	return account, nil
}

func (s *Server) stopAccount(_ http.ResponseWriter, req *http.Request) (*types.APIResponse, *system.HTTPError) {
	if err := s.supervisor.StopAccount(req.Context(), accountID(req)); err != nil {
		return nil, httpError(err)
	}
	return &types.APIResponse{Success: true, Message: "account stopped"}, nil
}

func (s *Server) restartAccount(_ http.ResponseWriter, req *http.Request) (*types.Account, *system.HTTPError) {
	account, err := s.supervisor.RestartAccount(req.Context(), accountID(req))
	if err != nil {
		return nil, httpError(err)
	}
	return account, nil
}

func (s *Server) sendMessage(_ http.ResponseWriter, req *http.Request) (*types.APIResponse, *system.HTTPError) {
	var sendReq types.SendMessageRequest
	if err := json.NewDecoder(req.Body).Decode(&sendReq); err != nil {
		return nil, system.NewHTTPError400(fmt.Sprintf("invalid send request: %s", err))
	}
	if sendReq.Target() == "" || sendReq.Message == "" {
		return nil, system.NewHTTPError400("phone or contact, and message, are required")
	}

	if err := s.supervisor.SendMessage(req.Context(), accountID(req), &sendReq); err != nil {
		return nil, httpError(err)
	}
	return &types.APIResponse{Success: true, Message: "message sent"}, nil
}

func (s *Server) contacts(_ http.ResponseWriter, req *http.Request) (*types.APIResponse, *system.HTTPError) {
	contacts, err := s.supervisor.Contacts(req.Context(), accountID(req))
	if err != nil {
		return nil, httpError(err)
	}
	return &types.APIResponse{Success: true, Data: contacts}, nil
}

func (s *Server) addContact(_ http.ResponseWriter, req *http.Request) (*types.APIResponse, *system.HTTPError) {
	var addReq types.AddContactRequest
	if err := json.NewDecoder(req.Body).Decode(&addReq); err != nil {
		return nil, system.NewHTTPError400(fmt.Sprintf("invalid contact request: %s", err))
	}

	if err := s.supervisor.AddContact(req.Context(), accountID(req), &addReq); err != nil {
		return nil, httpError(err)
	}
	return &types.APIResponse{Success: true, Message: "contact added"}, nil
}

func (s *Server) createGroup(_ http.ResponseWriter, req *http.Request) (*types.APIResponse, *system.HTTPError) {
	var groupReq types.CreateGroupRequest
	if err := json.NewDecoder(req.Body).Decode(&groupReq); err != nil {
		return nil, system.NewHTTPError400(fmt.Sprintf("invalid group request: %s", err))
	}

	groupID, err := s.supervisor.CreateGroup(req.Context(), accountID(req), &groupReq)
	if err != nil {
		return nil, httpError(err)
	}
	return &types.APIResponse{Success: true, Data: map[string]string{"group_id": groupID}}, nil
}

func (s *Server) addParticipants(_ http.ResponseWriter, req *http.Request) (*types.APIResponse, *system.HTTPError) {
	var addReq types.AddGroupParticipantsRequest
	if err := json.NewDecoder(req.Body).Decode(&addReq); err != nil {
		return nil, system.NewHTTPError400(fmt.Sprintf("invalid participants request: %s", err))
	}

	if err := s.supervisor.AddGroupParticipants(req.Context(), accountID(req), &addReq); err != nil {
		return nil, httpError(err)
	}
	return &types.APIResponse{Success: true, Message: "participants added"}, nil
}

func (s *Server) proxyStatus(_ http.ResponseWriter, req *http.Request) (*types.ProxyStatusResponse, *system.HTTPError) {
	status, err := s.supervisor.ProxyStatus(req.Context(), accountID(req))
	if err != nil {
		return nil, httpError(err)
	}
	return status, nil
}

func (s *Server) switchProxy(_ http.ResponseWriter, req *http.Request) (*types.APIResponse, *system.HTTPError) {
	var cfg types.ProxyConfig
	if err := json.NewDecoder(req.Body).Decode(&cfg); err != nil {
		return nil, system.NewHTTPError400(fmt.Sprintf("invalid proxy config: %s", err))
	}

	if err := s.supervisor.SwitchProxy(req.Context(), accountID(req), &cfg); err != nil {
		return nil, httpError(err)
	}
	return &types.APIResponse{Success: true, Message: "proxy switched"}, nil
}

func (s *Server) externalIP(_ http.ResponseWriter, req *http.Request) (*types.ExternalIPResponse, *system.HTTPError) {
	ip, err := s.supervisor.ExternalIP(req.Context(), accountID(req))
	if err != nil {
		return nil, httpError(err)
	}
	return &types.ExternalIPResponse{Success: true, IP: ip}, nil
}

func (s *Server) findAvailableWorker(_ http.ResponseWriter, req *http.Request) (*types.Account, *system.HTTPError) {
	account, err := s.supervisor.FindAvailableWorker(req.Context())
	if err != nil {
		return nil, httpError(err)
	}
	return account, nil
}

func (s *Server) reuseWorker(_ http.ResponseWriter, req *http.Request) (*types.Account, *system.HTTPError) {
	var reuseReq types.ReuseWorkerRequest
	if err := json.NewDecoder(req.Body).Decode(&reuseReq); err != nil {
		return nil, system.NewHTTPError400(fmt.Sprintf("invalid reuse request: %s", err))
	}
	if reuseReq.WorkerID == "" || reuseReq.Phone == "" {
		return nil, system.NewHTTPError400("worker_id and phone are required")
	}

	account, err := s.supervisor.ReuseWorkerForPhone(req.Context(), &reuseReq)
	if err != nil {
		return nil, httpError(err)
	}
	return account, nil
}

func (s *Server) getWorkersConfig(_ http.ResponseWriter, req *http.Request) (config.Workers, error) {
	return s.supervisor.WorkersConfig(), nil
}

func (s *Server) updateWorkersConfig(_ http.ResponseWriter, req *http.Request) (config.Workers, *system.HTTPError) {
	workers := s.supervisor.WorkersConfig()
	if err := json.NewDecoder(req.Body).Decode(&workers); err != nil {
		return workers, system.NewHTTPError400(fmt.Sprintf("invalid worker config: %s", err))
	}

	s.supervisor.UpdateWorkersConfig(workers)
	return workers, nil
}

func (s *Server) restartWorkers(_ http.ResponseWriter, req *http.Request) (*types.APIResponse, *system.HTTPError) {
	count, err := s.supervisor.RestartAllAccounts(req.Context())
	if err != nil {
		return nil, httpError(err)
	}
	return &types.APIResponse{Success: true, Message: fmt.Sprintf("restarting %d workers", count)}, nil
}
