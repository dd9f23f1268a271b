// Package worker holds the two halves of the supervisor/worker contract:
// the HTTP server a worker process exposes over its session controller, and
// the typed client the supervisor uses to drive it.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/xyctruth/whatsApp-fleet/api/pkg/session"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/system"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/types"
)

// Server is the worker-side HTTP surface. One server fronts exactly one
// session controller.
type Server struct {
	controller *session.Controller
	router     *mux.Router
	upgrader   websocket.Upgrader
}

func NewServer(controller *session.Controller) *Server {
	s := &Server{
		controller: controller,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	router := mux.NewRouter()
	api := router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/login", system.Wrapper(s.login)).Methods(http.MethodPost)
	api.HandleFunc("/login/status", system.DefaultWrapper(s.status)).Methods(http.MethodGet)
	api.HandleFunc("/status", system.DefaultWrapper(s.status)).Methods(http.MethodGet)
	api.HandleFunc("/logout", system.DefaultWrapper(s.logout)).Methods(http.MethodPost)
	api.HandleFunc("/close", system.DefaultWrapper(s.close)).Methods(http.MethodPost)

	api.HandleFunc("/send-message", system.Wrapper(s.sendMessage)).Methods(http.MethodPost)
	api.HandleFunc("/contacts", system.Wrapper(s.contacts)).Methods(http.MethodGet)
	api.HandleFunc("/contacts/add", system.Wrapper(s.addContact)).Methods(http.MethodPost)
	api.HandleFunc("/groups/create", system.Wrapper(s.createGroup)).Methods(http.MethodPost)
	api.HandleFunc("/groups/participants/add", system.Wrapper(s.addParticipants)).Methods(http.MethodPost)

	api.HandleFunc("/proxy/status", system.DefaultWrapper(s.proxyStatus)).Methods(http.MethodGet)
	api.HandleFunc("/proxy/switch", system.Wrapper(s.switchProxy)).Methods(http.MethodPost)
	api.HandleFunc("/proxy/external-ip", system.DefaultWrapper(s.externalIP)).Methods(http.MethodGet)

	api.HandleFunc("/events", s.events).Methods(http.MethodGet)

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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", srv.Addr).Msg("worker api listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) login(_ http.ResponseWriter, req *http.Request) (*types.LoginResult, *system.HTTPError) {
	var loginReq types.WorkerLoginRequest
	if err := json.NewDecoder(req.Body).Decode(&loginReq); err != nil {
		return nil, system.NewHTTPError400(fmt.Sprintf("invalid login request: %s", err))
	}

	result, err := s.controller.StartLogin(req.Context(), &loginReq)
	if err != nil {
		return nil, system.NewHTTPError400(err.Error())
	}
	return result, nil
}

func (s *Server) status(_ http.ResponseWriter, req *http.Request) (*types.SessionStatusResponse, error) {
	return s.controller.Status(), nil
}

func (s *Server) logout(_ http.ResponseWriter, req *http.Request) (*types.APIResponse, error) {
	if err := s.controller.Logout(req.Context()); err != nil {
		return nil, err
	}
	return &types.APIResponse{Success: true, Message: "logged out"}, nil
}

func (s *Server) close(_ http.ResponseWriter, req *http.Request) (*types.APIResponse, error) {
	s.controller.Close(true)
	return &types.APIResponse{Success: true, Message: "session closed"}, nil
}

func (s *Server) sendMessage(_ http.ResponseWriter, req *http.Request) (*types.APIResponse, *system.HTTPError) {
	var sendReq types.SendMessageRequest
	if err := json.NewDecoder(req.Body).Decode(&sendReq); err != nil {
		return nil, system.NewHTTPError400(fmt.Sprintf("invalid send request: %s", err))
	}
	if sendReq.Target() == "" || sendReq.Message == "" {
		return nil, system.NewHTTPError400("phone or contact, and message, are required")
	}

	if err := s.controller.SendMessage(req.Context(), sendReq.Target(), sendReq.Message); err != nil {
		return nil, sessionOpError(err)
	}
	return &types.APIResponse{Success: true, Message: "message sent"}, nil
}

func (s *Server) contacts(_ http.ResponseWriter, req *http.Request) (*types.APIResponse, *system.HTTPError) {
	contacts, err := s.controller.Contacts(req.Context())
	if err != nil {
		return nil, sessionOpError(err)
	}
	return &types.APIResponse{Success: true, Data: contacts}, nil
}

func (s *Server) addContact(_ http.ResponseWriter, req *http.Request) (*types.APIResponse, *system.HTTPError) {
	var addReq types.AddContactRequest
	if err := json.NewDecoder(req.Body).Decode(&addReq); err != nil {
		return nil, system.NewHTTPError400(fmt.Sprintf("invalid contact request: %s", err))
	}
	if addReq.Phone == "" {
		return nil, system.NewHTTPError400("phone is required")
	}

	if err := s.controller.AddContact(req.Context(), addReq.Phone, addReq.FirstName, addReq.LastName); err != nil {
		return nil, sessionOpError(err)
	}
	return &types.APIResponse{Success: true, Message: "contact added"}, nil
}

func (s *Server) createGroup(_ http.ResponseWriter, req *http.Request) (*types.APIResponse, *system.HTTPError) {
	var groupReq types.CreateGroupRequest
	if err := json.NewDecoder(req.Body).Decode(&groupReq); err != nil {
		return nil, system.NewHTTPError400(fmt.Sprintf("invalid group request: %s", err))
	}
	if groupReq.Name == "" || len(groupReq.Participants) == 0 {
		return nil, system.NewHTTPError400("name and participants are required")
	}

	groupID, err := s.controller.CreateGroup(req.Context(), groupReq.Name, groupReq.Participants)
	if err != nil {
		return nil, sessionOpError(err)
	}
	return &types.APIResponse{Success: true, Data: map[string]string{"group_id": groupID}}, nil
}

func (s *Server) addParticipants(_ http.ResponseWriter, req *http.Request) (*types.APIResponse, *system.HTTPError) {
	var addReq types.AddGroupParticipantsRequest
	if err := json.NewDecoder(req.Body).Decode(&addReq); err != nil {
		return nil, system.NewHTTPError400(fmt.Sprintf("invalid participants request: %s", err))
	}
	if addReq.GroupID == "" || len(addReq.Participants) == 0 {
		return nil, system.NewHTTPError400("groupId and participants are required")
	}

	if err := s.controller.AddParticipants(req.Context(), addReq.GroupID, addReq.Participants); err != nil {
		return nil, sessionOpError(err)
	}
	return &types.APIResponse{Success: true, Message: "participants added"}, nil
}

func (s *Server) proxyStatus(_ http.ResponseWriter, req *http.Request) (*types.ProxyStatusResponse, error) {
	return s.controller.ProxyStatus(), nil
}

func (s *Server) switchProxy(_ http.ResponseWriter, req *http.Request) (*types.APIResponse, *system.HTTPError) {
	var cfg types.ProxyConfig
	if err := json.NewDecoder(req.Body).Decode(&cfg); err != nil {
		return nil, system.NewHTTPError400(fmt.Sprintf("invalid proxy config: %s", err))
	}

	if err := s.controller.SwitchProxy(&cfg); err != nil {
		return nil, system.NewHTTPError400(err.Error())
	}
	return &types.APIResponse{Success: true, Message: "proxy switched"}, nil
}

func (s *Server) externalIP(_ http.ResponseWriter, req *http.Request) (*types.ExternalIPResponse, error) {
	ip, err := s.controller.ExternalIP()
	if err != nil {
		return nil, err
	}
	return &types.ExternalIPResponse{Success: true, IP: ip}, nil
}

// events streams the session event log over a websocket: history first,
// then live events until the client goes away.
func (s *Server) events(res http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(res, req, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	for _, event := range s.controller.Events() {
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}

	live, cancel := s.controller.Subscribe()
	defer cancel()

	// Reads are discarded; a read error is our only disconnect signal.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-req.Context().Done():
			return
		case event, ok := <-live:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

func sessionOpError(err error) *system.HTTPError {
	if err == session.ErrNotLoggedIn {
		return system.NewHTTPError409(err.Error())
	}
	return system.NewHTTPError500(err.Error())
}
