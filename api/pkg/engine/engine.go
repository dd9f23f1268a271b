// Package engine wraps the browser automation driving one WhatsApp Web
// session. The rest of the worker treats it as an opaque collaborator: it
// is configured, it emits events, it answers messaging calls, and it can
// be destroyed. One engine instance maps to one browser profile.
package engine

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrAlreadyRunning means another browser holds this profile's
	// singleton lock. Recoverable once by killing the stray instance and
	// removing the lock files.
	ErrAlreadyRunning = errors.New("browser already running for this session directory")

	ErrNotInitialized = errors.New("engine not initialized")
)

// IsAlreadyRunning classifies singleton-lock conflicts from engine errors.
func IsAlreadyRunning(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAlreadyRunning) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range []string{
		"browser is already running",
		"processsingleton",
		"singletonlock",
		"profile appears to be in use",
	} {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// Events is the callback contract the engine drives. Callbacks fire from
// the engine's watch goroutine; handlers must not block.
type Events struct {
	// OnQR delivers a rendered QR image (PNG data URL) whenever a fresh
	// login QR appears.
	OnQR func(payload string)
	// OnPairingCode delivers the short numeric pairing code.
	OnPairingCode func(code string)
	// OnReady fires when the session reaches the chat surface.
	OnReady func()
	// OnAuthenticated fires when credentials are accepted.
	OnAuthenticated func()
	OnAuthFailure   func(err error)
	OnDisconnected  func(reason string)
	OnMessage       func(from, body string)
	// OnFault is the per-instance fault boundary: any uncaught failure in
	// the engine's internals lands here instead of crashing the process.
	OnFault func(err error)
}

// InitOptions configures one session attempt.
type InitOptions struct {
	// SessionDir is the browser profile directory for this identity.
	SessionDir string
	// ProxyURL, when set, points the browser at the local tunnel
	// (scheme://host:port, no credentials).
	ProxyURL string
	// PairingPhone, when non-empty, switches the engine to the pairing
	// code flow for this normalized (digits-only) phone number. Empty
	// means QR flow.
	PairingPhone string
}

// Engine drives one automated messaging session.
type Engine interface {
	// Initialize launches the browser session and starts event delivery.
	// It returns once the session page is loading; login progress arrives
	// through Events.
	Initialize(ctx context.Context, opts InitOptions) error

	SendMessage(ctx context.Context, target, message string) error
	Contacts(ctx context.Context) ([]Contact, error)
	AddContact(ctx context.Context, phone, firstName, lastName string) error
	CreateGroup(ctx context.Context, name string, participants []string) (string, error)
	AddParticipants(ctx context.Context, groupID string, participants []string) error
	Logout(ctx context.Context) error

	// Destroy tears the browser down. Idempotent.
	Destroy() error
}

// Contact is the engine's view of one address book entry.
type Contact struct {
	Phone     string `json:"phone"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// Factory builds a fresh engine instance for one login attempt.
type Factory func(events Events) Engine
