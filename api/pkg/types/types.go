package types

import (
	"net"
	"strconv"
	"time"

	"gorm.io/gorm"
)

// AccountStatus is the supervisor-side lifecycle status of an account.
type AccountStatus string

const (
	AccountStatusCreating  AccountStatus = "creating"
	AccountStatusStarting  AccountStatus = "starting"
	AccountStatusRunning   AccountStatus = "running"
	AccountStatusStopped   AccountStatus = "stopped"
	AccountStatusError     AccountStatus = "error"
	AccountStatusLoggedIn  AccountStatus = "logged_in"
	AccountStatusLoggedOut AccountStatus = "logged_out"
)

// SessionStatus is the worker-side login state machine status.
type SessionStatus string

const (
	SessionStatusIdle           SessionStatus = "idle"
	SessionStatusInitializing   SessionStatus = "initializing"
	SessionStatusWaitingForScan SessionStatus = "waiting_for_scan"
	SessionStatusWaitingForCode SessionStatus = "waiting_for_code"
	SessionStatusLoggedIn       SessionStatus = "logged_in"
	SessionStatusAuthFailure    SessionStatus = "auth_failure"
	SessionStatusDisconnected   SessionStatus = "disconnected"
	SessionStatusInitFailed     SessionStatus = "init_failed"
	SessionStatusError          SessionStatus = "error"
)

// LoginMethod selects how a new session is authorized.
type LoginMethod string

const (
	LoginMethodQR    LoginMethod = "qr"
	LoginMethodPhone LoginMethod = "phone"
)

// Account binds an external identity to a worker instance, its port and
// lifecycle status. Persisted by the supervisor; soft-deleted on removal so
// that a later login request for the same identity can recover the record.
type Account struct {
	ID           string         `json:"id" gorm:"primaryKey"`
	Name         string         `json:"name"`
	Phone        string         `json:"phone"`
	Status       AccountStatus  `json:"status"`
	Port         int            `json:"port"`
	ServiceURL   string         `json:"service_url"`
	ContainerRef string         `json:"container_ref,omitempty"`
	MessagesSent int            `json:"messages_sent"`
	LastActivity *time.Time     `json:"last_activity,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `json:"-" gorm:"index"`
}

func (Account) TableName() string {
	return "accounts"
}

// ProxyConfig describes an upstream proxy for one worker session.
// Password is omitted from JSON produced for status responses, see Redacted.
type ProxyConfig struct {
	Host     string `json:"ip"`
	Port     int    `json:"port"`
	Username string `json:"user,omitempty"`
	Password string `json:"pwd,omitempty"`
	Scheme   string `json:"scheme,omitempty"` // socks5 (default) or http
}

// RequiresAuth reports whether the upstream proxy needs credentials, which
// forces traffic through the local tunnel so credentials stay out of argv.
func (p *ProxyConfig) RequiresAuth() bool {
	return p != nil && p.Username != ""
}

// Redacted returns a copy safe to embed in status responses.
func (p *ProxyConfig) Redacted() *ProxyConfig {
	if p == nil {
		return nil
	}
	out := *p
	if out.Password != "" {
		out.Password = "********"
	}
	return &out
}

// Address returns host:port for dialing.
func (p *ProxyConfig) Address() string {
	if p == nil {
		return ""
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}
