package types

import "time"

// APIResponse is the envelope returned by every supervisor operation.
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// CreateAccountRequest provisions a new account and its worker. ID is
// optional; a ulid-based one is generated when absent.
type CreateAccountRequest struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// LoginRequest is the supervisor-facing request to log an account in.
type LoginRequest struct {
	AccountID         string       `json:"account_id"`
	Method            LoginMethod  `json:"login_method"`
	Phone             string       `json:"phone,omitempty"`
	Proxy             *ProxyConfig `json:"socks5,omitempty"`
	DisableQRFallback bool         `json:"disable_qr_fallback,omitempty"`
	DowngradeTimeout  int          `json:"downgrade_timeout_ms,omitempty"`
}

// WorkerLoginRequest is what the supervisor forwards to a worker's POST /api/login.
type WorkerLoginRequest struct {
	Method            LoginMethod  `json:"method"`
	Phone             string       `json:"phone,omitempty"`
	Proxy             *ProxyConfig `json:"socks5,omitempty"`
	DisableQRFallback bool         `json:"disable_qr_fallback,omitempty"`
	DowngradeTimeout  int          `json:"downgrade_timeout_ms,omitempty"`
}

// LoginResult is the worker's projection of a login attempt. At most one of
// QRCode/PairingCode is set.
type LoginResult struct {
	Success     bool          `json:"success"`
	Status      SessionStatus `json:"status"`
	QRCode      string        `json:"qr_code,omitempty"`
	PairingCode string        `json:"pairing_code,omitempty"`
	Message     string        `json:"message,omitempty"`
}

// SessionStatusResponse is returned by GET /api/status and /api/login/status.
type SessionStatusResponse struct {
	Success     bool          `json:"success"`
	Status      SessionStatus `json:"status"`
	Method      LoginMethod   `json:"method,omitempty"`
	QRCode      string        `json:"qr_code,omitempty"`
	PairingCode string        `json:"pairing_code,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	Proxy       *ProxyConfig  `json:"proxy,omitempty"`
}

// SendMessageRequest targets a phone number or a stored contact name.
type SendMessageRequest struct {
	AccountID string `json:"account_id,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Contact   string `json:"contact,omitempty"`
	Message   string `json:"message"`
}

func (r *SendMessageRequest) Target() string {
	if r.Phone != "" {
		return r.Phone
	}
	return r.Contact
}

type Contact struct {
	Phone     string `json:"phone"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

type AddContactRequest struct {
	Phone     string `json:"phone"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

type CreateGroupRequest struct {
	Name         string   `json:"name"`
	Participants []string `json:"participants"`
}

type AddGroupParticipantsRequest struct {
	GroupID      string   `json:"groupId"`
	Participants []string `json:"participants"`
}

type ProxyStatusResponse struct {
	Success bool         `json:"success"`
	Active  bool         `json:"active"`
	Proxy   *ProxyConfig `json:"proxy,omitempty"`
}

type ExternalIPResponse struct {
	Success bool   `json:"success"`
	IP      string `json:"ip"`
}

// SessionEvent is one entry of the worker's bounded event log, also streamed
// over the events websocket.
type SessionEvent struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Status    SessionStatus `json:"status,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// HealthStatus aggregates the fleet for GET /api/v1/health.
type HealthStatus struct {
	Status        string     `json:"status"`
	Uptime        string     `json:"uptime"`
	Accounts      []*Account `json:"accounts"`
	TotalCount    int        `json:"total_count"`
	RunningCount  int        `json:"running_count"`
	LoggedInCount int        `json:"logged_in_count"`
}

// FleetStats is the compact counter view for GET /api/v1/stats.
type FleetStats struct {
	TotalAccounts    int `json:"total_accounts"`
	RunningAccounts  int `json:"running_accounts"`
	LoggedInAccounts int `json:"logged_in_accounts"`
	TotalMessages    int `json:"total_messages"`
	PortsUsed        int `json:"ports_used"`
	PortsFree        int `json:"ports_free"`
}

// ReuseWorkerRequest rebinds an idle, unbound worker to a phone identity.
type ReuseWorkerRequest struct {
	WorkerID string `json:"worker_id"`
	Phone    string `json:"phone"`
}
