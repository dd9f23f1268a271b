// Package runtime abstracts worker process/container control so the
// supervisor logic stays independent of the concrete backend.
package runtime

import (
	"context"
	"time"
)

// Handle identifies one running worker to its runtime.
type Handle struct {
	ID   string
	Name string
}

// Spec describes the worker to launch. The container exposes InternalPort
// and the runtime maps HostPort onto it.
type Spec struct {
	AccountID    string
	HostPort     int
	InternalPort int
	// SessionDir is the per-account persistent volume for session data.
	SessionDir string
	Env        map[string]string
}

// Runtime spawns and kills worker instances. Spawn is idempotent per
// account: an existing instance with the derived name is force-removed
// first, so respawning a crashed or half-dead worker is the same call.
type Runtime interface {
	Spawn(ctx context.Context, spec Spec) (Handle, error)
	Stop(ctx context.Context, handle Handle, timeout time.Duration) error
	Kill(ctx context.Context, handle Handle) error
	IsAlive(ctx context.Context, handle Handle) (bool, error)
}

// WorkerName derives the deterministic container name for an account.
func WorkerName(accountID string) string {
	return "wa-worker-" + accountID
}
