package store

import (
	"context"
	"errors"

	"github.com/xyctruth/whatsApp-fleet/api/pkg/types"
)

var ErrNotFound = errors.New("not found")

//go:generate mockgen -source $GOFILE -destination store_mocks.go -package $GOPACKAGE

// Store is the persisted account registry, the single source of truth for
// cross-request state. All mutations go through the supervisor or the
// status reconciler.
type Store interface {
	CreateAccount(ctx context.Context, account *types.Account) (*types.Account, error)
	GetAccount(ctx context.Context, id string) (*types.Account, error)
	// GetAccountIncludingDeleted also matches soft-deleted records so a new
	// login request for a previously deleted identity can recover it.
	GetAccountIncludingDeleted(ctx context.Context, id string) (*types.Account, error)
	RestoreAccount(ctx context.Context, id string) error
	ListAccounts(ctx context.Context) ([]*types.Account, error)
	UpdateAccount(ctx context.Context, account *types.Account) (*types.Account, error)
	UpdateAccountStatus(ctx context.Context, id string, status types.AccountStatus) error
	BumpAccountActivity(ctx context.Context, id string) error
	DeleteAccount(ctx context.Context, id string) error
}
