package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/xyctruth/whatsApp-fleet/api/pkg/types"
)

// SQLStore is the sqlite-backed registry. A single file keeps the
// supervisor self-contained; the gorm layer is what the rest of the code
// depends on, so swapping the driver stays local to this constructor.
type SQLStore struct {
	gdb *gorm.DB
}

func NewSQLStore(path string) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}

	if err := gdb.AutoMigrate(&types.Account{}); err != nil {
		return nil, fmt.Errorf("failed to migrate registry schema: %w", err)
	}

	log.Info().Str("path", path).Msg("account registry opened")

	return &SQLStore{gdb: gdb}, nil
}

func (s *SQLStore) CreateAccount(ctx context.Context, account *types.Account) (*types.Account, error) {
	now := time.Now()
	account.CreatedAt = now
	account.UpdatedAt = now

	if err := s.gdb.WithContext(ctx).Create(account).Error; err != nil {
		return nil, err
	}
	return account, nil
}

func (s *SQLStore) GetAccount(ctx context.Context, id string) (*types.Account, error) {
	var account types.Account
	err := s.gdb.WithContext(ctx).Where("id = ?", id).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (s *SQLStore) GetAccountIncludingDeleted(ctx context.Context, id string) (*types.Account, error) {
	var account types.Account
	err := s.gdb.WithContext(ctx).Unscoped().Where("id = ?", id).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (s *SQLStore) RestoreAccount(ctx context.Context, id string) error {
	return s.gdb.WithContext(ctx).
		Unscoped().
		Model(&types.Account{}).
		Where("id = ?", id).
		Update("deleted_at", nil).Error
}

func (s *SQLStore) ListAccounts(ctx context.Context) ([]*types.Account, error) {
	var accounts []*types.Account
	err := s.gdb.WithContext(ctx).
		Order("created_at ASC").
		Find(&accounts).Error
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

func (s *SQLStore) UpdateAccount(ctx context.Context, account *types.Account) (*types.Account, error) {
	account.UpdatedAt = time.Now()
	if err := s.gdb.WithContext(ctx).Save(account).Error; err != nil {
		return nil, err
	}
	return account, nil
}

func (s *SQLStore) UpdateAccountStatus(ctx context.Context, id string, status types.AccountStatus) error {
	return s.gdb.WithContext(ctx).
		Model(&types.Account{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
		}).Error
}

func (s *SQLStore) BumpAccountActivity(ctx context.Context, id string) error {
	now := time.Now()
	return s.gdb.WithContext(ctx).
		Model(&types.Account{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"messages_sent": gorm.Expr("messages_sent + 1"),
			"last_activity": now,
			"updated_at":    now,
		}).Error
}

func (s *SQLStore) DeleteAccount(ctx context.Context, id string) error {
	return s.gdb.WithContext(ctx).Where("id = ?", id).Delete(&types.Account{}).Error
}
