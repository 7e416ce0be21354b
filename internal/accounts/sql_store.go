package accounts

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	queryUserID       = "user_id = ?"
	queryUserProvider = "user_id = ? AND provider = ?"
	orderCreatedAsc   = "created_at ASC, id ASC"
)

var errMissingDatabase = errors.New("accounts: database handle is required")

// SQLStore persists linked accounts through GORM.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore wraps an initialized database handle. The linked_accounts schema must already exist.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Save(ctx context.Context, account LinkedAccount) error {
	if account.UserID == "" || account.Provider == "" {
		return errMissingAccountKey
	}
	record := account.clone()
	if record.Scopes == nil {
		record.Scopes = ScopeList{}
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}
	if record.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		record.ID = id.String()
	}

	// The conflicting row keeps its id; every other column is replaced in one statement.
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"provider_account_id",
			"access_token",
			"refresh_token",
			"expires_at",
			"scopes",
			"created_at",
			"updated_at",
		}),
	}).Create(&record).Error
}

func (s *SQLStore) Get(ctx context.Context, userID, provider string) (LinkedAccount, bool, error) {
	var account LinkedAccount
	err := s.db.WithContext(ctx).
		Where(queryUserProvider, userID, provider).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return LinkedAccount{}, false, nil
	}
	if err != nil {
		return LinkedAccount{}, false, fmt.Errorf("accounts: get %s/%s: %w", userID, provider, err)
	}
	return account, true, nil
}

func (s *SQLStore) ListForUser(ctx context.Context, userID string) ([]LinkedAccount, error) {
	accounts := []LinkedAccount{}
	if err := s.db.WithContext(ctx).
		Where(queryUserID, userID).
		Order(orderCreatedAsc).
		Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("accounts: list %s: %w", userID, err)
	}
	return accounts, nil
}
