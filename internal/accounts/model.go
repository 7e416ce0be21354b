package accounts

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("accounts: invalid user id")
	// ErrInvalidProvider indicates that a provider name is empty or exceeds storage bounds.
	ErrInvalidProvider = errors.New("accounts: invalid provider")
)

// ScopeList is the ordered set of scopes granted to a linked account.
type ScopeList []string

// Value encodes the scopes as a JSON array for storage.
func (s ScopeList) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	encoded, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

// Scan decodes a JSON array produced by Value.
func (s *ScopeList) Scan(source any) error {
	var raw []byte
	switch value := source.(type) {
	case nil:
		*s = ScopeList{}
		return nil
	case string:
		raw = []byte(value)
	case []byte:
		raw = value
	default:
		return fmt.Errorf("accounts: unsupported scope column type %T", source)
	}
	var decoded []string
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	*s = ScopeList(decoded)
	return nil
}

// LinkedAccount ties one user to one provider identity and carries the provider credentials.
type LinkedAccount struct {
	ID                string    `gorm:"column:id;primaryKey;size:64;not null" json:"-"`
	UserID            string    `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_linked_accounts_user_provider,priority:1" json:"user_id"`
	Provider          string    `gorm:"column:provider;size:64;not null;uniqueIndex:idx_linked_accounts_user_provider,priority:2" json:"provider"`
	ProviderAccountID string    `gorm:"column:provider_account_id;size:320;not null" json:"provider_account_id"`
	AccessToken       string    `gorm:"column:access_token;type:text;not null" json:"-"`
	RefreshToken      *string   `gorm:"column:refresh_token;type:text" json:"-"`
	ExpiresAt         time.Time `gorm:"column:expires_at;not null" json:"expires_at"`
	Scopes            ScopeList `gorm:"column:scopes;type:text;not null" json:"scopes"`
	CreatedAt         time.Time `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt         time.Time `gorm:"column:updated_at;not null" json:"-"`
}

// TableName provides the explicit table binding for GORM.
func (LinkedAccount) TableName() string {
	return "linked_accounts"
}

// Expired reports whether the access credential has passed its expiry at the given instant.
func (a LinkedAccount) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && !now.Before(a.ExpiresAt)
}

func (a LinkedAccount) clone() LinkedAccount {
	copied := a
	if a.RefreshToken != nil {
		refresh := *a.RefreshToken
		copied.RefreshToken = &refresh
	}
	if a.Scopes != nil {
		copied.Scopes = append(ScopeList(make([]string, 0, len(a.Scopes))), a.Scopes...)
	}
	return copied
}

// AccountView is the credential-free projection of a LinkedAccount exposed to API callers.
type AccountView struct {
	Provider          string    `json:"provider"`
	ProviderAccountID string    `json:"provider_account_id"`
	Scopes            []string  `json:"scopes"`
	ExpiresAt         time.Time `json:"expires_at"`
	CreatedAt         time.Time `json:"created_at"`
}

// View projects the account without credential fields.
func (a LinkedAccount) View() AccountView {
	scopes := make([]string, len(a.Scopes))
	copy(scopes, a.Scopes)
	return AccountView{
		Provider:          a.Provider,
		ProviderAccountID: a.ProviderAccountID,
		Scopes:            scopes,
		ExpiresAt:         a.ExpiresAt.UTC(),
		CreatedAt:         a.CreatedAt.UTC(),
	}
}

// LinkRequest describes the provider credentials supplied when a user links an account.
type LinkRequest struct {
	Provider          string
	ProviderAccountID string
	AccessToken       string
	RefreshToken      *string
	ExpiresInSeconds  int64
	Scopes            []string
}

// NormalizeUserID validates a user identifier.
func NormalizeUserID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return trimmed, nil
}

// NormalizeProvider validates a provider name and folds it to lower case.
func NormalizeProvider(rawInput string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(rawInput))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidProvider)
	}
	if len(trimmed) > 64 {
		return "", fmt.Errorf("%w: exceeds 64 characters", ErrInvalidProvider)
	}
	return trimmed, nil
}
