package accounts

import (
	"context"
	"errors"
	"sync"
)

var errMissingAccountKey = errors.New("accounts: account requires user id and provider")

// Store persists linked accounts keyed by (user, provider).
type Store interface {
	// Save inserts the account or atomically replaces the record for the same (user, provider).
	Save(ctx context.Context, account LinkedAccount) error
	// Get returns the record for the pair; ok is false when none exists.
	Get(ctx context.Context, userID, provider string) (LinkedAccount, bool, error)
	// ListForUser returns every record owned by the user in insertion order.
	ListForUser(ctx context.Context, userID string) ([]LinkedAccount, error)
}

// MemoryStore keeps linked accounts in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*userAccounts
}

type userAccounts struct {
	order      []string
	byProvider map[string]LinkedAccount
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*userAccounts)}
}

func (s *MemoryStore) Save(_ context.Context, account LinkedAccount) error {
	if account.UserID == "" || account.Provider == "" {
		return errMissingAccountKey
	}
	stored := account.clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.users[stored.UserID]
	if !ok {
		entry = &userAccounts{byProvider: make(map[string]LinkedAccount)}
		s.users[stored.UserID] = entry
	}
	if _, exists := entry.byProvider[stored.Provider]; !exists {
		entry.order = append(entry.order, stored.Provider)
	}
	entry.byProvider[stored.Provider] = stored
	return nil
}

func (s *MemoryStore) Get(_ context.Context, userID, provider string) (LinkedAccount, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.users[userID]
	if !ok {
		return LinkedAccount{}, false, nil
	}
	account, ok := entry.byProvider[provider]
	if !ok {
		return LinkedAccount{}, false, nil
	}
	return account.clone(), true, nil
}

func (s *MemoryStore) ListForUser(_ context.Context, userID string) ([]LinkedAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.users[userID]
	if !ok {
		return []LinkedAccount{}, nil
	}
	accounts := make([]LinkedAccount, 0, len(entry.order))
	for _, provider := range entry.order {
		accounts = append(accounts, entry.byProvider[provider].clone())
	}
	return accounts, nil
}
