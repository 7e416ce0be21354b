package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	errMissingStore             = errors.New("account store is required")
	errMissingProviderAccountID = errors.New("provider account id is required")
	errMissingAccessToken       = errors.New("access token is required")
	errNegativeExpiry           = errors.New("expires_in must not be negative")
	noOpLogger                  = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

// Invalid reports whether the error was caused by caller input rather than the store.
func (e *ServiceError) Invalid() bool {
	return strings.Contains(e.code, ".invalid_")
}

const (
	opServiceNew = "accounts.service.new"
	opLink       = "accounts.link"
	opList       = "accounts.list"
	opLookup     = "accounts.lookup"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// ServiceConfig describes the dependencies of the linking service.
type ServiceConfig struct {
	Store  Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Service links provider accounts to users and exposes credential-free views of them.
type Service struct {
	store  Store
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{store: cfg.Store, clock: clock, logger: logger}, nil
}

// Link stores the supplied provider credentials for the user, replacing any previous link
// to the same provider.
func (s *Service) Link(ctx context.Context, userID string, request LinkRequest) (AccountView, error) {
	user, err := NormalizeUserID(userID)
	if err != nil {
		return AccountView{}, newServiceError(opLink, "invalid_user_id", err)
	}
	provider, err := NormalizeProvider(request.Provider)
	if err != nil {
		return AccountView{}, newServiceError(opLink, "invalid_provider", err)
	}
	providerAccountID := strings.TrimSpace(request.ProviderAccountID)
	if providerAccountID == "" {
		return AccountView{}, newServiceError(opLink, "invalid_provider_account_id", errMissingProviderAccountID)
	}
	if strings.TrimSpace(request.AccessToken) == "" {
		return AccountView{}, newServiceError(opLink, "invalid_access_token", errMissingAccessToken)
	}
	if request.ExpiresInSeconds < 0 {
		return AccountView{}, newServiceError(opLink, "invalid_expires_in", errNegativeExpiry)
	}

	var refreshToken *string
	if request.RefreshToken != nil && strings.TrimSpace(*request.RefreshToken) != "" {
		refresh := *request.RefreshToken
		refreshToken = &refresh
	}
	scopes := ScopeList{}
	for _, scope := range request.Scopes {
		if trimmed := strings.TrimSpace(scope); trimmed != "" {
			scopes = append(scopes, trimmed)
		}
	}

	now := s.clock().UTC()
	account := LinkedAccount{
		UserID:            user,
		Provider:          provider,
		ProviderAccountID: providerAccountID,
		AccessToken:       request.AccessToken,
		RefreshToken:      refreshToken,
		ExpiresAt:         now.Add(time.Duration(request.ExpiresInSeconds) * time.Second),
		Scopes:            scopes,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.Save(ctx, account); err != nil {
		s.logError(opLink, "store_failed", err, zap.String("user_id", user), zap.String("provider", provider))
		return AccountView{}, newServiceError(opLink, "store_failed", err)
	}

	s.logger.Info("account linked",
		zap.String("user_id", user),
		zap.String("provider", provider),
		zap.Strings("scopes", scopes))
	return account.View(), nil
}

// List returns the credential-free views of every account the user has linked.
func (s *Service) List(ctx context.Context, userID string) ([]AccountView, error) {
	user, err := NormalizeUserID(userID)
	if err != nil {
		return nil, newServiceError(opList, "invalid_user_id", err)
	}
	linked, err := s.store.ListForUser(ctx, user)
	if err != nil {
		s.logError(opList, "store_failed", err, zap.String("user_id", user))
		return nil, newServiceError(opList, "store_failed", err)
	}
	views := make([]AccountView, 0, len(linked))
	for _, account := range linked {
		views = append(views, account.View())
	}
	return views, nil
}

// Lookup returns the view of the user's account for one provider.
func (s *Service) Lookup(ctx context.Context, userID, provider string) (AccountView, bool, error) {
	user, err := NormalizeUserID(userID)
	if err != nil {
		return AccountView{}, false, newServiceError(opLookup, "invalid_user_id", err)
	}
	normalizedProvider, err := NormalizeProvider(provider)
	if err != nil {
		return AccountView{}, false, newServiceError(opLookup, "invalid_provider", err)
	}
	account, ok, err := s.store.Get(ctx, user, normalizedProvider)
	if err != nil {
		s.logError(opLookup, "store_failed", err, zap.String("user_id", user), zap.String("provider", normalizedProvider))
		return AccountView{}, false, newServiceError(opLookup, "store_failed", err)
	}
	if !ok {
		return AccountView{}, false, nil
	}
	return account.View(), true, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("accounts service error", attrs...)
}
