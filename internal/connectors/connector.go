// Package connectors adapts upstream providers into normalized result items.
package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/omnibridge/backend/internal/accounts"
)

var (
	// ErrAccountNotLinked indicates the user has no linked account for the connector's provider.
	ErrAccountNotLinked = errors.New("connectors: account not linked")
	// ErrUpstreamFetchFailed indicates the provider call failed after credentials were found.
	ErrUpstreamFetchFailed = errors.New("connectors: upstream fetch failed")

	errMissingStore = errors.New("connectors: account store is required")
)

// FetchError attributes a fetch failure to the connector that produced it.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func notLinked(source, provider string) error {
	return &FetchError{Source: source, Err: fmt.Errorf("%w: no %s account", ErrAccountNotLinked, provider)}
}

func upstreamFailed(source string, cause error) error {
	return &FetchError{Source: source, Err: fmt.Errorf("%w: %w", ErrUpstreamFetchFailed, cause)}
}

// Options carries connector-specific fetch tuning.
type Options map[string]string

const optionMaxResults = "max_results"

// MaxResults returns the requested result cap clamped to limit, or limit when unset or invalid.
func (o Options) MaxResults(limit int) int {
	raw, ok := o[optionMaxResults]
	if !ok {
		return limit
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value <= 0 || value > limit {
		return limit
	}
	return value
}

// Connector fetches normalized items from one provider on behalf of a user.
type Connector interface {
	// Source is the tag stamped on every item and the name used for registry lookups.
	Source() string
	// Provider is the linked account provider the connector reads credentials for.
	Provider() string
	// Fetch returns the user's items. An empty query means no query.
	Fetch(ctx context.Context, userID, query string, options Options) ([]Item, error)
}

// AccountReader is the read side of the credential store consumed by connectors.
type AccountReader interface {
	Get(ctx context.Context, userID, provider string) (accounts.LinkedAccount, bool, error)
}

// credentials resolves the linked account before any upstream work happens.
func credentials(ctx context.Context, store AccountReader, source, provider, userID string) (accounts.LinkedAccount, error) {
	account, ok, err := store.Get(ctx, userID, provider)
	if err != nil {
		return accounts.LinkedAccount{}, &FetchError{Source: source, Err: fmt.Errorf("credential lookup: %w", err)}
	}
	if !ok || account.AccessToken == "" {
		return accounts.LinkedAccount{}, notLinked(source, provider)
	}
	return account, nil
}

var credentialKeys = map[string]struct{}{
	"access_token":  {},
	"refresh_token": {},
	"id_token":      {},
	"token":         {},
	"client_secret": {},
}

// Item is a provider-agnostic result. It serializes as a flat object of its fields plus id and source.
type Item struct {
	ID     string
	Source string
	Fields map[string]any
}

// NewItem builds an item, dropping any credential-named fields.
func NewItem(source, id string, fields map[string]any) Item {
	cleaned := make(map[string]any, len(fields))
	for key, value := range fields {
		if _, secret := credentialKeys[strings.ToLower(key)]; secret {
			continue
		}
		if key == "id" || key == "source" {
			continue
		}
		cleaned[key] = value
	}
	return Item{ID: id, Source: source, Fields: cleaned}
}

func (i Item) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(i.Fields)+2)
	for key, value := range i.Fields {
		if _, secret := credentialKeys[strings.ToLower(key)]; secret {
			continue
		}
		flat[key] = value
	}
	flat["id"] = i.ID
	flat["source"] = i.Source
	return json.Marshal(flat)
}

func (i *Item) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	id, _ := flat["id"].(string)
	source, _ := flat["source"].(string)
	*i = NewItem(source, id, flat)
	return nil
}
