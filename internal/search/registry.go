// Package search fans a query out to the registered connectors and merges their results.
package search

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/omnibridge/backend/internal/connectors"
)

var (
	errNilConnector   = errors.New("search: connector is required")
	errEmptySource    = errors.New("search: connector source name is required")
	errDuplicateEntry = errors.New("search: duplicate connector source")
)

// Filter is a set of requested source names. A nil Filter selects every connector;
// an empty non-nil Filter selects none.
type Filter map[string]struct{}

// NewFilter builds a filter from source names, ignoring blanks.
func NewFilter(names ...string) Filter {
	filter := make(Filter, len(names))
	for _, name := range names {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			filter[trimmed] = struct{}{}
		}
	}
	return filter
}

// ParseFilter interprets a comma-separated sources parameter. present is false when the
// caller did not supply the parameter at all.
func ParseFilter(raw string, present bool) Filter {
	if !present {
		return nil
	}
	return NewFilter(strings.Split(raw, ",")...)
}

// Entry pairs a source name with its connector.
type Entry struct {
	Name      string
	Connector connectors.Connector
}

// Registry holds connectors in registration order.
type Registry struct {
	mu      sync.RWMutex
	entries []Entry
	byName  map[string]int
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]int)}
}

// Register adds a connector under its source name.
func (r *Registry) Register(connector connectors.Connector) error {
	if connector == nil {
		return errNilConnector
	}
	name := strings.TrimSpace(connector.Source())
	if name == "" {
		return errEmptySource
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("%w: %q", errDuplicateEntry, name)
	}
	r.byName[name] = len(r.entries)
	r.entries = append(r.entries, Entry{Name: name, Connector: connector})
	return nil
}

// Resolve returns the connectors selected by filter in registration order. Unknown names are ignored.
func (r *Registry) Resolve(filter Filter) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	resolved := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		if filter != nil {
			if _, wanted := filter[entry.Name]; !wanted {
				continue
			}
		}
		resolved = append(resolved, entry)
	}
	return resolved
}

// Lookup returns the connector registered under name.
func (r *Registry) Lookup(name string) (connectors.Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	index, ok := r.byName[strings.TrimSpace(name)]
	if !ok {
		return nil, false
	}
	return r.entries[index].Connector, true
}

// Names lists registered source names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for _, entry := range r.entries {
		names = append(names, entry.Name)
	}
	return names
}
