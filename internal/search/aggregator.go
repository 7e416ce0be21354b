package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/omnibridge/backend/internal/connectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultConnectorTimeout = 10 * time.Second

var errMissingRegistry = errors.New("search: registry is required")

// AggregatorConfig configures the search fan-out.
type AggregatorConfig struct {
	Registry *Registry
	// ConnectorTimeout bounds each connector fetch; zero uses the default.
	ConnectorTimeout time.Duration
	// MaxParallel caps concurrent fetches per search; zero or less means unbounded.
	MaxParallel int
	Metrics     *Metrics
	Logger      *zap.Logger
	Clock       func() time.Time
}

// Aggregator dispatches a search to every selected connector concurrently and merges the successes.
type Aggregator struct {
	registry    *Registry
	timeout     time.Duration
	maxParallel int
	metrics     *Metrics
	logger      *zap.Logger
	clock       func() time.Time
}

func NewAggregator(cfg AggregatorConfig) (*Aggregator, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	timeout := cfg.ConnectorTimeout
	if timeout <= 0 {
		timeout = defaultConnectorTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Aggregator{
		registry:    cfg.Registry,
		timeout:     timeout,
		maxParallel: cfg.MaxParallel,
		metrics:     cfg.Metrics,
		logger:      logger,
		clock:       clock,
	}, nil
}

// fetchOutcome is the per-connector result slot; exactly one of items or err is meaningful.
type fetchOutcome struct {
	items []connectors.Item
	err   error
}

// Search returns the merged items of every selected connector that succeeded, ordered by
// dispatch order and then by each connector's own order. Connector failures only shrink the result.
func (a *Aggregator) Search(ctx context.Context, userID, query string, filter Filter) []connectors.Item {
	entries := a.registry.Resolve(filter)
	merged := []connectors.Item{}
	if len(entries) == 0 {
		return merged
	}

	outcomes := make([]fetchOutcome, len(entries))
	var group errgroup.Group
	if a.maxParallel > 0 {
		group.SetLimit(a.maxParallel)
	}
	for index, entry := range entries {
		group.Go(func() error {
			outcomes[index] = a.fetch(ctx, entry, userID, query)
			return nil
		})
	}
	_ = group.Wait()

	for _, outcome := range outcomes {
		if outcome.err != nil {
			continue
		}
		merged = append(merged, outcome.items...)
	}
	return merged
}

func (a *Aggregator) fetch(ctx context.Context, entry Entry, userID, query string) fetchOutcome {
	fetchCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	started := a.clock()
	done := make(chan fetchOutcome, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				done <- fetchOutcome{err: fmt.Errorf("search: connector %s panicked: %v", entry.Name, recovered)}
			}
		}()
		items, err := entry.Connector.Fetch(fetchCtx, userID, query, nil)
		done <- fetchOutcome{items: items, err: err}
	}()

	var outcome fetchOutcome
	select {
	case outcome = <-done:
	case <-fetchCtx.Done():
		// The connector may keep running; its late result lands in the buffered channel and is dropped.
		outcome = fetchOutcome{err: fetchCtx.Err()}
	}

	elapsed := a.clock().Sub(started)
	label := classify(outcome.err)
	a.metrics.record(ctx, entry.Name, label, elapsed)
	if outcome.err != nil {
		a.logger.Warn("connector fetch skipped",
			zap.String("source", entry.Name),
			zap.String("user_id", userID),
			zap.String("outcome", label),
			zap.Duration("duration", elapsed),
			zap.Error(outcome.err))
		return outcome
	}
	a.logger.Debug("connector fetch completed",
		zap.String("source", entry.Name),
		zap.String("user_id", userID),
		zap.Int("items", len(outcome.items)),
		zap.Duration("duration", elapsed))
	return outcome
}

func classify(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, connectors.ErrAccountNotLinked):
		return OutcomeNotLinked
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.Is(err, connectors.ErrUpstreamFetchFailed):
		return OutcomeUpstreamFailed
	default:
		return OutcomeError
	}
}
