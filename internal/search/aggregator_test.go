package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/omnibridge/backend/internal/accounts"
	"github.com/MarcoPoloResearchLab/omnibridge/backend/internal/connectors"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubConnector struct {
	source string
	fetch  func(ctx context.Context, userID, query string) ([]connectors.Item, error)
}

func (s stubConnector) Source() string   { return s.source }
func (s stubConnector) Provider() string { return "google" }

func (s stubConnector) Fetch(ctx context.Context, userID, query string, _ connectors.Options) ([]connectors.Item, error) {
	return s.fetch(ctx, userID, query)
}

func returning(source string, ids ...string) stubConnector {
	return stubConnector{source: source, fetch: func(context.Context, string, string) ([]connectors.Item, error) {
		items := make([]connectors.Item, 0, len(ids))
		for _, id := range ids {
			items = append(items, connectors.NewItem(source, id, map[string]any{"title": "item " + id}))
		}
		return items, nil
	}}
}

func failing(source string, err error) stubConnector {
	return stubConnector{source: source, fetch: func(context.Context, string, string) ([]connectors.Item, error) {
		return nil, &connectors.FetchError{Source: source, Err: err}
	}}
}

func newTestAggregator(t *testing.T, cfg AggregatorConfig, registered ...connectors.Connector) *Aggregator {
	t.Helper()
	registry := NewRegistry()
	for _, connector := range registered {
		if err := registry.Register(connector); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	}
	cfg.Registry = registry
	aggregator, err := NewAggregator(cfg)
	if err != nil {
		t.Fatalf("failed to construct aggregator: %v", err)
	}
	return aggregator
}

func ids(items []connectors.Item) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, item.Source+":"+item.ID)
	}
	return strings.Join(parts, ",")
}

func TestSearchMergesConnectorsInDispatchOrder(t *testing.T) {
	slow := stubConnector{source: "gmail", fetch: func(context.Context, string, string) ([]connectors.Item, error) {
		time.Sleep(30 * time.Millisecond)
		return []connectors.Item{
			connectors.NewItem("gmail", "g1", nil),
			connectors.NewItem("gmail", "g2", nil),
		}, nil
	}}
	aggregator := newTestAggregator(t, AggregatorConfig{}, slow, returning("drive", "d1"))

	items := aggregator.Search(context.Background(), "user@example.com", "test", nil)
	if got := ids(items); got != "gmail:g1,gmail:g2,drive:d1" {
		t.Fatalf("expected dispatch order regardless of completion order, got %s", got)
	}
}

func TestSearchIsolatesConnectorFailures(t *testing.T) {
	testCases := []struct {
		name string
		err  error
	}{
		{name: "not-linked", err: connectors.ErrAccountNotLinked},
		{name: "upstream", err: connectors.ErrUpstreamFetchFailed},
		{name: "unexpected", err: errors.New("boom")},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			aggregator := newTestAggregator(t, AggregatorConfig{}, failing("gmail", testCase.err), returning("drive", "d1"))

			items := aggregator.Search(context.Background(), "user@example.com", "test", nil)
			if got := ids(items); got != "drive:d1" {
				t.Fatalf("expected only drive items, got %s", got)
			}
		})
	}
}

func TestSearchReturnsEmptyWhenEverythingFails(t *testing.T) {
	aggregator := newTestAggregator(t, AggregatorConfig{},
		failing("gmail", connectors.ErrAccountNotLinked),
		failing("drive", connectors.ErrUpstreamFetchFailed))

	items := aggregator.Search(context.Background(), "user@example.com", "invoice", nil)
	if items == nil || len(items) != 0 {
		t.Fatalf("expected empty non-nil result, got %#v", items)
	}
}

func TestSearchRespectsSourceFilter(t *testing.T) {
	driveCalled := false
	drive := stubConnector{source: "drive", fetch: func(context.Context, string, string) ([]connectors.Item, error) {
		driveCalled = true
		return []connectors.Item{connectors.NewItem("drive", "d1", nil)}, nil
	}}
	aggregator := newTestAggregator(t, AggregatorConfig{}, returning("gmail", "g1"), drive)

	items := aggregator.Search(context.Background(), "user@example.com", "test", NewFilter("gmail"))
	if got := ids(items); got != "gmail:g1" {
		t.Fatalf("expected only gmail items, got %s", got)
	}
	if driveCalled {
		t.Fatalf("filtered-out connector must not be dispatched")
	}
}

func TestSearchIgnoresUnknownAndEmptyFilters(t *testing.T) {
	aggregator := newTestAggregator(t, AggregatorConfig{}, returning("gmail", "g1"), returning("drive", "d1"))

	for name, filter := range map[string]Filter{
		"unknown": NewFilter("dropbox"),
		"empty":   ParseFilter("", true),
		"commas":  ParseFilter(" , ,", true),
	} {
		items := aggregator.Search(context.Background(), "user@example.com", "test", filter)
		if items == nil || len(items) != 0 {
			t.Fatalf("%s filter: expected empty result, got %s", name, ids(items))
		}
	}
}

func TestSearchDispatchesConcurrently(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	allStarted := make(chan struct{})
	go func() {
		started.Wait()
		close(allStarted)
	}()
	barrier := func(source string) stubConnector {
		return stubConnector{source: source, fetch: func(ctx context.Context, _, _ string) ([]connectors.Item, error) {
			started.Done()
			select {
			case <-allStarted:
				return []connectors.Item{connectors.NewItem(source, source+"-1", nil)}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}}
	}
	aggregator := newTestAggregator(t, AggregatorConfig{ConnectorTimeout: 2 * time.Second}, barrier("gmail"), barrier("drive"))

	items := aggregator.Search(context.Background(), "user@example.com", "test", nil)
	if got := ids(items); got != "gmail:gmail-1,drive:drive-1" {
		t.Fatalf("expected both connectors to run at the same time, got %s", got)
	}
}

func TestSearchTimesOutSlowConnector(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := stubConnector{source: "gmail", fetch: func(context.Context, string, string) ([]connectors.Item, error) {
		<-release
		return []connectors.Item{connectors.NewItem("gmail", "late", nil)}, nil
	}}
	core, logs := observer.New(zapcore.DebugLevel)
	aggregator := newTestAggregator(t, AggregatorConfig{
		ConnectorTimeout: 20 * time.Millisecond,
		Logger:           zap.New(core),
	}, stuck, returning("drive", "d1"))

	started := time.Now()
	items := aggregator.Search(context.Background(), "user@example.com", "test", nil)
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("search waited %s on a stuck connector", elapsed)
	}
	if got := ids(items); got != "drive:d1" {
		t.Fatalf("expected only drive items, got %s", got)
	}

	skipped := logs.FilterMessage("connector fetch skipped").All()
	if len(skipped) != 1 {
		t.Fatalf("expected one skipped connector log, got %d", len(skipped))
	}
	if outcome := skipped[0].ContextMap()["outcome"]; outcome != OutcomeTimeout {
		t.Fatalf("expected timeout outcome, got %v", outcome)
	}
}

func TestSearchRecoversPanickingConnector(t *testing.T) {
	panicking := stubConnector{source: "gmail", fetch: func(context.Context, string, string) ([]connectors.Item, error) {
		panic("connector bug")
	}}
	aggregator := newTestAggregator(t, AggregatorConfig{}, panicking, returning("drive", "d1"))

	if got := ids(aggregator.Search(context.Background(), "u", "q", nil)); got != "drive:d1" {
		t.Fatalf("expected panicking connector to be skipped, got %s", got)
	}
}

func TestSearchHonoursParallelLimit(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0
	tracked := func(source string) stubConnector {
		return stubConnector{source: source, fetch: func(context.Context, string, string) ([]connectors.Item, error) {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return []connectors.Item{connectors.NewItem(source, "1", nil)}, nil
		}}
	}
	registered := make([]connectors.Connector, 0, 6)
	for index := 0; index < 6; index++ {
		registered = append(registered, tracked(fmt.Sprintf("source-%d", index)))
	}
	aggregator := newTestAggregator(t, AggregatorConfig{MaxParallel: 2}, registered...)

	items := aggregator.Search(context.Background(), "u", "q", nil)
	if len(items) != 6 {
		t.Fatalf("expected six items, got %d", len(items))
	}
	if peak > 2 {
		t.Fatalf("expected at most two concurrent fetches, saw %d", peak)
	}
}

func TestSearchIsolatesUsersThroughRealConnector(t *testing.T) {
	store := accounts.NewMemoryStore()
	err := store.Save(context.Background(), accounts.LinkedAccount{
		UserID:            "alice@example.com",
		Provider:          connectors.ProviderGoogle,
		ProviderAccountID: "alice@gmail.com",
		AccessToken:       "alice-token",
		CreatedAt:         time.Now(),
	})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	api := &tokenEchoGmail{}
	gmail, err := connectors.NewGmailConnector(connectors.GmailConfig{Accounts: store, API: api})
	if err != nil {
		t.Fatalf("failed to build gmail connector: %v", err)
	}
	aggregator := newTestAggregator(t, AggregatorConfig{}, gmail)

	if items := aggregator.Search(context.Background(), "bob@example.com", "invoice", nil); len(items) != 0 {
		t.Fatalf("bob must not see alice's mailbox, got %s", ids(items))
	}
	items := aggregator.Search(context.Background(), "alice@example.com", "invoice", nil)
	if got := ids(items); got != "gmail:alice-token-msg" {
		t.Fatalf("unexpected alice results %s", got)
	}

	encoded, _ := json.Marshal(items)
	if strings.Contains(string(encoded), "access_token") || strings.Contains(string(encoded), "refresh_token") {
		t.Fatalf("search response leaks credential keys: %s", encoded)
	}
}

type tokenEchoGmail struct{}

func (tokenEchoGmail) ListMessages(_ context.Context, accessToken, _ string, _ int) ([]connectors.GmailMessage, error) {
	return []connectors.GmailMessage{{ID: accessToken + "-msg", Subject: "Invoice"}}, nil
}

func TestSearchRecordsConnectorOutcomeMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewMetrics(provider.Meter("test"))
	if err != nil {
		t.Fatalf("failed to build metrics: %v", err)
	}
	aggregator := newTestAggregator(t, AggregatorConfig{Metrics: metrics},
		returning("gmail", "g1"),
		failing("drive", connectors.ErrAccountNotLinked))

	aggregator.Search(context.Background(), "u", "q", nil)

	var collected metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &collected); err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	outcomes := map[string]int64{}
	for _, scope := range collected.ScopeMetrics {
		for _, instrument := range scope.Metrics {
			if instrument.Name != "omnibridge.search.connector.fetches" {
				continue
			}
			sum, ok := instrument.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", instrument.Data)
			}
			for _, point := range sum.DataPoints {
				source, _ := point.Attributes.Value("source")
				outcome, _ := point.Attributes.Value("outcome")
				outcomes[source.AsString()+"/"+outcome.AsString()] += point.Value
			}
		}
	}
	if outcomes["gmail/ok"] != 1 || outcomes["drive/not_linked"] != 1 {
		t.Fatalf("unexpected outcome counts %v", outcomes)
	}
}

func TestNewAggregatorRequiresRegistry(t *testing.T) {
	if _, err := NewAggregator(AggregatorConfig{}); err == nil {
		t.Fatalf("expected error for missing registry")
	}
}
