package controller

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b2fitness/amazon-connector/internal/fetcher"
	"github.com/b2fitness/amazon-connector/internal/marketplace"
	"github.com/b2fitness/amazon-connector/internal/sink"
	"github.com/b2fitness/amazon-connector/internal/spapi"
	"github.com/b2fitness/amazon-connector/internal/state"
	"github.com/b2fitness/amazon-connector/internal/transform"
)

type fakeFetcher struct {
	calls  []fetchCall
	orders map[string][]spapi.Order // keyed by mp code + day
	err    error
}

type fetchCall struct {
	code       string
	start, end time.Time
}

func (f *fakeFetcher) FetchOrdersWithItems(ctx context.Context, mp marketplace.Marketplace, start, end time.Time) (*fetcher.Result, error) {
	f.calls = append(f.calls, fetchCall{code: mp.Code, start: start, end: end})
	if f.err != nil {
		return nil, f.err
	}
	orders := f.orders[mp.Code+start.Format("2006-01-02")]
	return &fetcher.Result{
		Orders:         orders,
		ItemsByOrderID: map[string][]spapi.OrderItem{},
		Stats:          fetcher.Stats{OrdersFetched: len(orders)},
	}, nil
}

type fakeTransformer struct{}

func (fakeTransformer) Process(mp marketplace.Marketplace, orders []spapi.Order, itemsByOrder map[string][]spapi.OrderItem) (*transform.Output, error) {
	rows := make([]transform.Record, len(orders))
	for i := range orders {
		rows[i] = transform.Record{"AmazonOrderId": orders[i].AmazonOrderID()}
	}
	return &transform.Output{MSSQL: rows, Azure: rows}, nil
}

type fakeWriter struct {
	fail bool
}

func (w *fakeWriter) WriteDay(ctx context.Context, mp marketplace.Marketplace, out *transform.Output) sink.WriteResult {
	if w.fail {
		return sink.WriteResult{
			MSSQL:  sink.Outcome{Error: "mssql down"},
			Azure:  sink.Outcome{Error: "azure down"},
			Errors: []string{"mssql down", "azure down"},
		}
	}
	return sink.WriteResult{
		MSSQL:             sink.Outcome{Success: true, Saved: len(out.MSSQL)},
		Azure:             sink.Outcome{Success: true, Saved: len(out.Azure)},
		TotalRecordsSaved: len(out.MSSQL) + len(out.Azure),
	}
}

func mustMarketplaces(t *testing.T, codes ...string) []marketplace.Marketplace {
	t.Helper()
	mps, err := marketplace.Codes(codes)
	require.NoError(t, err)
	return mps
}

func newTestController(t *testing.T, mps []marketplace.Marketplace, ff *fakeFetcher, fw *fakeWriter, cfg Config) (*Controller, *state.Store) {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	if cfg.SeedLastRun.IsZero() {
		cfg.SeedLastRun = time.Date(2023, 11, 1, 23, 59, 59, 0, time.UTC)
	}
	if cfg.EndDate.IsZero() {
		cfg.EndDate = time.Date(2023, 11, 5, 23, 59, 59, 0, time.UTC)
	}
	c := New(store, ff, fakeTransformer{}, fw, mps, cfg)
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	require.NoError(t, c.Seed(context.Background()))
	return c, store
}

func shippedOrder(id string) spapi.Order {
	return spapi.Order{"AmazonOrderId": id, "OrderStatus": "Shipped"}
}

func TestRunOncePicksMostBehindMarketplace(t *testing.T) {
	mps := mustMarketplaces(t, "UK", "DE")
	ff := &fakeFetcher{orders: map[string][]spapi.Order{}}
	c, store := newTestController(t, mps, ff, &fakeWriter{}, Config{})
	ctx := context.Background()

	// DE is one day ahead of UK, so UK must run first.
	uk, de := mps[0], mps[1]
	ok, err := store.AdvanceLastRun(ctx, de.ID,
		time.Date(2023, 11, 1, 23, 59, 59, 0, time.UTC),
		time.Date(2023, 11, 2, 23, 59, 59, 0, time.UTC))
	require.NoError(t, err)
	require.True(t, ok)

	outcome, ran, err := c.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)
	assert.Equal(t, uk.Code, outcome.Marketplace.Code)
	assert.Equal(t, time.Date(2023, 11, 2, 0, 0, 0, 0, time.UTC), outcome.Start)
	assert.Equal(t, time.Date(2023, 11, 2, 23, 59, 59, 0, time.UTC), outcome.End)
	assert.True(t, outcome.Advanced)
}

func TestRunOnceTieBreaksOnMarketplaceID(t *testing.T) {
	mps := mustMarketplaces(t, "UK", "DE")
	ff := &fakeFetcher{orders: map[string][]spapi.Order{}}
	c, _ := newTestController(t, mps, ff, &fakeWriter{}, Config{})

	// Equal high-water marks: A1F83G8C2ARO7P (UK) sorts before
	// A1PA6795UKMFR9 (DE).
	outcome, ran, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
	assert.Equal(t, "UK", outcome.Marketplace.Code)
}

func TestEmptyDayStillAdvances(t *testing.T) {
	mps := mustMarketplaces(t, "UK")
	ff := &fakeFetcher{orders: map[string][]spapi.Order{}}
	c, store := newTestController(t, mps, ff, &fakeWriter{}, Config{})
	ctx := context.Background()

	outcome, ran, err := c.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)
	assert.True(t, outcome.Advanced)
	assert.Zero(t, outcome.OrdersFetched)

	runs, err := store.LastRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 11, 2, 23, 59, 59, 0, time.UTC), runs[mps[0].ID])

	acts, err := store.Activities(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, state.ActivityCompleted, acts[0].Status)
}

func TestSuccessfulDayWritesAndAdvances(t *testing.T) {
	mps := mustMarketplaces(t, "UK")
	ff := &fakeFetcher{orders: map[string][]spapi.Order{
		"UK2023-11-02": {shippedOrder("o1"), shippedOrder("o2")},
	}}
	c, store := newTestController(t, mps, ff, &fakeWriter{}, Config{})
	ctx := context.Background()

	outcome, ran, err := c.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)
	assert.Equal(t, 2, outcome.OrdersFetched)
	assert.Equal(t, 4, outcome.Saved)
	assert.True(t, outcome.Advanced)

	acts, err := store.Activities(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, state.ActivityCompleted, acts[0].Status)
	assert.True(t, acts[0].MSSQLSaved)
	assert.True(t, acts[0].AzureSaved)
	assert.True(t, acts[0].DatabaseSaved)
	assert.Equal(t, 2, acts[0].OrdersFetched)
}

func TestBothSinksFailingHoldsHighWaterMark(t *testing.T) {
	mps := mustMarketplaces(t, "UK")
	ff := &fakeFetcher{orders: map[string][]spapi.Order{
		"UK2023-11-02": {shippedOrder("o1")},
	}}
	c, store := newTestController(t, mps, ff, &fakeWriter{fail: true}, Config{})
	ctx := context.Background()

	_, ran, err := c.RunOnce(ctx)
	require.True(t, ran)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both sinks failed")

	runs, err := store.LastRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 11, 1, 23, 59, 59, 0, time.UTC), runs[mps[0].ID])

	acts, err := store.Activities(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, state.ActivityFailed, acts[0].Status)
}

func TestFetchErrorFailsActivityWithoutAdvancing(t *testing.T) {
	mps := mustMarketplaces(t, "UK")
	ff := &fakeFetcher{err: errors.New("orders endpoint unavailable")}
	c, store := newTestController(t, mps, ff, &fakeWriter{}, Config{})
	ctx := context.Background()

	_, ran, err := c.RunOnce(ctx)
	require.True(t, ran)
	require.Error(t, err)

	runs, err := store.LastRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 11, 1, 23, 59, 59, 0, time.UTC), runs[mps[0].ID])
}

func TestInProgressWindowIsSkipped(t *testing.T) {
	mps := mustMarketplaces(t, "UK")
	ff := &fakeFetcher{orders: map[string][]spapi.Order{}}
	c, store := newTestController(t, mps, ff, &fakeWriter{}, Config{})
	ctx := context.Background()

	_, err := store.OpenActivity(ctx, mps[0].ID, state.ActivityTypeOrders,
		time.Date(2023, 11, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2023, 11, 2, 23, 59, 59, 0, time.UTC))
	require.NoError(t, err)

	_, ran, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Empty(t, ff.calls)
}

func TestCaughtUpMarketplaceIsIdle(t *testing.T) {
	mps := mustMarketplaces(t, "UK")
	ff := &fakeFetcher{orders: map[string][]spapi.Order{}}
	c, store := newTestController(t, mps, ff, &fakeWriter{}, Config{
		EndDate: time.Date(2023, 11, 2, 23, 59, 59, 0, time.UTC),
	})
	ctx := context.Background()

	// Walk the single pending day, then nothing remains.
	_, ran, err := c.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	_, ran, err = c.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, ran)

	runs, err := store.LastRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 11, 2, 23, 59, 59, 0, time.UTC), runs[mps[0].ID])
}

func TestFetchDayLeavesHighWaterMarkAlone(t *testing.T) {
	mps := mustMarketplaces(t, "UK")
	ff := &fakeFetcher{orders: map[string][]spapi.Order{
		"UK2023-11-03": {shippedOrder("o1")},
	}}
	c, store := newTestController(t, mps, ff, &fakeWriter{}, Config{})
	ctx := context.Background()

	// Accepts the code as well as the Amazon marketplace id.
	outcome, err := c.FetchDay(ctx, "UK", time.Date(2023, 11, 3, 14, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.OrdersFetched)
	assert.Equal(t, 2, outcome.Saved)
	assert.False(t, outcome.Advanced)

	require.Len(t, ff.calls, 1)
	assert.Equal(t, time.Date(2023, 11, 3, 0, 0, 0, 0, time.UTC), ff.calls[0].start)
	assert.Equal(t, time.Date(2023, 11, 3, 23, 59, 59, 0, time.UTC), ff.calls[0].end)

	runs, err := store.LastRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 11, 1, 23, 59, 59, 0, time.UTC), runs[mps[0].ID])

	acts, err := store.Activities(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, state.ActivityCompleted, acts[0].Status)

	_, err = c.FetchDay(ctx, "XX", time.Date(2023, 11, 3, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
}

func TestWalkCoversAllDaysInOrder(t *testing.T) {
	mps := mustMarketplaces(t, "UK", "DE")
	ff := &fakeFetcher{orders: map[string][]spapi.Order{}}
	c, _ := newTestController(t, mps, ff, &fakeWriter{}, Config{
		EndDate: time.Date(2023, 11, 3, 23, 59, 59, 0, time.UTC),
	})
	ctx := context.Background()

	for {
		_, ran, err := c.RunOnce(ctx)
		require.NoError(t, err)
		if !ran {
			break
		}
	}

	// Two marketplaces, two days each, oldest window first.
	require.Len(t, ff.calls, 4)
	assert.Equal(t, "UK", ff.calls[0].code)
	assert.Equal(t, "DE", ff.calls[1].code)
	assert.Equal(t, time.Date(2023, 11, 2, 0, 0, 0, 0, time.UTC), ff.calls[0].start)
	assert.Equal(t, time.Date(2023, 11, 3, 0, 0, 0, 0, time.UTC), ff.calls[2].start)
	assert.Equal(t, "UK", ff.calls[2].code)
	assert.Equal(t, "DE", ff.calls[3].code)
}
