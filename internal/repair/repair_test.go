package repair

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b2fitness/amazon-connector/internal/marketplace"
	"github.com/b2fitness/amazon-connector/internal/state"
)

// fakeWarehouse drives the runner seams for one test scenario.
type fakeWarehouse struct {
	maxPurchase map[string]time.Time
	maxFetch    map[string]time.Time
	mssqlRows   map[string]int64
	azureRows   map[string]int64

	mssqlDeleteErr error
	azureDeleteErr error

	deletedMSSQL []string
	deletedAzure []string
}

func newTestRunner(t *testing.T, fw *fakeWarehouse) (*Runner, *state.Store) {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	r := NewRunner(store, nil, nil, "")
	r.maxPurchaseDate = func(ctx context.Context, mp marketplace.Marketplace) (time.Time, bool, error) {
		d, ok := fw.maxPurchase[mp.Code]
		return d, ok, nil
	}
	r.maxFetchDate = func(ctx context.Context, mp marketplace.Marketplace) (time.Time, bool, error) {
		d, ok := fw.maxFetch[mp.Code]
		return d, ok, nil
	}
	r.countMSSQL = func(ctx context.Context, mp marketplace.Marketplace, max time.Time) (int64, error) {
		return fw.mssqlRows[mp.Code], nil
	}
	r.countAzure = func(ctx context.Context, mp marketplace.Marketplace, max time.Time) (int64, error) {
		return fw.azureRows[mp.Code], nil
	}
	r.sampleMSSQL = func(ctx context.Context, mp marketplace.Marketplace, max time.Time) ([]Sample, error) {
		return nil, nil
	}
	r.sampleAzure = func(ctx context.Context, mp marketplace.Marketplace, max time.Time) ([]Sample, error) {
		return nil, nil
	}
	r.deleteMSSQL = func(ctx context.Context, mp marketplace.Marketplace, max time.Time) (int64, error) {
		if fw.mssqlDeleteErr != nil {
			return 0, fw.mssqlDeleteErr
		}
		fw.deletedMSSQL = append(fw.deletedMSSQL, mp.Code)
		return fw.mssqlRows[mp.Code], nil
	}
	r.deleteAzure = func(ctx context.Context, mp marketplace.Marketplace, max time.Time) (int64, error) {
		if fw.azureDeleteErr != nil {
			return 0, fw.azureDeleteErr
		}
		fw.deletedAzure = append(fw.deletedAzure, mp.Code)
		return fw.azureRows[mp.Code], nil
	}
	return r, store
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestRewindTarget(t *testing.T) {
	got := rewindTarget(day(2024, 5, 20))
	assert.Equal(t, time.Date(2024, 5, 19, 23, 59, 59, 0, time.UTC), got)
}

func TestRunDeletesAnomaliesAndRewinds(t *testing.T) {
	fw := &fakeWarehouse{
		maxPurchase: map[string]time.Time{"UK": day(2024, 5, 20)},
		maxFetch:    map[string]time.Time{"UK": day(2024, 5, 20)},
		mssqlRows:   map[string]int64{"UK": 7},
		azureRows:   map[string]int64{"UK": 3},
	}
	r, store := newTestRunner(t, fw)
	ctx := context.Background()

	summary, err := r.Run(ctx, []string{"UK"})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.TotalMarketplacesProcessed)
	assert.Equal(t, int64(10), summary.TotalRowsDeleted)
	require.Len(t, summary.MarketplacesFixed, 1)
	fix := summary.MarketplacesFixed[0]
	assert.Equal(t, "UK", fix.Marketplace)
	assert.Equal(t, int64(7), fix.RowsDeletedMSSQL)
	assert.Equal(t, int64(3), fix.RowsDeletedAzure)
	assert.Equal(t, "2024-05-20", fix.MaxPurchaseDate)
	assert.Equal(t, "2024-05-19T23:59:59Z", fix.NewLastRun)

	uk, err := marketplace.ByCode("UK")
	require.NoError(t, err)
	runs, err := store.LastRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 19, 23, 59, 59, 0, time.UTC), runs[uk.ID])
}

func TestRunNoAnomalies(t *testing.T) {
	fw := &fakeWarehouse{
		maxPurchase: map[string]time.Time{"UK": day(2024, 5, 20)},
		maxFetch:    map[string]time.Time{"UK": day(2024, 5, 20)},
	}
	r, store := newTestRunner(t, fw)
	ctx := context.Background()

	summary, err := r.Run(ctx, []string{"UK"})
	require.NoError(t, err)

	assert.Equal(t, []string{"UK"}, summary.MarketplacesNoAnomalies)
	assert.Empty(t, summary.MarketplacesFixed)
	assert.Empty(t, fw.deletedMSSQL)

	// No rewind happened.
	runs, err := store.LastRuns(ctx)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRunEmptyTableRecordsError(t *testing.T) {
	fw := &fakeWarehouse{
		maxPurchase: map[string]time.Time{},
		maxFetch:    map[string]time.Time{},
	}
	r, _ := newTestRunner(t, fw)

	summary, err := r.Run(context.Background(), []string{"UK"})
	require.NoError(t, err)

	require.Len(t, summary.MarketplacesWithErrors, 1)
	assert.Equal(t, "UK", summary.MarketplacesWithErrors[0].Marketplace)
	assert.Contains(t, summary.MarketplacesWithErrors[0].Error, "max purchase date")
}

func TestDeleteFailureSkipsRewind(t *testing.T) {
	fw := &fakeWarehouse{
		maxPurchase: map[string]time.Time{"UK": day(2024, 5, 20)},
		maxFetch:    map[string]time.Time{"UK": day(2024, 5, 20)},
		mssqlRows:   map[string]int64{"UK": 5},
		azureRows:   map[string]int64{"UK": 2},
		azureDeleteErr: errors.New("azure timeout"),
	}
	r, store := newTestRunner(t, fw)
	ctx := context.Background()

	summary, err := r.Run(ctx, []string{"UK"})
	require.NoError(t, err)

	require.Len(t, summary.MarketplacesWithErrors, 1)
	assert.Contains(t, summary.MarketplacesWithErrors[0].Error, "azure deletion failed")
	assert.Empty(t, summary.MarketplacesFixed)

	// The high-water mark stays put when any deletion failed.
	runs, err := store.LastRuns(ctx)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestMSSQLDeleteFailureNeverTouchesAzure(t *testing.T) {
	fw := &fakeWarehouse{
		maxPurchase: map[string]time.Time{"UK": day(2024, 5, 20)},
		maxFetch:    map[string]time.Time{"UK": day(2024, 5, 20)},
		mssqlRows:   map[string]int64{"UK": 5},
		azureRows:   map[string]int64{"UK": 2},
		mssqlDeleteErr: errors.New("deadlock victim"),
	}
	r, _ := newTestRunner(t, fw)

	summary, err := r.Run(context.Background(), []string{"UK"})
	require.NoError(t, err)

	require.Len(t, summary.MarketplacesWithErrors, 1)
	assert.Contains(t, summary.MarketplacesWithErrors[0].Error, "mssql deletion failed")
	assert.Empty(t, fw.deletedAzure)
}

func TestRunDefaultsToAllRepairableMarketplaces(t *testing.T) {
	fw := &fakeWarehouse{
		maxPurchase: map[string]time.Time{},
		maxFetch:    map[string]time.Time{},
	}
	r, _ := newTestRunner(t, fw)

	summary, err := r.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, len(DefaultCodes), summary.TotalMarketplacesProcessed)
}

func TestOneMarketplaceFailureDoesNotStopOthers(t *testing.T) {
	fw := &fakeWarehouse{
		maxPurchase: map[string]time.Time{"DE": day(2024, 5, 20)},
		maxFetch:    map[string]time.Time{"DE": day(2024, 5, 20)},
		mssqlRows:   map[string]int64{"DE": 1},
		azureRows:   map[string]int64{},
	}
	r, _ := newTestRunner(t, fw)

	summary, err := r.Run(context.Background(), []string{"UK", "DE"})
	require.NoError(t, err)

	require.Len(t, summary.MarketplacesWithErrors, 1)
	assert.Equal(t, "UK", summary.MarketplacesWithErrors[0].Marketplace)
	require.Len(t, summary.MarketplacesFixed, 1)
	assert.Equal(t, "DE", summary.MarketplacesFixed[0].Marketplace)
}
