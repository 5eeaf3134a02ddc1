package spapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b2fitness/amazon-connector/internal/breaker"
	"github.com/b2fitness/amazon-connector/internal/marketplace"
	"github.com/b2fitness/amazon-connector/pkg/persistence"
	"github.com/b2fitness/amazon-connector/pkg/ratelimit"
)

// Burst capacity on the default buckets covers the handful of calls a
// test makes, so the real manager works here.
func fastLimiters() *ratelimit.Manager {
	return ratelimit.NewManager()
}

func newTestClient(t *testing.T, apiURL string, lwaCalls *int64) *Client {
	t.Helper()

	lwa := newLWAServer(t, lwaCalls)
	t.Cleanup(lwa.Close)

	store := persistence.NewJSONFileStore(filepath.Join(t.TempDir(), "creds.json"))
	tm := NewTokenManager(store, WithTokenURL(lwa.URL))
	_, err := tm.Connect(context.Background(), validCreds())
	require.NoError(t, err)

	c := NewClient(ClientConfig{
		BaseURLNA:  apiURL,
		BaseURLEU:  apiURL,
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   10 * time.Millisecond,
	}, tm, fastLimiters(), breaker.New(breaker.Config{FailureThreshold: 100}))
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c
}

func TestGetOrdersPageParsesPayload(t *testing.T) {
	var lwaCalls int64
	var gotQuery atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.Query())
		assert.NotEmpty(t, r.Header.Get("x-amz-access-token"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"payload": map[string]any{
				"Orders": []map[string]any{
					{"AmazonOrderId": "026-111", "OrderStatus": "Shipped"},
					{"AmazonOrderId": "026-222", "OrderStatus": "Unshipped"},
				},
				"NextToken": "tok-next",
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &lwaCalls)
	page, err := c.GetOrdersPage(context.Background(), marketplace.RegionEU, OrdersQuery{
		MarketplaceID: "A1F83G8C2ARO7P",
		CreatedAfter:  time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC),
		CreatedBefore: time.Date(2024, 3, 4, 23, 59, 59, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.Len(t, page.Orders, 2)
	assert.Equal(t, "026-111", page.Orders[0].AmazonOrderID())
	assert.Equal(t, "tok-next", page.NextToken)

	q := gotQuery.Load().(url.Values)
	assert.Equal(t, "A1F83G8C2ARO7P", q.Get("MarketplaceIds"))
	assert.Equal(t, DefaultOrderStatuses, q.Get("OrderStatuses"))
	assert.Equal(t, "100", q.Get("MaxResultsPerPage"))
}

func TestGetOrdersPageWithNextTokenOmitsWindow(t *testing.T) {
	var lwaCalls int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "tok-1", q.Get("NextToken"))
		assert.Empty(t, q.Get("CreatedAfter"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"payload":{"Orders":[]}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &lwaCalls)
	page, err := c.GetOrdersPage(context.Background(), marketplace.RegionEU, OrdersQuery{
		MarketplaceID: "A1F83G8C2ARO7P",
		NextToken:     "tok-1",
	})
	require.NoError(t, err)
	assert.Empty(t, page.Orders)
	assert.Empty(t, page.NextToken)
}

func TestGetOrderItemsPage(t *testing.T) {
	var lwaCalls int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders/v0/orders/026-111/orderItems", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"payload":{"AmazonOrderId":"026-111","OrderItems":[{"OrderItemId":"item-1","SellerSKU":"sku-a"}]}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &lwaCalls)
	page, err := c.GetOrderItemsPage(context.Background(), marketplace.RegionEU, "026-111", "")
	require.NoError(t, err)

	assert.Equal(t, "026-111", page.AmazonOrderID)
	require.Len(t, page.OrderItems, 1)
	assert.Equal(t, "item-1", page.OrderItems[0].OrderItemID())
}

func TestRateLimitedRetriesThenSucceeds(t *testing.T) {
	var lwaCalls, hits int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&hits, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"payload":{"Orders":[{"AmazonOrderId":"026-1"}]}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &lwaCalls)
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	page, err := c.GetOrdersPage(context.Background(), marketplace.RegionEU, OrdersQuery{
		MarketplaceID: "A1F83G8C2ARO7P",
		CreatedAfter:  time.Now().Add(-24 * time.Hour),
		CreatedBefore: time.Now(),
	})
	require.NoError(t, err)
	assert.Len(t, page.Orders, 1)
	assert.Equal(t, int64(2), atomic.LoadInt64(&hits))

	// Retry-After dominates the tiny test backoff.
	require.Len(t, slept, 1)
	assert.GreaterOrEqual(t, slept[0], time.Second)
}

func TestBadRequestIsNotRetried(t *testing.T) {
	var lwaCalls, hits int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":[{"code":"InvalidInput"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &lwaCalls)
	_, err := c.GetOrdersPage(context.Background(), marketplace.RegionEU, OrdersQuery{MarketplaceID: "X"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindBadRequest, apiErr.Kind)
	assert.Equal(t, int64(1), atomic.LoadInt64(&hits))
}

func TestUnauthorizedTriggersSingleRefreshAndRetry(t *testing.T) {
	var lwaCalls, hits int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&hits, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"payload":{"Orders":[]}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &lwaCalls)
	// Connect already minted once; force the cooldown window open so the
	// 401 path performs a real refresh.
	c.tokens.lastRefresh = time.Now().Add(-2 * refreshCooldown)

	_, err := c.GetOrdersPage(context.Background(), marketplace.RegionEU, OrdersQuery{
		MarketplaceID: "A1F83G8C2ARO7P",
		CreatedAfter:  time.Now().Add(-24 * time.Hour),
		CreatedBefore: time.Now(),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(2), atomic.LoadInt64(&hits))
	assert.Equal(t, int64(2), atomic.LoadInt64(&lwaCalls)) // connect + refresh
}

func TestPersistentUnauthorizedSurfacesAuthFailed(t *testing.T) {
	var lwaCalls int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &lwaCalls)
	c.tokens.lastRefresh = time.Now().Add(-2 * refreshCooldown)

	_, err := c.GetOrdersPage(context.Background(), marketplace.RegionEU, OrdersQuery{MarketplaceID: "X"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindAuthFailed, apiErr.Kind)
}

func TestOpenCircuitFailsFast(t *testing.T) {
	var lwaCalls int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &lwaCalls)
	cb := breaker.New(breaker.Config{FailureThreshold: 2, RecoveryTimeout: time.Hour})
	c.breaker = cb

	_, err := c.GetOrdersPage(context.Background(), marketplace.RegionEU, OrdersQuery{MarketplaceID: "X"})
	require.Error(t, err)
	require.Equal(t, breaker.StateOpen, cb.State())

	_, err = c.GetOrdersPage(context.Background(), marketplace.RegionEU, OrdersQuery{MarketplaceID: "X"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindCircuitOpen, apiErr.Kind)
}
