package fetcher

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/b2fitness/amazon-connector/internal/marketplace"
	"github.com/b2fitness/amazon-connector/internal/spapi"
	"github.com/b2fitness/amazon-connector/pkg/logger"
	"github.com/b2fitness/amazon-connector/pkg/ratelimit"
	"github.com/b2fitness/amazon-connector/pkg/syncgroup"
)

// Client is the slice of the SP-API surface the fetcher needs.
type Client interface {
	GetOrdersPage(ctx context.Context, region marketplace.Region, q spapi.OrdersQuery) (*spapi.OrdersPage, error)
	GetOrderItemsPage(ctx context.Context, region marketplace.Region, orderID, nextToken string) (*spapi.OrderItemsPage, error)
}

// Config tunes the adaptive batch machinery. Zero values take defaults.
type Config struct {
	MaxOrders        int // 0 = unlimited
	InitialBatchSize int
	MinBatchSize     int
	MaxBatchSize     int
	MaxWorkers       int
	MaxRetryRounds   int
	InitialRetryWait time.Duration
	RetryRoundDelay  time.Duration
}

func (c *Config) fillDefaults() {
	if c.InitialBatchSize <= 0 {
		c.InitialBatchSize = 10
	}
	if c.MinBatchSize <= 0 {
		c.MinBatchSize = 1
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 30
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 8
	}
	if c.MaxRetryRounds <= 0 {
		c.MaxRetryRounds = 5
	}
	if c.InitialRetryWait <= 0 {
		c.InitialRetryWait = 30 * time.Second
	}
	if c.RetryRoundDelay <= 0 {
		c.RetryRoundDelay = 60 * time.Second
	}
}

// pageSizeLadder degrades MaxResultsPerPage across retries of one page.
var pageSizeLadder = []int{100, 50, 20}

// Stats summarizes one day-fetch for the activity ledger.
type Stats struct {
	OrderPages      int           `json:"order_pages"`
	OrdersFetched   int           `json:"orders_fetched"`
	ItemsFetched    int           `json:"items_fetched"`
	ItemRequests    int           `json:"item_requests"`
	FailedItemCalls int           `json:"failed_item_calls"`
	RetryRounds     int           `json:"retry_rounds"`
	FinalBatchSize  int           `json:"final_batch_size"`
	Duration        time.Duration `json:"duration"`
}

// Result is the raw marketplace-day haul.
type Result struct {
	Orders         []spapi.Order
	ItemsByOrderID map[string][]spapi.OrderItem
	FailedOrders   []string
	Stats          Stats
}

// Fetcher pulls one marketplace-day of orders and their items, batching
// item calls adaptively and re-chasing failures until every order has
// items or the retry budget runs out.
type Fetcher struct {
	client   Client
	limiters *ratelimit.Manager
	cfg      Config

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a fetcher over the given client and limiter set.
func New(client Client, limiters *ratelimit.Manager, cfg Config) *Fetcher {
	cfg.fillDefaults()
	return &Fetcher{
		client:   client,
		limiters: limiters,
		cfg:      cfg,
		sleep: func(ctx context.Context, d time.Duration) error {
			if d <= 0 {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
}

// FetchOrdersWithItems runs the whole day: orders page loop, adaptive
// item batches, then the auto-retry rounds for stragglers.
func (f *Fetcher) FetchOrdersWithItems(ctx context.Context, mp marketplace.Marketplace, start, end time.Time) (*Result, error) {
	began := time.Now()

	orders, pages, err := f.fetchOrders(ctx, mp, start, end)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Orders:         orders,
		ItemsByOrderID: make(map[string][]spapi.OrderItem, len(orders)),
	}
	result.Stats.OrderPages = pages
	result.Stats.OrdersFetched = len(orders)

	if len(orders) == 0 {
		result.Stats.Duration = time.Since(began)
		return result, nil
	}

	failCounts, err := f.fetchAllItems(ctx, mp.Region, orders, result)
	if err != nil {
		return nil, err
	}

	if err := f.retryFailedOrders(ctx, mp.Region, failCounts, result); err != nil {
		return nil, err
	}

	for id := range failCounts {
		result.FailedOrders = append(result.FailedOrders, id)
	}
	sort.Strings(result.FailedOrders)

	result.Stats.Duration = time.Since(began)
	logger.WithFields(map[string]any{
		"marketplace": mp.Code,
		"orders":      result.Stats.OrdersFetched,
		"items":       result.Stats.ItemsFetched,
		"failed":      len(result.FailedOrders),
		"duration":    result.Stats.Duration.String(),
	}).Info("day fetch finished")
	return result, nil
}

func (f *Fetcher) fetchOrders(ctx context.Context, mp marketplace.Marketplace, start, end time.Time) ([]spapi.Order, int, error) {
	var (
		orders    []spapi.Order
		nextToken string
		pages     int
	)

	for {
		page, err := f.fetchOrdersPage(ctx, mp, start, end, nextToken)
		if err != nil {
			return nil, pages, errors.Wrapf(err, "orders page %d", pages+1)
		}
		pages++
		orders = append(orders, page.Orders...)

		if f.cfg.MaxOrders > 0 && len(orders) >= f.cfg.MaxOrders {
			orders = orders[:f.cfg.MaxOrders]
			break
		}
		if page.NextToken == "" {
			break
		}
		nextToken = page.NextToken
	}
	return orders, pages, nil
}

// fetchOrdersPage walks the page-size ladder: a failing page is retried
// with a smaller MaxResultsPerPage before giving up.
func (f *Fetcher) fetchOrdersPage(ctx context.Context, mp marketplace.Marketplace, start, end time.Time, nextToken string) (*spapi.OrdersPage, error) {
	var lastErr error
	for i, size := range pageSizeLadder {
		page, err := f.client.GetOrdersPage(ctx, mp.Region, spapi.OrdersQuery{
			MarketplaceID:     mp.ID,
			CreatedAfter:      start,
			CreatedBefore:     end,
			MaxResultsPerPage: size,
			NextToken:         nextToken,
		})
		if err == nil {
			return page, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if i < len(pageSizeLadder)-1 {
			logger.WithFields(map[string]any{
				"marketplace": mp.Code,
				"page_size":   size,
				"next_size":   pageSizeLadder[i+1],
			}).Warn("orders page failed, degrading page size")
		}
	}
	return nil, lastErr
}

// fetchAllItems runs the adaptive batch loop and returns per-order
// failure counts for the orders whose items could not be fetched.
func (f *Fetcher) fetchAllItems(ctx context.Context, region marketplace.Region, orders []spapi.Order, result *Result) (map[string]int, error) {
	batchSize := f.cfg.InitialBatchSize
	cleanStreak := 0
	failStreak := 0
	throttleStreak := 0
	failCounts := make(map[string]int)

	for offset := 0; offset < len(orders); {
		limit := offset + batchSize
		if limit > len(orders) {
			limit = len(orders)
		}
		batch := orders[offset:limit]
		offset = limit

		failed, throttled := f.fetchItemsBatch(ctx, region, batch, result)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for _, id := range failed {
			failCounts[id]++
		}

		if throttled {
			throttleStreak++
		} else {
			throttleStreak = 0
		}

		if len(failed) > 0 {
			failStreak++
			cleanStreak = 0
			if failStreak >= 2 && batchSize > f.cfg.MinBatchSize {
				batchSize--
				failStreak = 0
				logger.WithField("batch_size", batchSize).Info("shrinking item batch size")
			}
		} else {
			cleanStreak++
			failStreak = 0
			if cleanStreak >= 3 && batchSize < f.cfg.MaxBatchSize {
				batchSize++
				cleanStreak = 0
				logger.WithField("batch_size", batchSize).Debug("growing item batch size")
			}
		}

		if offset < len(orders) {
			pause := f.limiters.WaitTime(ratelimit.EndpointOrderItems)
			if throttleStreak > 0 {
				penalty := 10*time.Second + 5*time.Second*time.Duration(throttleStreak)
				if penalty > pause {
					pause = penalty
				}
			}
			if err := f.sleep(ctx, pause); err != nil {
				return nil, err
			}
		}
	}

	result.Stats.FinalBatchSize = batchSize
	return failCounts, nil
}

// fetchItemsBatch fans one batch out over the worker pool and reports
// which orders failed and whether any failure was a throttle.
func (f *Fetcher) fetchItemsBatch(ctx context.Context, region marketplace.Region, batch []spapi.Order, result *Result) (failed []string, throttled bool) {
	var mu sync.Mutex
	sem := make(chan struct{}, f.cfg.MaxWorkers)
	group := syncgroup.NewSyncGroup()

	for _, order := range batch {
		orderID := order.AmazonOrderID()
		if orderID == "" {
			continue
		}
		group.Add(func() {
			sem <- struct{}{}
			defer func() { <-sem }()

			items, err := f.fetchOrderItems(ctx, region, orderID)

			mu.Lock()
			defer mu.Unlock()
			result.Stats.ItemRequests++
			if err != nil {
				result.Stats.FailedItemCalls++
				failed = append(failed, orderID)
				if isThrottle(err) {
					throttled = true
				}
				logger.WithFields(map[string]any{"order_id": orderID, "error": err.Error()}).Warn("order items fetch failed")
				return
			}
			result.ItemsByOrderID[orderID] = items
			result.Stats.ItemsFetched += len(items)
		})
	}

	group.Run()
	group.WaitAndClear()
	return failed, throttled
}

func (f *Fetcher) fetchOrderItems(ctx context.Context, region marketplace.Region, orderID string) ([]spapi.OrderItem, error) {
	var (
		items     []spapi.OrderItem
		nextToken string
	)
	for {
		page, err := f.client.GetOrderItemsPage(ctx, region, orderID, nextToken)
		if err != nil {
			return nil, err
		}
		items = append(items, page.OrderItems...)
		if page.NextToken == "" {
			return items, nil
		}
		nextToken = page.NextToken
	}
}

// retryFailedOrders chases every failed order one at a time: an initial
// quiet period, then up to MaxRetryRounds rounds with growing delays
// between rounds and per-order spacing that grows with that order's
// failure count.
func (f *Fetcher) retryFailedOrders(ctx context.Context, region marketplace.Region, failCounts map[string]int, result *Result) error {
	if len(failCounts) == 0 {
		return nil
	}

	if err := f.sleep(ctx, f.cfg.InitialRetryWait); err != nil {
		return err
	}

	for round := 1; round <= f.cfg.MaxRetryRounds && len(failCounts) > 0; round++ {
		result.Stats.RetryRounds++
		if round > 1 {
			if err := f.sleep(ctx, f.cfg.RetryRoundDelay*time.Duration(round)); err != nil {
				return err
			}
		}

		ids := make([]string, 0, len(failCounts))
		for id := range failCounts {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		logger.WithFields(map[string]any{"round": round, "remaining": len(ids)}).Info("retrying failed orders")

		for _, id := range ids {
			spacing := time.Duration(failCounts[id]) * 5 * time.Second
			if err := f.sleep(ctx, spacing); err != nil {
				return err
			}

			items, err := f.fetchOrderItems(ctx, region, id)
			result.Stats.ItemRequests++
			if err != nil {
				result.Stats.FailedItemCalls++
				failCounts[id]++
				continue
			}
			result.ItemsByOrderID[id] = items
			result.Stats.ItemsFetched += len(items)
			delete(failCounts, id)
		}
	}
	return nil
}

func isThrottle(err error) bool {
	var apiErr *spapi.APIError
	return errors.As(err, &apiErr) && apiErr.Kind == spapi.KindRateLimited
}
