package controller

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/b2fitness/amazon-connector/internal/fetcher"
	"github.com/b2fitness/amazon-connector/internal/marketplace"
	"github.com/b2fitness/amazon-connector/internal/sink"
	"github.com/b2fitness/amazon-connector/internal/spapi"
	"github.com/b2fitness/amazon-connector/internal/state"
	"github.com/b2fitness/amazon-connector/internal/transform"
	"github.com/b2fitness/amazon-connector/pkg/logger"
	"github.com/b2fitness/amazon-connector/pkg/sigchan"
)

// Fetcher pulls one marketplace-day of raw orders and items.
type Fetcher interface {
	FetchOrdersWithItems(ctx context.Context, mp marketplace.Marketplace, start, end time.Time) (*fetcher.Result, error)
}

// Transformer turns a raw day into sink-shaped rows.
type Transformer interface {
	Process(mp marketplace.Marketplace, orders []spapi.Order, itemsByOrder map[string][]spapi.OrderItem) (*transform.Output, error)
}

// Writer persists one day into both warehouses.
type Writer interface {
	WriteDay(ctx context.Context, mp marketplace.Marketplace, out *transform.Output) sink.WriteResult
}

// Config tunes the scheduling loop.
type Config struct {
	SeedLastRun time.Time
	EndDate     time.Time // zero means "up to yesterday"

	// Pause after each day; doubled-up pause when the next marketplace
	// shares a credential group with the one just run.
	MarketplaceDelay     time.Duration
	CredentialGroupDelay time.Duration

	IdleInterval time.Duration // recheck cadence when everything is caught up
}

func (c *Config) fillDefaults() {
	if c.MarketplaceDelay <= 0 {
		c.MarketplaceDelay = 120 * time.Second
	}
	if c.CredentialGroupDelay <= 0 {
		c.CredentialGroupDelay = 60 * time.Second
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = 15 * time.Minute
	}
}

// DayOutcome reports one processed marketplace-day.
type DayOutcome struct {
	Marketplace   marketplace.Marketplace
	Start, End    time.Time
	ActivityID    string
	OrdersFetched int
	ItemsFetched  int
	Saved         int
	Advanced      bool
}

// Controller walks every enabled marketplace forward one day at a time,
// always picking the marketplace that is furthest behind.
type Controller struct {
	store        *state.Store
	fetch        Fetcher
	transformers Transformer
	write        Writer
	marketplaces []marketplace.Marketplace
	cfg          Config

	kick *sigchan.Chan

	// test seams
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds the controller. The marketplace set is fixed for its
// lifetime.
func New(store *state.Store, fetch Fetcher, tr Transformer, write Writer, marketplaces []marketplace.Marketplace, cfg Config) *Controller {
	cfg.fillDefaults()
	return &Controller{
		store:        store,
		fetch:        fetch,
		transformers: tr,
		write:        write,
		marketplaces: marketplaces,
		cfg:          cfg,
		kick:         sigchan.New(1),
		now:          time.Now,
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

// Kick wakes the run loop out of its idle sleep, e.g. after a manual
// trigger or a repair rewound a high-water mark.
func (c *Controller) Kick() {
	c.kick.Emit()
}

// Seed writes the initial high-water mark for every marketplace that has
// never run.
func (c *Controller) Seed(ctx context.Context) error {
	for _, mp := range c.marketplaces {
		if err := c.store.SeedLastRun(ctx, mp.ID, c.cfg.SeedLastRun); err != nil {
			return errors.Wrapf(err, "seed %s", mp.Code)
		}
	}
	return nil
}

// candidate is one marketplace with its next pending window. Manual
// candidates leave the high-water mark alone.
type candidate struct {
	mp         marketplace.Marketplace
	lastRun    time.Time
	start, end time.Time
	manual     bool
}

// nextCandidate picks the marketplace whose next window starts earliest;
// ties break on marketplace id so the order is stable. Returns nil when
// every marketplace is caught up.
func (c *Controller) nextCandidate(ctx context.Context) (*candidate, error) {
	lastRuns, err := c.store.LastRuns(ctx)
	if err != nil {
		return nil, err
	}
	endDate := c.effectiveEndDate()

	var pending []candidate
	for _, mp := range c.marketplaces {
		lastRun, ok := lastRuns[mp.ID]
		if !ok {
			lastRun = c.cfg.SeedLastRun
		}
		start, end := state.NextWindow(lastRun)
		if !state.InRange(start, endDate) {
			continue
		}
		running, err := c.store.HasInProgress(ctx, mp.ID, state.ActivityTypeOrders)
		if err != nil {
			return nil, err
		}
		if running {
			continue
		}
		pending = append(pending, candidate{mp: mp, lastRun: lastRun, start: start, end: end})
	}
	if len(pending) == 0 {
		return nil, nil
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].start.Equal(pending[j].start) {
			return pending[i].start.Before(pending[j].start)
		}
		return pending[i].mp.ID < pending[j].mp.ID
	})
	return &pending[0], nil
}

func (c *Controller) effectiveEndDate() time.Time {
	if !c.cfg.EndDate.IsZero() {
		return c.cfg.EndDate
	}
	y := c.now().UTC().AddDate(0, 0, -1)
	return time.Date(y.Year(), y.Month(), y.Day(), 23, 59, 59, 0, time.UTC)
}

// RunOnce processes the single most-behind marketplace-day. The second
// return value is false when nothing was pending.
func (c *Controller) RunOnce(ctx context.Context) (*DayOutcome, bool, error) {
	cand, err := c.nextCandidate(ctx)
	if err != nil {
		return nil, false, err
	}
	if cand == nil {
		return nil, false, nil
	}
	outcome, err := c.runDay(ctx, *cand)
	return outcome, true, err
}

// FetchDay runs one specific marketplace calendar day outside the
// normal walk, for manual refetches. The high-water mark is never
// touched; the sink dedup keeps the refetch idempotent.
func (c *Controller) FetchDay(ctx context.Context, marketplaceID string, day time.Time) (*DayOutcome, error) {
	mp, err := marketplace.ByID(marketplaceID)
	if err != nil {
		if mp, err = marketplace.ByCode(marketplaceID); err != nil {
			return nil, err
		}
	}
	d := day.UTC()
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	end := time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 0, time.UTC)
	return c.runDay(ctx, candidate{mp: mp, start: start, end: end, manual: true})
}

// runDay executes fetch, transform and write for one window, recording
// the run in the activity ledger. The high-water mark advances only when
// the day landed in at least one sink, or the day had no orders at all.
func (c *Controller) runDay(ctx context.Context, cand candidate) (*DayOutcome, error) {
	mp, start, end := cand.mp, cand.start, cand.end
	log := logger.WithFields(map[string]any{
		"marketplace": mp.Code,
		"date_from":   start.Format(time.RFC3339),
		"date_to":     end.Format(time.RFC3339),
	})

	activityID, err := c.store.OpenActivity(ctx, mp.ID, state.ActivityTypeOrders, start, end)
	if err != nil {
		if errors.Is(err, state.ErrActivityInProgress) {
			log.Warn("window already being fetched, skipping")
			return nil, nil
		}
		return nil, err
	}
	began := c.now()

	outcome := &DayOutcome{Marketplace: mp, Start: start, End: end, ActivityID: activityID}
	log.Info("day fetch started")

	raw, err := c.fetch.FetchOrdersWithItems(ctx, mp, start, end)
	if err != nil {
		c.closeFailed(ctx, activityID, err)
		return outcome, errors.Wrapf(err, "fetch %s day %s", mp.Code, start.Format("2006-01-02"))
	}
	outcome.OrdersFetched = raw.Stats.OrdersFetched
	outcome.ItemsFetched = raw.Stats.ItemsFetched

	if len(raw.Orders) == 0 {
		// An empty day is done: advance so the walk keeps moving.
		if !cand.manual {
			advanced, err := c.advance(ctx, cand)
			if err != nil {
				c.closeFailed(ctx, activityID, err)
				return outcome, err
			}
			outcome.Advanced = advanced
		}
		c.closeCompleted(ctx, activityID, began, raw, sink.WriteResult{})
		log.Info("no orders for day")
		return outcome, nil
	}

	processed, err := c.transformers.Process(mp, raw.Orders, raw.ItemsByOrderID)
	if err != nil {
		c.closeFailed(ctx, activityID, err)
		return outcome, errors.Wrapf(err, "transform %s day %s", mp.Code, start.Format("2006-01-02"))
	}

	written := c.write.WriteDay(ctx, mp, processed)
	outcome.Saved = written.TotalRecordsSaved
	if !written.Success() {
		err := errors.Errorf("both sinks failed: %v", written.Errors)
		c.closeFailed(ctx, activityID, err)
		return outcome, err
	}

	if !cand.manual {
		advanced, err := c.advance(ctx, cand)
		if err != nil {
			c.closeFailed(ctx, activityID, err)
			return outcome, err
		}
		outcome.Advanced = advanced
	}
	c.closeCompleted(ctx, activityID, began, raw, written)

	log.WithFields(map[string]any{
		"orders":   outcome.OrdersFetched,
		"items":    outcome.ItemsFetched,
		"saved":    outcome.Saved,
		"advanced": outcome.Advanced,
	}).Info("day fetch finished")
	return outcome, nil
}

// advance moves the high-water mark from the value the window was
// computed against to the window's end. A lost compare-and-advance
// means another writer got there first, which is fine.
func (c *Controller) advance(ctx context.Context, cand candidate) (bool, error) {
	return c.store.AdvanceLastRun(ctx, cand.mp.ID, cand.lastRun, cand.end)
}

func activityDetail(raw *fetcher.Result, written sink.WriteResult) string {
	detail, err := json.Marshal(map[string]any{
		"stats":         raw.Stats,
		"failed_orders": raw.FailedOrders,
		"mssql_saved":   written.MSSQL.Saved,
		"azure_saved":   written.Azure.Saved,
		"skipped":       written.MSSQL.Skipped + written.Azure.Skipped,
	})
	if err != nil {
		return ""
	}
	return string(detail)
}

func (c *Controller) closeCompleted(ctx context.Context, activityID string, began time.Time, raw *fetcher.Result, written sink.WriteResult) {
	err := c.store.CompleteActivity(ctx, activityID, state.ActivityResult{
		OrdersFetched: raw.Stats.OrdersFetched,
		ItemsFetched:  raw.Stats.ItemsFetched,
		Duration:      c.now().Sub(began),
		Detail:        activityDetail(raw, written),
		MSSQLSaved:    written.MSSQL.Success,
		AzureSaved:    written.Azure.Success,
		DatabaseSaved: written.Success(),
	})
	if err != nil {
		logger.WithError(err).Error("record completed activity")
	}
}

func (c *Controller) closeFailed(ctx context.Context, activityID string, cause error) {
	if err := c.store.FailActivity(ctx, activityID, cause.Error()); err != nil {
		logger.WithError(err).Error("record failed activity")
	}
}

// Run walks marketplaces until ctx is cancelled. After each processed
// day it pauses MarketplaceDelay, plus CredentialGroupDelay when the
// next pending marketplace shares the credential group just used.
func (c *Controller) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		outcome, ran, err := c.RunOnce(ctx)
		if err != nil {
			logger.WithError(err).Error("marketplace day failed")
		}
		if !ran {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.kick.C():
			case <-time.After(c.cfg.IdleInterval):
			}
			continue
		}

		delay := c.cfg.MarketplaceDelay
		if outcome != nil {
			if next, err := c.nextCandidate(ctx); err == nil && next != nil &&
				next.mp.CredentialGroup == outcome.Marketplace.CredentialGroup {
				delay += c.cfg.CredentialGroupDelay
			}
		}
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
}
