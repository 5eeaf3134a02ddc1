package spapi

import (
	"context"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/b2fitness/amazon-connector/internal/breaker"
	"github.com/b2fitness/amazon-connector/internal/marketplace"
	"github.com/b2fitness/amazon-connector/pkg/logger"
	"github.com/b2fitness/amazon-connector/pkg/ratelimit"
)

const (
	baseURLNA = "https://sellingpartnerapi-na.amazon.com"
	baseURLEU = "https://sellingpartnerapi-eu.amazon.com"

	ordersPath = "/orders/v0/orders"

	userAgent = "AmazonConnector/1.0"

	// DefaultOrderStatuses is the status filter for the orders listing.
	DefaultOrderStatuses = "Shipped,Unshipped,PartiallyShipped,Canceled,Unfulfillable"

	// DefaultMaxResultsPerPage is the first-attempt page size; retries
	// degrade it through pageSizeLadder.
	DefaultMaxResultsPerPage = 100
)

// ClientConfig tunes timeouts and the retry envelope. Zero values take
// the defaults below.
type ClientConfig struct {
	BaseURLNA      string
	BaseURLEU      string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
}

func (c *ClientConfig) fillDefaults() {
	if c.BaseURLNA == "" {
		c.BaseURLNA = baseURLNA
	}
	if c.BaseURLEU == "" {
		c.BaseURLEU = baseURLEU
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 120 * time.Second
	}
}

// Client is the authenticated SP-API caller. Every request flows through
// the per-endpoint rate limiter and the circuit breaker; 401/403 gets
// exactly one synchronized token refresh and retry before surfacing
// authFailed.
type Client struct {
	cfg      ClientConfig
	http     *resty.Client
	tokens   *TokenManager
	limiters *ratelimit.Manager
	breaker  *breaker.CircuitBreaker

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient wires the client to its token manager, limiter set and
// breaker.
func NewClient(cfg ClientConfig, tokens *TokenManager, limiters *ratelimit.Manager, cb *breaker.CircuitBreaker) *Client {
	cfg.fillDefaults()

	httpClient := resty.New().
		SetTimeout(cfg.ReadTimeout).
		SetTransport(&http.Transport{
			DialContext:         (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
			MaxIdleConnsPerHost: 10,
		}).
		SetHeader("User-Agent", userAgent)

	return &Client{
		cfg:      cfg,
		http:     httpClient,
		tokens:   tokens,
		limiters: limiters,
		breaker:  cb,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (c *Client) baseURL(region marketplace.Region) string {
	if region == marketplace.RegionEU {
		return c.cfg.BaseURLEU
	}
	return c.cfg.BaseURLNA
}

// OrdersQuery parameterizes one orders listing page.
type OrdersQuery struct {
	MarketplaceID     string
	CreatedAfter      time.Time
	CreatedBefore     time.Time
	OrderStatuses     string
	MaxResultsPerPage int
	NextToken         string
}

// GetOrdersPage fetches one page of orders.
func (c *Client) GetOrdersPage(ctx context.Context, region marketplace.Region, q OrdersQuery) (*OrdersPage, error) {
	params := map[string]string{}
	if q.NextToken != "" {
		params["NextToken"] = q.NextToken
		params["MarketplaceIds"] = q.MarketplaceID
	} else {
		params["MarketplaceIds"] = q.MarketplaceID
		params["CreatedAfter"] = q.CreatedAfter.UTC().Format(time.RFC3339)
		params["CreatedBefore"] = q.CreatedBefore.UTC().Format(time.RFC3339)
		statuses := q.OrderStatuses
		if statuses == "" {
			statuses = DefaultOrderStatuses
		}
		params["OrderStatuses"] = statuses
		size := q.MaxResultsPerPage
		if size <= 0 {
			size = DefaultMaxResultsPerPage
		}
		params["MaxResultsPerPage"] = strconv.Itoa(size)
	}

	var envelope ordersEnvelope
	err := c.request(ctx, region, ordersPath, params, false, &envelope)
	if err != nil {
		return nil, err
	}
	return &OrdersPage{Orders: envelope.Payload.Orders, NextToken: envelope.Payload.NextToken}, nil
}

// GetOrderItemsPage fetches one page of a single order's items.
func (c *Client) GetOrderItemsPage(ctx context.Context, region marketplace.Region, orderID, nextToken string) (*OrderItemsPage, error) {
	params := map[string]string{}
	if nextToken != "" {
		params["NextToken"] = nextToken
	}

	var envelope orderItemsEnvelope
	err := c.request(ctx, region, ordersPath+"/"+orderID+"/orderItems", params, true, &envelope)
	if err != nil {
		return nil, err
	}
	page := &OrderItemsPage{
		AmazonOrderID: envelope.Payload.AmazonOrderID,
		OrderItems:    envelope.Payload.OrderItems,
		NextToken:     envelope.Payload.NextToken,
	}
	if page.AmazonOrderID == "" {
		page.AmazonOrderID = orderID
	}
	return page, nil
}

// request runs the full envelope: limiter acquire, breaker-guarded HTTP,
// status translation, one refresh-and-retry on auth failure, exponential
// backoff with class multipliers on retryable errors.
func (c *Client) request(ctx context.Context, region marketplace.Region, path string, params map[string]string, isOrderItems bool, out any) error {
	endpoint := ratelimit.EndpointOrders
	priority := ratelimit.PriorityNormal
	if isOrderItems {
		endpoint = ratelimit.EndpointOrderItems
		priority = ratelimit.PriorityHigh
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := c.limiters.Acquire(ctx, endpoint, priority); err != nil {
			return errors.Wrap(err, "rate limiter")
		}

		err := c.breaker.Call(func() error {
			return c.doOnce(ctx, region, path, params, out)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, breaker.ErrCircuitOpen) {
			return &APIError{Kind: KindCircuitOpen, Message: "request refused while circuit open"}
		}

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.Retryable() {
			return err
		}
		lastErr = err

		if attempt == c.cfg.MaxRetries {
			break
		}
		delay := c.backoff(attempt, apiErr)
		logger.WithFields(map[string]any{
			"endpoint": endpoint,
			"attempt":  attempt,
			"kind":     apiErr.Kind.String(),
			"delay":    delay.String(),
		}).Warn("sp-api request failed, backing off")
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return errors.Wrapf(lastErr, "exhausted %d attempts", c.cfg.MaxRetries)
}

// doOnce performs a single HTTP round trip and translates the status.
func (c *Client) doOnce(ctx context.Context, region marketplace.Region, path string, params map[string]string, out any) error {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return err
	}

	resp, err := c.get(ctx, region, path, params, token, out)
	if err != nil {
		return &APIError{Kind: KindTransient, Message: err.Error()}
	}

	status := resp.StatusCode()
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		// One synchronized refresh, then a single retry with the new
		// token. The refresh itself never touches the limiter.
		if _, rerr := c.tokens.Refresh(ctx, false); rerr != nil {
			return rerr
		}
		token, err = c.tokens.AccessToken(ctx)
		if err != nil {
			return err
		}
		resp, err = c.get(ctx, region, path, params, token, out)
		if err != nil {
			return &APIError{Kind: KindTransient, Message: err.Error()}
		}
		status = resp.StatusCode()
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return &APIError{Kind: KindAuthFailed, StatusCode: status, Message: "still unauthorized after token refresh"}
		}
	}

	switch {
	case status == http.StatusOK:
		if limit := resp.Header().Get("x-amzn-RateLimit-Limit"); limit != "" {
			logger.WithFields(map[string]any{"path": path, "rate_limit": limit}).Debug("sp-api advertised rate limit")
		}
		return nil
	case status == http.StatusTooManyRequests:
		return &APIError{Kind: KindRateLimited, StatusCode: status, RetryAfter: retryAfter(resp), Message: "throttled"}
	case status == http.StatusServiceUnavailable:
		return &APIError{Kind: KindServiceUnavailable, StatusCode: status, RetryAfter: retryAfter(resp), Message: "service unavailable"}
	case status == http.StatusBadRequest:
		return &APIError{Kind: KindBadRequest, StatusCode: status, Message: string(resp.Body())}
	case status >= 500:
		return &APIError{Kind: KindServerError, StatusCode: status, Message: string(resp.Body())}
	default:
		return &APIError{Kind: KindTransient, StatusCode: status, Message: string(resp.Body())}
	}
}

func (c *Client) get(ctx context.Context, region marketplace.Region, path string, params map[string]string, token string, out any) (*resty.Response, error) {
	return c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetHeader("x-amz-access-token", token).
		SetHeader("x-amz-date", time.Now().UTC().Format("20060102T150405Z")).
		SetResult(out).
		Get(c.baseURL(region) + path)
}

// backoff computes min(maxDelay, base·2^(n-1)) scaled by error class,
// with ±20% jitter, never undercutting an explicit Retry-After.
func (c *Client) backoff(attempt int, apiErr *APIError) time.Duration {
	delay := c.cfg.BaseDelay << (attempt - 1)
	if delay > c.cfg.MaxDelay {
		delay = c.cfg.MaxDelay
	}
	delay = time.Duration(float64(delay) * apiErr.backoffFactor())

	jitter := time.Duration(rand.Int63n(int64(delay)/5+1)) - delay/10
	delay += jitter

	if apiErr.RetryAfter > delay {
		delay = apiErr.RetryAfter
	}
	return delay
}

func retryAfter(resp *resty.Response) time.Duration {
	raw := resp.Header().Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
