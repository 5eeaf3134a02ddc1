package spapi

import (
	"context"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/b2fitness/amazon-connector/pkg/logger"
	"github.com/b2fitness/amazon-connector/pkg/persistence"
)

const (
	lwaTokenURL = "https://api.amazon.com/auth/o2/token"

	appIDPrefix        = "amzn1.application-oa2-client."
	refreshTokenPrefix = "Atzr|"
	minClientSecretLen = 64

	refreshCooldown = 30 * time.Second
	expiryMargin    = 5 * time.Minute
)

// Credentials is the persisted LWA credential set, one per process.
type Credentials struct {
	AppID         string    `json:"app_id"`
	ClientSecret  string    `json:"client_secret"`
	RefreshToken  string    `json:"refresh_token"`
	AccessToken   string    `json:"access_token,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	ExpiresIn     int       `json:"expires_in,omitempty"`
	TokenType     string    `json:"token_type,omitempty"`
	ConnectedAt   time.Time `json:"connected_at,omitempty"`
	LastRefreshed time.Time `json:"last_refreshed,omitempty"`
}

// Validate checks the LWA credential format before any network call.
func (c Credentials) Validate() error {
	if len(c.AppID) <= len(appIDPrefix) || c.AppID[:len(appIDPrefix)] != appIDPrefix {
		return errors.Errorf("app id must start with %q", appIDPrefix)
	}
	if len(c.ClientSecret) < minClientSecretLen {
		return errors.Errorf("client secret must be at least %d characters", minClientSecretLen)
	}
	if len(c.RefreshToken) <= len(refreshTokenPrefix) || c.RefreshToken[:len(refreshTokenPrefix)] != refreshTokenPrefix {
		return errors.Errorf("refresh token must start with %q", refreshTokenPrefix)
	}
	return nil
}

// TokenValid reports whether the access token is usable at the given
// time, keeping a safety margin before the real expiry.
func (c Credentials) TokenValid(now time.Time) bool {
	return c.AccessToken != "" && !c.ExpiresAt.IsZero() && now.Before(c.ExpiresAt.Add(-expiryMargin))
}

type lwaResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type lwaError struct {
	ErrorCode        string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// TokenManager owns the credential file. All refreshes are serialized
// through one mutex, and a cooldown window collapses concurrent refresh
// attempts into a single LWA call: latecomers read the freshly persisted
// token instead of minting another one. Refreshes never traverse the
// rate limiter.
type TokenManager struct {
	store    persistence.Store
	http     *resty.Client
	tokenURL string

	mu          sync.Mutex
	lastRefresh time.Time

	now func() time.Time
}

// TokenManagerOption adjusts a TokenManager, mainly for tests.
type TokenManagerOption func(*TokenManager)

// WithTokenURL points the manager at an alternative LWA endpoint.
func WithTokenURL(url string) TokenManagerOption {
	return func(tm *TokenManager) { tm.tokenURL = url }
}

// NewTokenManager creates a manager over the given credential store.
func NewTokenManager(store persistence.Store, opts ...TokenManagerOption) *TokenManager {
	tm := &TokenManager{
		store:    store,
		http:     resty.New().SetTimeout(30 * time.Second),
		tokenURL: lwaTokenURL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(tm)
	}
	return tm
}

// Connect validates and exchanges a fresh credential set, then persists
// it as the process credentials.
func (tm *TokenManager) Connect(ctx context.Context, creds Credentials) (Credentials, error) {
	if err := creds.Validate(); err != nil {
		return Credentials{}, err
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := tm.now()
	creds.ConnectedAt = now
	refreshed, err := tm.exchange(ctx, creds)
	if err != nil {
		return Credentials{}, err
	}
	if err := tm.store.Save(refreshed); err != nil {
		return Credentials{}, errors.Wrap(err, "persist credentials")
	}
	tm.lastRefresh = now
	logger.WithFields(map[string]any{"app_id": refreshed.AppID}).Info("credentials connected")
	return refreshed, nil
}

// Credentials returns the persisted credential snapshot.
func (tm *TokenManager) Credentials() (Credentials, error) {
	var creds Credentials
	if err := tm.store.Load(&creds); err != nil {
		if errors.Is(err, persistence.ErrNotExists) {
			return Credentials{}, errors.New("not connected: no credentials persisted")
		}
		return Credentials{}, errors.Wrap(err, "load credentials")
	}
	return creds, nil
}

// AccessToken returns a valid token, refreshing if the persisted one is
// missing or near expiry.
func (tm *TokenManager) AccessToken(ctx context.Context) (string, error) {
	creds, err := tm.Credentials()
	if err != nil {
		return "", err
	}
	if creds.TokenValid(tm.now()) {
		return creds.AccessToken, nil
	}
	refreshed, err := tm.Refresh(ctx, false)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// Refresh mints a new access token. Unless forced, a refresh within the
// cooldown window returns the persisted credentials untouched, which is
// how threads that queued behind an in-flight refresh pick up its
// result.
func (tm *TokenManager) Refresh(ctx context.Context, force bool) (Credentials, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := tm.now()
	if !force && !tm.lastRefresh.IsZero() && now.Sub(tm.lastRefresh) < refreshCooldown {
		logger.Debug("token refresh skipped: within cooldown, reusing persisted token")
		return tm.Credentials()
	}

	// Re-read under the lock: another process may have rotated the file.
	creds, err := tm.Credentials()
	if err != nil {
		return Credentials{}, err
	}

	refreshed, err := tm.exchange(ctx, creds)
	if err != nil {
		return Credentials{}, err
	}
	if err := tm.store.Save(refreshed); err != nil {
		return Credentials{}, errors.Wrap(err, "persist refreshed credentials")
	}
	tm.lastRefresh = now
	logger.WithFields(map[string]any{
		"expires_at": refreshed.ExpiresAt.Format(time.RFC3339),
	}).Info("access token refreshed")
	return refreshed, nil
}

func (tm *TokenManager) exchange(ctx context.Context, creds Credentials) (Credentials, error) {
	var (
		ok  lwaResponse
		bad lwaError
	)
	resp, err := tm.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": creds.RefreshToken,
			"client_id":     creds.AppID,
			"client_secret": creds.ClientSecret,
		}).
		SetResult(&ok).
		SetError(&bad).
		Post(tm.tokenURL)
	if err != nil {
		return Credentials{}, &APIError{Kind: KindTransient, Message: "lwa token request: " + err.Error()}
	}
	if resp.IsError() {
		return Credentials{}, &APIError{
			Kind:       KindAuthFailed,
			StatusCode: resp.StatusCode(),
			Message:    "lwa refresh rejected: " + bad.ErrorCode + " " + bad.ErrorDescription,
		}
	}
	if ok.AccessToken == "" {
		return Credentials{}, &APIError{Kind: KindAuthFailed, Message: "lwa response missing access_token"}
	}

	now := tm.now()
	creds.AccessToken = ok.AccessToken
	creds.ExpiresIn = ok.ExpiresIn
	creds.TokenType = ok.TokenType
	creds.ExpiresAt = now.Add(time.Duration(ok.ExpiresIn) * time.Second)
	creds.LastRefreshed = now
	return creds, nil
}

// Status summarizes the connection for the admin surface. Secrets stay
// out of the report.
type Status struct {
	Connected     bool      `json:"connected"`
	AppID         string    `json:"app_id,omitempty"`
	TokenValid    bool      `json:"token_valid"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	ConnectedAt   time.Time `json:"connected_at,omitempty"`
	LastRefreshed time.Time `json:"last_refreshed,omitempty"`
}

// Status reports the current connection state.
func (tm *TokenManager) Status() Status {
	creds, err := tm.Credentials()
	if err != nil {
		return Status{}
	}
	return Status{
		Connected:     true,
		AppID:         creds.AppID,
		TokenValid:    creds.TokenValid(tm.now()),
		ExpiresAt:     creds.ExpiresAt,
		ConnectedAt:   creds.ConnectedAt,
		LastRefreshed: creds.LastRefreshed,
	}
}
