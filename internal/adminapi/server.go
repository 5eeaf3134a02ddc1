package adminapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/b2fitness/amazon-connector/internal/controller"
	"github.com/b2fitness/amazon-connector/internal/repair"
	"github.com/b2fitness/amazon-connector/internal/spapi"
	"github.com/b2fitness/amazon-connector/internal/state"
	"github.com/b2fitness/amazon-connector/pkg/logger"
)

// Repairer runs the purchase-date anomaly repair.
type Repairer interface {
	Run(ctx context.Context, codes []string) (*repair.Summary, error)
}

// DayFetcher refetches a single marketplace calendar day on demand,
// through the same pipeline the scheduled walk uses.
type DayFetcher interface {
	FetchDay(ctx context.Context, marketplaceID string, day time.Time) (*controller.DayOutcome, error)
}

// Server is the admin HTTP surface: credential lifecycle, manual
// triggers, the activity ledger and the cron job controls.
type Server struct {
	store  *state.Store
	tokens *spapi.TokenManager
	jobs   *Jobs
	days   DayFetcher
	repair Repairer
}

// NewServer wires the admin API over its collaborators.
func NewServer(store *state.Store, tokens *spapi.TokenManager, jobs *Jobs, days DayFetcher, rep Repairer) *Server {
	return &Server{store: store, tokens: tokens, jobs: jobs, days: days, repair: rep}
}

// Router builds the gin handler tree.
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := r.Group("/api")
	api.POST("/connect", s.handleConnect)
	api.POST("/refresh-token", s.handleRefreshToken)
	api.GET("/connection-status", s.handleConnectionStatus)
	api.POST("/fetch-data", s.handleFetchData)
	api.POST("/fix-purchase-date", s.handleFixPurchaseDate)

	activities := api.Group("/activities")
	activities.GET("", s.handleActivitiesList)
	activities.GET("/stats", s.handleActivityStats)
	activities.GET("/:activityID", s.handleActivityGet)

	cron := api.Group("/cron")
	cron.GET("/config", s.handleCronConfigList)
	cron.PUT("/config/:jobType", s.handleCronConfigUpdate)
	cron.GET("/status", s.handleCronStatus)
	cron.POST("/trigger/:jobType", s.handleCronTrigger)
	cron.GET("/logs", s.handleCronLogs)
	cron.GET("/stats", s.handleCronStats)

	return r
}

type connectRequest struct {
	AppID        string `json:"app_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleConnect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	creds := spapi.Credentials{
		AppID:        req.AppID,
		ClientSecret: req.ClientSecret,
		RefreshToken: req.RefreshToken,
	}
	if err := creds.Validate(); err != nil {
		badRequest(c, err.Error())
		return
	}

	saved, err := s.tokens.Connect(c.Request.Context(), creds)
	if err != nil {
		logger.WithError(err).Error("connect failed")
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"app_id":       saved.AppID,
		"connected_at": saved.ConnectedAt,
		"expires_at":   saved.ExpiresAt,
	})
}

func (s *Server) handleRefreshToken(c *gin.Context) {
	creds, err := s.tokens.Refresh(c.Request.Context(), true)
	if err != nil {
		logger.WithError(err).Error("manual token refresh failed")
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"expires_at": creds.ExpiresAt,
	})
}

func (s *Server) handleConnectionStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.tokens.Status())
}

type fetchDataRequest struct {
	MarketplaceID string `json:"marketplace_id"`
	StartDate     string `json:"start_date"`
	EndDate       string `json:"end_date"`
}

// handleFetchData with no body kicks off the regular catch-up job.
// With a body it refetches an explicit marketplace date range
// synchronously; the sink dedup makes the refetch idempotent.
func (s *Server) handleFetchData(c *gin.Context) {
	var req fetchDataRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
	}

	if req.MarketplaceID == "" {
		taskID, err := s.jobs.Trigger(c.Request.Context(), state.JobFetching, "manual")
		if err != nil {
			if errors.Is(err, ErrJobRunning) {
				c.JSON(http.StatusConflict, gin.H{"success": false, "error": err.Error()})
				return
			}
			internalError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"success": true, "task_id": taskID})
		return
	}

	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		badRequest(c, "start_date must be YYYY-MM-DD")
		return
	}
	end := start
	if req.EndDate != "" {
		if end, err = time.Parse("2006-01-02", req.EndDate); err != nil {
			badRequest(c, "end_date must be YYYY-MM-DD")
			return
		}
	}
	if end.Before(start) {
		badRequest(c, "end_date must not precede start_date")
		return
	}

	var days []gin.H
	saved := 0
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		outcome, err := s.days.FetchDay(c.Request.Context(), req.MarketplaceID, day)
		if err != nil {
			internalError(c, err)
			return
		}
		saved += outcome.Saved
		days = append(days, gin.H{
			"date":           day.Format("2006-01-02"),
			"activity_id":    outcome.ActivityID,
			"orders_fetched": outcome.OrdersFetched,
			"items_fetched":  outcome.ItemsFetched,
			"records_saved":  outcome.Saved,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"records_saved": saved,
		"days":          days,
	})
}

type fixPurchaseDateRequest struct {
	Marketplaces []string `json:"marketplaces"`
}

func (s *Server) handleFixPurchaseDate(c *gin.Context) {
	var req fixPurchaseDateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
	}
	summary, err := s.repair.Run(c.Request.Context(), req.Marketplaces)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Fix operation completed",
		"data":    summary,
	})
}

func (s *Server) handleActivitiesList(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)
	acts, err := s.store.Activities(c.Request.Context(), limit, offset)
	if err != nil {
		internalError(c, err)
		return
	}
	if acts == nil {
		acts = []state.Activity{}
	}
	c.JSON(http.StatusOK, gin.H{"activities": acts, "limit": limit, "offset": offset})
}

func (s *Server) handleActivityGet(c *gin.Context) {
	act, err := s.store.ActivityByID(c.Request.Context(), c.Param("activityID"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, act)
}

func (s *Server) handleActivityStats(c *gin.Context) {
	stats, err := s.store.ActivityStats(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleCronConfigList(c *gin.Context) {
	configs, err := s.store.CronConfigs(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"configurations": configs})
}

type cronConfigUpdateRequest struct {
	Enabled        *bool   `json:"enabled"`
	CronExpression *string `json:"cron_expression"`
	DateRangeDays  *int    `json:"date_range_days"`
	SyncDaysBack   *int    `json:"sync_days_back"`
}

func (s *Server) handleCronConfigUpdate(c *gin.Context) {
	jobType := c.Param("jobType")
	cfg, err := s.store.CronConfig(c.Request.Context(), jobType)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	var req cronConfigUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	if req.CronExpression != nil {
		cfg.CronExpression = *req.CronExpression
	}
	if req.DateRangeDays != nil {
		if *req.DateRangeDays <= 0 {
			badRequest(c, "date_range_days must be positive")
			return
		}
		cfg.DateRangeDays = *req.DateRangeDays
	}
	if req.SyncDaysBack != nil {
		if *req.SyncDaysBack <= 0 {
			badRequest(c, "sync_days_back must be positive")
			return
		}
		cfg.SyncDaysBack = *req.SyncDaysBack
	}

	if err := s.store.UpdateCronConfig(c.Request.Context(), *cfg); err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "configuration": cfg})
}

func (s *Server) handleCronStatus(c *gin.Context) {
	statuses, err := s.store.CronStatuses(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": statuses})
}

func (s *Server) handleCronTrigger(c *gin.Context) {
	jobType := c.Param("jobType")
	taskID, err := s.jobs.Trigger(c.Request.Context(), jobType, "manual")
	if err != nil {
		switch {
		case errors.Is(err, ErrJobRunning):
			c.JSON(http.StatusConflict, gin.H{"success": false, "error": err.Error()})
		case errors.Is(err, ErrUnknownJob):
			badRequest(c, err.Error())
		default:
			internalError(c, err)
		}
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "job_type": jobType, "task_id": taskID})
}

func (s *Server) handleCronLogs(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)
	logs, err := s.store.CronLogs(c.Request.Context(), c.Query("job_type"), limit, offset)
	if err != nil {
		internalError(c, err)
		return
	}
	if logs == nil {
		logs = []state.CronLog{}
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "limit": limit, "offset": offset})
}

func (s *Server) handleCronStats(c *gin.Context) {
	stats, err := s.store.CronStats(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": msg})
}

func internalError(c *gin.Context, err error) {
	logger.WithError(err).Error("admin api request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
