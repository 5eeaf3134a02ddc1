package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/b2fitness/amazon-connector/internal/adminapi"
	"github.com/b2fitness/amazon-connector/internal/breaker"
	"github.com/b2fitness/amazon-connector/internal/controller"
	"github.com/b2fitness/amazon-connector/internal/fetcher"
	"github.com/b2fitness/amazon-connector/internal/marketplace"
	"github.com/b2fitness/amazon-connector/internal/repair"
	"github.com/b2fitness/amazon-connector/internal/sink"
	"github.com/b2fitness/amazon-connector/internal/spapi"
	"github.com/b2fitness/amazon-connector/internal/state"
	"github.com/b2fitness/amazon-connector/internal/transform"
	"github.com/b2fitness/amazon-connector/pkg/config"
	"github.com/b2fitness/amazon-connector/pkg/logger"
	"github.com/b2fitness/amazon-connector/pkg/persistence"
	"github.com/b2fitness/amazon-connector/pkg/ratelimit"
	"github.com/b2fitness/amazon-connector/pkg/shutdown"
)

// fetchAdapter exposes the controller walk to the background job runner.
type fetchAdapter struct {
	ctrl *controller.Controller
}

func (a fetchAdapter) RunOnce(ctx context.Context) (bool, int, error) {
	outcome, ran, err := a.ctrl.RunOnce(ctx)
	records := 0
	if outcome != nil {
		records = outcome.Saved
	}
	return ran, records, err
}

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("CONNECTOR_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.InitDefault()
		logger.Errorf("load config: %v", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	}); err != nil {
		logger.InitDefault()
		logger.Errorf("init logger: %v", err)
		os.Exit(1)
	}

	store, err := state.Open(cfg.StateDBPath)
	if err != nil {
		logger.Errorf("open state db: %v", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := store.EnsureCronDefaults(ctx); err != nil {
		logger.Errorf("seed cron defaults: %v", err)
		os.Exit(1)
	}

	mssqlDB, err := sink.Open(cfg.MSSQL.DSN)
	if err != nil {
		logger.Errorf("open mssql pool: %v", err)
		os.Exit(1)
	}
	azureDB, err := sink.Open(cfg.Azure.DSN)
	if err != nil {
		logger.Errorf("open azure pool: %v", err)
		os.Exit(1)
	}

	mps, err := marketplace.Codes(cfg.EnabledMarketplaces)
	if err != nil {
		logger.Errorf("resolve marketplaces: %v", err)
		os.Exit(1)
	}

	tokens := spapi.NewTokenManager(persistence.NewJSONFileStore(cfg.CredentialsPath))
	limiters := ratelimit.NewManager()
	cb := breaker.New(breaker.Config{})
	client := spapi.NewClient(spapi.ClientConfig{
		ConnectTimeout: cfg.FetchConnectTimeout,
		ReadTimeout:    cfg.FetchReadTimeout,
	}, tokens, limiters, cb)

	fetch := fetcher.New(client, limiters, fetcher.Config{})
	writer := sink.NewWriter(mssqlDB, azureDB, cfg.MSSQL.TableSuffix, cfg.Azure.TableSuffix)

	ctrl := controller.New(store, fetch, transform.New(), writer, mps, controller.Config{
		SeedLastRun:          cfg.SeedLastRun,
		EndDate:              cfg.EndDate,
		MarketplaceDelay:     cfg.MarketplaceFetchDelay,
		CredentialGroupDelay: cfg.SameCredentialGroupDelay,
	})
	if err := ctrl.Seed(ctx); err != nil {
		logger.Errorf("seed marketplaces: %v", err)
		os.Exit(1)
	}

	repairRunner := repair.NewRunner(store, mssqlDB, azureDB, cfg.MSSQL.TableSuffix)
	jobs := adminapi.NewJobs(store, fetchAdapter{ctrl: ctrl})
	jobs.Start()

	admin := adminapi.NewServer(store, tokens, jobs, ctrl, repairRunner)
	httpSrv := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           admin.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Infof("admin api listening on %s", cfg.AdminAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("admin api server: %v", err)
		}
	}()

	runCtx, cancelRun := context.WithCancel(ctx)
	go func() {
		logger.WithFields(map[string]any{
			"marketplaces": cfg.EnabledMarketplaces,
			"seed":         cfg.SeedLastRun.Format(time.RFC3339),
		}).Info("ingestion loop started")
		if err := ctrl.Run(runCtx); err != nil && err != context.Canceled {
			logger.Errorf("ingestion loop stopped: %v", err)
		}
	}()

	mgr := shutdown.NewManager()
	mgr.OnShutdown(func(ctx context.Context, wg *sync.WaitGroup) {
		cancelRun()
	})
	mgr.OnShutdown(func(ctx context.Context, wg *sync.WaitGroup) {
		_ = httpSrv.Shutdown(ctx)
	})
	mgr.OnShutdown(func(ctx context.Context, wg *sync.WaitGroup) {
		jobs.Stop()
	})
	mgr.OnShutdown(func(ctx context.Context, wg *sync.WaitGroup) {
		_ = store.Close()
		_ = mssqlDB.Close()
		_ = azureDB.Close()
	})

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM)
	sig := <-stopCh
	logger.Infof("received %s, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	mgr.Shutdown(shutdownCtx)

	logger.Info("connector stopped")
}
