package adminapi

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/b2fitness/amazon-connector/internal/state"
	"github.com/b2fitness/amazon-connector/pkg/logger"
)

// ErrJobRunning means another background job holds the single run slot.
var ErrJobRunning = errors.New("a job is already running")

// ErrUnknownJob means the job type is not one of fetching or syncing.
var ErrUnknownJob = errors.New("unknown job type")

// FetchRunner advances the marketplace walk one day at a time. The
// fetching job drains it until nothing is pending.
type FetchRunner interface {
	RunOnce(ctx context.Context) (ran bool, records int, err error)
}

// Jobs schedules and runs the two background jobs, fetching and
// syncing, with at most one execution in flight across both.
type Jobs struct {
	store *state.Store
	fetch FetchRunner

	checkInterval time.Duration
	jobTimeout    time.Duration

	mu      sync.Mutex
	running bool

	cancel func()
	wg     sync.WaitGroup

	// test seam
	now func() time.Time
}

// NewJobs builds the job runner over the state store.
func NewJobs(store *state.Store, fetch FetchRunner) *Jobs {
	return &Jobs{
		store:         store,
		fetch:         fetch,
		checkInterval: time.Hour,
		jobTimeout:    6 * time.Hour,
		now:           time.Now,
	}
}

// Start launches the scheduler loop. Stop cancels it and waits.
func (j *Jobs) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		j.scheduleLoop(ctx)
	}()
}

// Stop shuts the scheduler down and waits for a running job to finish.
func (j *Jobs) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
}

func (j *Jobs) scheduleLoop(ctx context.Context) {
	t := time.NewTicker(j.checkInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			j.runDue(ctx)
		}
	}
}

// runDue fires any enabled job whose next run has come around.
func (j *Jobs) runDue(ctx context.Context) {
	statuses, err := j.store.CronStatuses(ctx)
	if err != nil {
		logger.WithError(err).Error("read cron statuses")
		return
	}
	now := j.now()
	for _, st := range statuses {
		if st.Status == state.JobRunning {
			continue
		}
		cfg, err := j.store.CronConfig(ctx, st.JobType)
		if err != nil || !cfg.Enabled {
			continue
		}
		if st.NextRun != nil && now.Before(*st.NextRun) {
			continue
		}
		if st.NextRun == nil && st.LastRun != nil {
			// Legacy rows without a schedule: derive one from the config.
			if now.Sub(*st.LastRun) < cronInterval(cfg.CronExpression) {
				continue
			}
		}
		if _, err := j.Trigger(ctx, st.JobType, "scheduled"); err != nil && !errors.Is(err, ErrJobRunning) {
			logger.WithError(err).WithField("job", st.JobType).Error("scheduled trigger failed")
		}
	}
}

// Trigger starts a job asynchronously and returns its task id. Only one
// job may run at a time; a second trigger gets ErrJobRunning.
func (j *Jobs) Trigger(ctx context.Context, jobType, trigger string) (string, error) {
	if jobType != state.JobFetching && jobType != state.JobSyncing {
		return "", errors.Wrapf(ErrUnknownJob, "%q", jobType)
	}

	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return "", ErrJobRunning
	}
	// The persisted gate also covers restarts mid-run.
	if running, err := j.store.IsAnyJobRunning(ctx); err != nil {
		j.mu.Unlock()
		return "", err
	} else if running {
		j.mu.Unlock()
		return "", ErrJobRunning
	}
	j.running = true
	j.mu.Unlock()

	taskID := uuid.NewString()
	startedAt := j.now()
	if err := j.store.SetJobRunning(ctx, jobType, taskID); err != nil {
		j.release()
		return "", err
	}
	logID, err := j.store.StartCronLog(ctx, jobType, startedAt)
	if err != nil {
		j.release()
		return "", err
	}

	logger.WithFields(map[string]any{
		"job":     jobType,
		"task_id": taskID,
		"trigger": trigger,
	}).Info("job started")

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		defer j.release()
		jobCtx, cancel := context.WithTimeout(context.Background(), j.jobTimeout)
		defer cancel()
		j.execute(jobCtx, jobType, startedAt, logID)
	}()
	return taskID, nil
}

func (j *Jobs) release() {
	j.mu.Lock()
	j.running = false
	j.mu.Unlock()
}

func (j *Jobs) execute(ctx context.Context, jobType string, startedAt time.Time, logID int64) {
	var (
		records int
		runErr  error
	)
	switch jobType {
	case state.JobFetching:
		records, runErr = j.runFetching(ctx)
	case state.JobSyncing:
		records, runErr = j.runSyncing(ctx)
	}

	status := "completed"
	errMsg := ""
	if runErr != nil {
		status = "failed"
		errMsg = runErr.Error()
		logger.WithError(runErr).WithField("job", jobType).Error("job failed")
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := j.store.FinishCronLog(closeCtx, logID, status, records, "", errMsg); err != nil {
		logger.WithError(err).Error("close cron log")
	}

	next := j.now().Add(cronInterval(j.cronExpression(closeCtx, jobType)))
	if err := j.store.FinishJob(closeCtx, jobType, startedAt, &next, errMsg); err != nil {
		logger.WithError(err).Error("close cron status")
	}

	logger.WithFields(map[string]any{
		"job":      jobType,
		"status":   status,
		"records":  records,
		"duration": time.Since(startedAt).String(),
	}).Info("job finished")
}

func (j *Jobs) cronExpression(ctx context.Context, jobType string) string {
	if cfg, err := j.store.CronConfig(ctx, jobType); err == nil {
		return cfg.CronExpression
	}
	return ""
}

// runFetching drains the marketplace walk until everything is caught up.
func (j *Jobs) runFetching(ctx context.Context) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		ran, records, err := j.fetch.RunOnce(ctx)
		if err != nil {
			return total, err
		}
		if !ran {
			return total, nil
		}
		total += records
	}
}

// runSyncing is a placeholder: the downstream warehouse sync moved to a
// separate service, but the job slot and its schedule are kept so the
// ops tooling stays unchanged.
func (j *Jobs) runSyncing(ctx context.Context) (int, error) {
	logger.Info("sync job is handled downstream, nothing to do")
	return 0, nil
}

// cronInterval derives a rerun interval from expressions of the form
// "0 0 */N * *" (every N days at midnight). Anything else falls back to
// daily.
func cronInterval(expr string) time.Duration {
	fields := strings.Fields(expr)
	if len(fields) == 5 && strings.HasPrefix(fields[2], "*/") {
		if n, err := strconv.Atoi(strings.TrimPrefix(fields[2], "*/")); err == nil && n > 0 {
			return time.Duration(n) * 24 * time.Hour
		}
	}
	return 24 * time.Hour
}
