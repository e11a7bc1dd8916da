package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"voh_site_echo/internal/metrics"
	"voh_site_echo/internal/models"
	"voh_site_echo/internal/services"
)

const (
	historyStatusSuccess         = "success"
	historyStatusFailure         = "failure"
	historyStatusRetry           = "retry"
	historyStatusTimeout         = "timeout"
	historyStatusHandlerNotFound = "handler_not_found"
)

// Runner executes due scheduled tasks. Failed runs are retried until MaxAttempt is reached.
type Runner struct {
	db          *gorm.DB
	registry    *Registry
	logger      *slog.Logger
	batchSize   int
	concurrency int
	retryDelay  time.Duration
	lease       time.Duration
	now         func() time.Time
}

func NewRunner(db *gorm.DB, registry *Registry, concurrency int, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{
		db:          db,
		registry:    registry,
		logger:      logger.With("component", "task_runner"),
		batchSize:   100,
		concurrency: concurrency,
		retryDelay:  time.Minute,
		lease:       30 * time.Minute,
		now:         time.Now,
	}
}

// RunDue executes every active task whose due time has passed and returns how many ran.
func (r *Runner) RunDue(ctx context.Context) (int, error) {
	var pending []models.ScheduledTask
	err := r.db.WithContext(ctx).
		Where("status = ? AND due <= ?", models.ScheduledTaskStatusActive, r.now()).
		Order("due ASC").
		Limit(r.batchSize).
		Find(&pending).Error
	if err != nil {
		return 0, fmt.Errorf("failed to fetch pending tasks: %w", err)
	}
	if len(pending) == 0 {
		r.logger.Debug("no pending tasks")
		return 0, nil
	}
	r.logger.Info("found pending tasks", "count", len(pending))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	ran := make([]bool, len(pending))
	for i := range pending {
		i := i
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			ran[i] = r.Execute(gctx, pending[i])
			return nil
		})
	}
	_ = g.Wait()

	count := 0
	for _, ok := range ran {
		if ok {
			count++
		}
	}
	return count, ctx.Err()
}

// Execute claims and runs a single task. It returns false when another worker claimed it first.
// The claim pushes due out by the lease so other RunDue passes skip the task while it runs;
// if this worker dies mid-run the task becomes due again once the lease lapses.
func (r *Runner) Execute(ctx context.Context, task models.ScheduledTask) bool {
	startTime := r.now()
	claim := r.db.WithContext(ctx).Model(&models.ScheduledTask{}).
		Where("id = ? AND status = ? AND attempts = ?", task.ID, models.ScheduledTaskStatusActive, task.Attempts).
		Updates(map[string]interface{}{
			"attempts": gorm.Expr("attempts + 1"),
			"last_run": startTime,
			"due":      startTime.Add(r.lease),
		})
	if claim.Error != nil {
		r.logger.Error("failed to claim task", "task_id", task.ID, "error", claim.Error)
		return false
	}
	if claim.RowsAffected == 0 {
		return false
	}
	attempt := task.Attempts + 1
	logger := r.logger.With("task", task.TaskName, "task_id", task.ID, "attempt", attempt)

	handler, found := r.registry.Get(task.TaskName)
	if !found {
		logger.Error("task handler not found, marking as failure")
		r.finish(ctx, task, map[string]interface{}{"status": models.ScheduledTaskStatusFailure}, models.ScheduledTaskHistory{
			RunAt:  startTime,
			Status: historyStatusHandlerNotFound,
			Result: map[string]interface{}{"error": "Handler not found"},
		}, attempt)
		return true
	}

	result, err := handler(ctx, task)
	runtime := r.now().Sub(startTime)

	history := models.ScheduledTaskHistory{RunAt: startTime, RuntimeMs: runtime.Milliseconds(), Result: result}
	updates := map[string]interface{}{}

	switch {
	case err == nil:
		history.Status = historyStatusSuccess
		r.complete(task, updates)
		logger.Info("task completed", "runtime_ms", history.RuntimeMs)

	case errors.Is(err, services.ErrPollTimeout):
		history.Status = historyStatusTimeout
		history.Result = withError(result, err)
		updates["status"] = models.ScheduledTaskStatusTimeout
		logger.Warn("task timed out", "error", err)

	case errors.Is(err, ErrPermanent) || attempt >= task.MaxAttempt:
		history.Status = historyStatusFailure
		history.Result = withError(result, err)
		if task.TaskType == models.ScheduledTaskTypeRecurring {
			// a failed occurrence must not end the schedule
			r.complete(task, updates)
		} else {
			updates["status"] = models.ScheduledTaskStatusFailure
		}
		logger.Error("task failed", "error", err)

	default:
		history.Status = historyStatusRetry
		history.Result = withError(result, err)
		updates["due"] = r.now().Add(r.retryDelay * time.Duration(attempt))
		logger.Warn("task failed, will retry", "error", err, "next_attempt", attempt+1)
	}

	metrics.TasksExecutedTotal.WithLabelValues(task.TaskName, history.Status).Inc()
	r.finish(ctx, task, updates, history, attempt)
	return true
}

// complete sets up the next occurrence of a recurring task or closes a one-time task
func (r *Runner) complete(task models.ScheduledTask, updates map[string]interface{}) {
	if task.TaskType != models.ScheduledTaskTypeRecurring {
		updates["status"] = models.ScheduledTaskStatusDone
		return
	}

	next := task.NextDue(r.now())
	if next.IsZero() || !next.After(task.Due) {
		updates["status"] = models.ScheduledTaskStatusDone
		return
	}
	updates["due"] = next
	updates["attempts"] = 0
}

func (r *Runner) finish(ctx context.Context, task models.ScheduledTask, updates map[string]interface{}, history models.ScheduledTaskHistory, attempt int) {
	// bookkeeping must survive a shutdown that interrupted the handler
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	db := r.db.WithContext(writeCtx)

	history.ScheduledTaskID = task.ID
	history.TaskName = task.TaskName
	history.AttemptNumber = attempt
	history.Arguments = task.Arguments
	if err := db.Create(&history).Error; err != nil {
		r.logger.Error("failed to write task history", "task_id", task.ID, "error", err)
	}

	if len(updates) == 0 {
		return
	}
	if err := db.Model(&models.ScheduledTask{}).Where("id = ?", task.ID).Updates(updates).Error; err != nil {
		r.logger.Error("failed to update task", "task_id", task.ID, "error", err)
	}
}

func withError(result map[string]interface{}, err error) map[string]interface{} {
	out := make(map[string]interface{}, len(result)+1)
	for k, v := range result {
		out[k] = v
	}
	out["error"] = err.Error()
	return out
}
