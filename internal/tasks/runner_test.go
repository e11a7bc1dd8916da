package tasks

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"voh_site_echo/internal/models"
	"voh_site_echo/internal/services"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "tasks.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := services.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func newTestRunner(t *testing.T, db *gorm.DB, registry *Registry) (*Runner, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	r := NewRunner(db, registry, 1, nil)
	r.now = c.Now
	return r, c
}

func createTask(t *testing.T, db *gorm.DB, name string, due time.Time, maxAttempt int) models.ScheduledTask {
	t.Helper()
	task, err := BuildScheduledTask(name, map[string]string{"message": "hello"}, due, nil, models.ScheduledTaskTypeOneTime, maxAttempt)
	if err != nil {
		t.Fatalf("BuildScheduledTask returned error: %v", err)
	}
	if err := db.Create(task).Error; err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	return *task
}

func reload(t *testing.T, db *gorm.DB, id uint) models.ScheduledTask {
	t.Helper()
	var task models.ScheduledTask
	if err := db.First(&task, id).Error; err != nil {
		t.Fatalf("failed to reload task: %v", err)
	}
	return task
}

func histories(t *testing.T, db *gorm.DB, id uint) []models.ScheduledTaskHistory {
	t.Helper()
	var rows []models.ScheduledTaskHistory
	if err := db.Where("scheduled_task_id = ?", id).Order("id ASC").Find(&rows).Error; err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	return rows
}

func TestRunner_RunDueOnlyRunsDueTasks(t *testing.T) {
	db := newTestDB(t)
	registry := NewRegistry()
	calls := 0
	registry.Register("count", func(ctx context.Context, task models.ScheduledTask) (map[string]interface{}, error) {
		calls++
		return map[string]interface{}{"status": "success"}, nil
	})
	runner, clk := newTestRunner(t, db, registry)

	due := createTask(t, db, "count", clk.now.Add(-time.Minute), 3)
	future := createTask(t, db, "count", clk.now.Add(time.Hour), 3)

	ran, err := runner.RunDue(context.Background())
	if err != nil {
		t.Fatalf("RunDue returned error: %v", err)
	}
	if ran != 1 || calls != 1 {
		t.Fatalf("ran=%d calls=%d; want 1 and 1", ran, calls)
	}
	if got := reload(t, db, due.ID); got.Status != models.ScheduledTaskStatusDone || got.Attempts != 1 || got.LastRun == nil {
		t.Fatalf("unexpected due task state %+v", got)
	}
	if got := reload(t, db, future.ID); got.Status != models.ScheduledTaskStatusActive || got.Attempts != 0 {
		t.Fatalf("future task touched: %+v", got)
	}
	if h := histories(t, db, due.ID); len(h) != 1 || h[0].Status != historyStatusSuccess || h[0].AttemptNumber != 1 {
		t.Fatalf("unexpected history %+v", h)
	}
}

func TestRunner_RetriesUntilMaxAttempt(t *testing.T) {
	db := newTestDB(t)
	registry := NewRegistry()
	registry.Register("flaky", func(ctx context.Context, task models.ScheduledTask) (map[string]interface{}, error) {
		return nil, errors.New("connection reset")
	})
	runner, clk := newTestRunner(t, db, registry)
	task := createTask(t, db, "flaky", clk.now, 3)

	for attempt := 1; attempt <= 3; attempt++ {
		current := reload(t, db, task.ID)
		if current.Status != models.ScheduledTaskStatusActive {
			t.Fatalf("attempt %d: task already %s", attempt, current.Status)
		}
		if !runner.Execute(context.Background(), current) {
			t.Fatalf("attempt %d: task not claimed", attempt)
		}
		after := reload(t, db, task.ID)
		if attempt < 3 {
			if after.Status != models.ScheduledTaskStatusActive || !after.Due.After(clk.now) {
				t.Fatalf("attempt %d: expected rescheduled active task, got %+v", attempt, after)
			}
		}
		clk.now = clk.now.Add(time.Hour)
	}

	final := reload(t, db, task.ID)
	if final.Status != models.ScheduledTaskStatusFailure || final.Attempts != 3 {
		t.Fatalf("expected failure after 3 attempts, got %+v", final)
	}
	h := histories(t, db, task.ID)
	if len(h) != 3 || h[0].Status != historyStatusRetry || h[2].Status != historyStatusFailure {
		t.Fatalf("unexpected history %+v", h)
	}
	if h[0].Result["error"] != "connection reset" {
		t.Fatalf("error not recorded: %+v", h[0].Result)
	}
}

func TestRunner_TerminalOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		handlerErr  error
		register    bool
		wantStatus  models.ScheduledTaskStatus
		wantHistory string
	}{
		{name: "poll timeout", register: true, handlerErr: &services.PollTimeoutError{CorrelationID: "ws_CO_1", Attempts: 30}, wantStatus: models.ScheduledTaskStatusTimeout, wantHistory: historyStatusTimeout},
		{name: "permanent", register: true, handlerErr: ErrPermanent, wantStatus: models.ScheduledTaskStatusFailure, wantHistory: historyStatusFailure},
		{name: "handler missing", register: false, wantStatus: models.ScheduledTaskStatusFailure, wantHistory: historyStatusHandlerNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newTestDB(t)
			registry := NewRegistry()
			if tt.register {
				registry.Register("job", func(ctx context.Context, task models.ScheduledTask) (map[string]interface{}, error) {
					return nil, tt.handlerErr
				})
			}
			runner, clk := newTestRunner(t, db, registry)
			task := createTask(t, db, "job", clk.now, 3)

			runner.Execute(context.Background(), task)

			if got := reload(t, db, task.ID); got.Status != tt.wantStatus {
				t.Fatalf("status = %s; want %s", got.Status, tt.wantStatus)
			}
			if h := histories(t, db, task.ID); len(h) != 1 || h[0].Status != tt.wantHistory {
				t.Fatalf("unexpected history %+v", h)
			}
		})
	}
}

func TestRunner_RecurringTaskAdvances(t *testing.T) {
	db := newTestDB(t)
	registry := NewRegistry()
	fail := false
	registry.Register("sweep", func(ctx context.Context, task models.ScheduledTask) (map[string]interface{}, error) {
		if fail {
			return nil, errors.New("provider down")
		}
		return map[string]interface{}{}, nil
	})
	runner, clk := newTestRunner(t, db, registry)

	rule := "FREQ=MINUTELY;INTERVAL=15"
	task, err := BuildScheduledTask("sweep", nil, clk.now, &rule, models.ScheduledTaskTypeRecurring, 1)
	if err != nil {
		t.Fatalf("BuildScheduledTask returned error: %v", err)
	}
	if err := db.Create(task).Error; err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	clk.now = clk.now.Add(time.Minute)
	runner.Execute(context.Background(), reload(t, db, task.ID))

	after := reload(t, db, task.ID)
	want := time.Date(2026, 3, 1, 9, 15, 0, 0, time.UTC)
	if after.Status != models.ScheduledTaskStatusActive || !after.Due.Equal(want) || after.Attempts != 0 {
		t.Fatalf("expected next occurrence at %s, got %+v", want, after)
	}

	fail = true
	clk.now = want.Add(time.Second)
	runner.Execute(context.Background(), after)

	afterFailure := reload(t, db, task.ID)
	if afterFailure.Status != models.ScheduledTaskStatusActive || !afterFailure.Due.After(want) {
		t.Fatalf("failed occurrence must keep the schedule alive, got %+v", afterFailure)
	}
}

func TestRunner_ClaimIsExclusive(t *testing.T) {
	db := newTestDB(t)
	registry := NewRegistry()
	calls := 0
	registry.Register("once", func(ctx context.Context, task models.ScheduledTask) (map[string]interface{}, error) {
		calls++
		return nil, nil
	})
	runner, clk := newTestRunner(t, db, registry)
	task := createTask(t, db, "once", clk.now, 3)

	if !runner.Execute(context.Background(), task) {
		t.Fatal("first claim should succeed")
	}
	if runner.Execute(context.Background(), task) {
		t.Fatal("stale copy of the task must not run again")
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times", calls)
	}
}

func TestRunner_RunningTaskIsNotPickedUpAgain(t *testing.T) {
	db := newTestDB(t)
	registry := NewRegistry()
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	registry.Register("slow", func(ctx context.Context, task models.ScheduledTask) (map[string]interface{}, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return nil, nil
	})

	first, clk := newTestRunner(t, db, registry)
	second := NewRunner(db, registry, 1, nil)
	second.now = clk.Now
	task := createTask(t, db, "slow", clk.now.Add(-time.Minute), 3)

	done := make(chan bool)
	go func() { done <- first.Execute(context.Background(), task) }()
	<-started

	tests := []struct {
		name    string
		advance time.Duration
	}{
		{name: "same tick", advance: 0},
		{name: "next tick", advance: 10 * time.Second},
		{name: "within lease", advance: 20 * time.Minute},
	}
	for _, tt := range tests {
		second.now = func() time.Time { return clk.now.Add(tt.advance) }
		ran, err := second.RunDue(context.Background())
		if err != nil {
			t.Fatalf("%s: RunDue returned error: %v", tt.name, err)
		}
		if ran != 0 {
			t.Fatalf("%s: running task was executed again (ran=%d)", tt.name, ran)
		}
	}

	close(release)
	if !<-done {
		t.Fatal("first runner should have claimed the task")
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("handler ran %d times; want 1", n)
	}
	if got := reload(t, db, task.ID); got.Status != models.ScheduledTaskStatusDone || got.Attempts != 1 {
		t.Fatalf("unexpected task state %+v", got)
	}
}

func TestRunner_AbandonedClaimIsRetriedAfterLease(t *testing.T) {
	db := newTestDB(t)
	registry := NewRegistry()
	calls := 0
	registry.Register("job", func(ctx context.Context, task models.ScheduledTask) (map[string]interface{}, error) {
		calls++
		return nil, nil
	})
	runner, clk := newTestRunner(t, db, registry)
	task := createTask(t, db, "job", clk.now, 3)

	// a worker that claimed the task and then died leaves it active with the lease as due
	if err := db.Model(&models.ScheduledTask{}).Where("id = ?", task.ID).Updates(map[string]interface{}{
		"attempts": 1,
		"due":      clk.now.Add(runner.lease),
	}).Error; err != nil {
		t.Fatalf("failed to simulate claim: %v", err)
	}

	if ran, _ := runner.RunDue(context.Background()); ran != 0 {
		t.Fatalf("task ran before its lease lapsed")
	}
	clk.now = clk.now.Add(runner.lease + time.Second)
	if ran, _ := runner.RunDue(context.Background()); ran != 1 || calls != 1 {
		t.Fatalf("ran=%d calls=%d; want the abandoned task picked up once", ran, calls)
	}
	if got := reload(t, db, task.ID); got.Status != models.ScheduledTaskStatusDone || got.Attempts != 2 {
		t.Fatalf("unexpected task state %+v", got)
	}
}
