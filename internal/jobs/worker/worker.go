// Package worker claims runnable generation runs and dispatches them to
// registered handlers. Claims use SKIP LOCKED, so any number of worker slots
// across any number of instances can poll the same table safely.
package worker

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/courseforge/courseforge-backend/internal/data/repos"
	"github.com/courseforge/courseforge-backend/internal/jobs/runtime"
	"github.com/courseforge/courseforge-backend/internal/pkg/dbctx"
	"github.com/courseforge/courseforge-backend/internal/platform/envutil"
	"github.com/courseforge/courseforge-backend/internal/platform/logger"
	"github.com/courseforge/courseforge-backend/internal/services"
)

type Config struct {
	Concurrency  int
	PollInterval time.Duration
	MaxAttempts  int
	RetryDelay   time.Duration
	StaleRunning time.Duration
}

func ConfigFromEnv(log *logger.Logger) Config {
	return Config{
		Concurrency:  envutil.GetEnvInt("WORKER_CONCURRENCY", 4, log),
		PollInterval: envutil.GetEnvDuration("WORKER_POLL_INTERVAL", time.Second, log),
		MaxAttempts:  envutil.GetEnvInt("WORKER_MAX_ATTEMPTS", 5, log),
		RetryDelay:   envutil.GetEnvDuration("WORKER_RETRY_DELAY", 30*time.Second, log),
		StaleRunning: envutil.GetEnvDuration("WORKER_STALE_RUNNING", 2*time.Minute, log),
	}
}

type Worker struct {
	db       *gorm.DB
	log      *logger.Logger
	repo     repos.GenerationRunRepo
	registry *runtime.Registry
	notify   services.CourseNotifier
	cfg      Config
}

func New(db *gorm.DB, baseLog *logger.Logger, repo repos.GenerationRunRepo, registry *runtime.Registry, notify services.CourseNotifier, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Worker{
		db:       db,
		log:      baseLog.With("component", "GenerationWorker"),
		repo:     repo,
		registry: registry,
		notify:   notify,
		cfg:      cfg,
	}
}

// Start launches the worker slots. They run until ctx is canceled.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.Concurrency; i++ {
		go w.loop(ctx, i)
	}
	w.log.Info("Worker started", "concurrency", w.cfg.Concurrency, "poll_interval", w.cfg.PollInterval)
}

func (w *Worker) loop(ctx context.Context, slot int) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain the queue before going back to sleep.
			for {
				if !w.claimAndRun(ctx, slot) {
					break
				}
			}
		}
	}
}

func (w *Worker) claimAndRun(ctx context.Context, slot int) bool {
	run, err := w.repo.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, w.cfg.MaxAttempts, w.cfg.RetryDelay, w.cfg.StaleRunning)
	if err != nil {
		w.log.Warn("ClaimNextRunnable failed", "slot", slot, "error", err)
		return false
	}
	if run == nil {
		return false
	}

	h, ok := w.registry.Get(run.JobType)
	jc := runtime.NewContext(ctx, w.db, run, w.repo, w.notify)
	if !ok {
		w.log.Warn("No handler registered for job_type", "job_type", run.JobType, "run_id", run.ID)
		jc.Fail("dispatch", fmt.Errorf("no handler registered for job_type=%s", run.JobType))
		return true
	}

	// A panicking handler must not take the worker slot down with it.
	func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("Handler panic", "run_id", run.ID, "job_type", run.JobType, "panic", r)
				jc.Fail("panic", fmt.Errorf("handler panic: %v", r))
			}
		}()
		if err := h.Run(jc); err != nil {
			w.log.Error("Handler returned error", "run_id", run.ID, "job_type", run.JobType, "error", err)
		}
	}()
	return true
}
