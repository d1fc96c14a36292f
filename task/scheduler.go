package task

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/transitops/gtfs-core/logger"
	"github.com/transitops/gtfs-core/storage"
)

// SchedulerConfig controls the periodic jobs run alongside the task
// orchestrator.
type SchedulerConfig struct {
	// CleanupOldTasksCron runs DeleteTerminalBefore. Defaults to once
	// a day.
	CleanupOldTasksCron string
	RetentionDays       int

	// CheckOrphanedCron runs orphan reconciliation. Defaults to every
	// 10 minutes.
	CheckOrphanedCron  string
	OrphanStaleAfter   time.Duration

	// CheckFeedSourceHealthCron polls realtime feed-source staleness.
	// Supplements the distilled task set (grounded in the original
	// system's check_feed_sources job); defaults to every 5 minutes.
	CheckFeedSourceHealthCron string
	HealthCheck               func(ctx context.Context) error
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		CleanupOldTasksCron:       "0 3 * * *",
		RetentionDays:             30,
		CheckOrphanedCron:         "*/10 * * * *",
		OrphanStaleAfter:          30 * time.Minute,
		CheckFeedSourceHealthCron: "*/5 * * * *",
	}
}

// Scheduler runs the orchestrator's periodic jobs on a cron schedule.
// Mirrors the mutex-guarded, cancelable-loop shape of a ticker-based
// maintenance scheduler, but delegates scheduling itself to cron so
// jobs survive process restarts' wall-clock drift more predictably.
type Scheduler struct {
	store storage.TaskStore
	cfg   SchedulerConfig
	log   logger.Logger

	cron *cron.Cron

	mu        sync.RWMutex
	isRunning bool
}

func NewScheduler(store storage.TaskStore, cfg SchedulerConfig, log logger.Logger) *Scheduler {
	return &Scheduler{
		store: store,
		cfg:   cfg,
		log:   log,
		cron:  cron.New(),
	}
}

func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return nil
	}

	if _, err := s.cron.AddFunc(s.cfg.CleanupOldTasksCron, s.cleanupOldTasks); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.CheckOrphanedCron, s.checkOrphaned); err != nil {
		return err
	}
	if s.cfg.HealthCheck != nil {
		if _, err := s.cron.AddFunc(s.cfg.CheckFeedSourceHealthCron, s.checkFeedSourceHealth); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.isRunning = true

	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return
	}

	<-s.cron.Stop().Done()
	s.isRunning = false
}

func (s *Scheduler) cleanupOldTasks() {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)

	n, err := s.store.DeleteTerminalBefore(cutoff)
	if err != nil {
		s.log.Error("cleanup old tasks failed", "error", err)
		return
	}

	s.log.Info("cleaned up old tasks", "removed", n)
}

func (s *Scheduler) checkOrphaned() {
	cutoff := time.Now().UTC().Add(-s.cfg.OrphanStaleAfter)

	stale, err := s.store.ListStale(cutoff)
	if err != nil {
		s.log.Error("orphan scan failed", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, t := range stale {
		t.Status = "failed"
		t.Orphaned = true
		t.ErrorMessage = "worker presumed lost: no progress update within staleness window"
		t.CompletedAt = &now
		t.UpdatedAt = now

		if err := s.store.Update(t); err != nil {
			s.log.Error("marking orphan failed", "task_id", t.ExternalID, "error", err)
			continue
		}

		s.log.Warn("reconciled orphaned task", "task_id", t.ExternalID, "task_kind", t.Kind)
	}
}

func (s *Scheduler) checkFeedSourceHealth() {
	if err := s.cfg.HealthCheck(context.Background()); err != nil {
		s.log.Error("feed source health check failed", "error", err)
	}
}
