package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/transitops/gtfs-core/logger"
)

var jobsRecovered = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "gtfs_dispatch_jobs_recovered_total",
	Help: "Jobs moved back onto a queue after their owning worker's heartbeat expired.",
})

func init() {
	prometheus.MustRegister(jobsRecovered)
}

// Reaper periodically scans processing lists for workers whose
// heartbeat key has expired and re-enqueues any jobs it finds there.
// This is the hard-termination fallback behind the orchestrator's
// cooperative, staleness-based orphan detection: if a worker process
// dies outright, its in-flight job is recovered here rather than lost.
type Reaper struct {
	rdb      *redis.Client
	log      logger.Logger
	interval time.Duration
}

func NewReaper(rdb *redis.Client, log logger.Logger, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reaper{rdb: rdb, log: log, interval: interval}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.scanOnce(ctx); err != nil {
				r.log.Error("reaper scan failed", "error", err)
			}
		}
	}
}

func (r *Reaper) scanOnce(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, processingKeyPrefix+"*", 100).Result()
		if err != nil {
			return err
		}

		for _, key := range keys {
			workerID := strings.TrimPrefix(key, processingKeyPrefix)

			exists, err := r.rdb.Exists(ctx, heartbeatKeyPrefix+workerID).Result()
			if err != nil {
				r.log.Error("checking heartbeat", "worker_id", workerID, "error", err)
				continue
			}
			if exists == 1 {
				continue
			}

			if err := r.recover(ctx, key); err != nil {
				r.log.Error("recovering processing list", "worker_id", workerID, "error", err)
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return nil
}

func (r *Reaper) recover(ctx context.Context, processingKey string) error {
	for {
		data, err := r.rdb.RPop(ctx, processingKey).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}

		job, err := UnmarshalJob([]byte(data))
		if err != nil {
			r.log.Error("dropping unparseable job during recovery", "error", err)
			continue
		}

		if err := r.rdb.LPush(ctx, queueKeyPrefix+job.Kind, data).Err(); err != nil {
			return err
		}

		jobsRecovered.Inc()
		r.log.Warn("recovered orphaned job", "task_id", job.TaskID, "task_kind", job.Kind)
	}
}
