package main

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/transitops/gtfs-core/apierr"
	"github.com/transitops/gtfs-core/config"
	"github.com/transitops/gtfs-core/dispatch"
	"github.com/transitops/gtfs-core/exporter"
	"github.com/transitops/gtfs-core/importer"
	"github.com/transitops/gtfs-core/logger"
	"github.com/transitops/gtfs-core/model"
	"github.com/transitops/gtfs-core/mutate"
	"github.com/transitops/gtfs-core/storage"
	"github.com/transitops/gtfs-core/task"
	"github.com/transitops/gtfs-core/validate"
	"github.com/transitops/gtfs-core/validate/mobilitydata"
)

// allKinds is polled, in order, by every worker goroutine. Redis lists
// don't offer a built-in multi-key blocking pop across an arbitrary
// kind set without BLMPOP (Redis 7+), so each worker round-robins a
// short BRPopLPush per kind instead — simple, and fine at this
// system's task volume (bulk GTFS operations are minutes long, not a
// high-throughput queue).
var allKinds = []model.TaskKind{
	model.TaskImportGTFS,
	model.TaskExportGTFS,
	model.TaskValidateGTFS,
	model.TaskValidateGTFSMobilityData,
	model.TaskValidateGTFSFileMobilityData,
	model.TaskMergeAgencies,
	model.TaskSplitAgency,
	model.TaskCloneFeed,
	model.TaskDeleteFeed,
	model.TaskDeleteAgency,
}

const dequeueTimeout = 1 * time.Second

type worker struct {
	id           string
	dispatcher   *dispatch.RedisDispatcher
	orchestrator *task.Orchestrator
	store        storage.Storage
	registry     storage.FeedRegistry
	validatorCfg config.ValidatorConfig
	log          logger.Logger
}

func (w *worker) run(ctx context.Context) {
	heartbeatTTL := 30 * time.Second
	heartbeat := time.NewTicker(10 * time.Second)
	defer heartbeat.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				if err := w.dispatcher.Heartbeat(ctx, w.id, heartbeatTTL); err != nil {
					w.log.Warn("heartbeat failed", "worker_id", w.id, "error", err)
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job := w.pollOnce(ctx)
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		w.process(ctx, job)

		if data, err := job.Marshal(); err == nil {
			if err := w.dispatcher.Ack(ctx, w.id, data); err != nil {
				w.log.Warn("ack failed", "worker_id", w.id, "task_id", job.TaskID, "error", err)
			}
		}
	}
}

func (w *worker) pollOnce(ctx context.Context) *dispatch.Job {
	for _, kind := range allKinds {
		job, err := w.dispatcher.Dequeue(ctx, string(kind), w.id, dequeueTimeout)
		if err != nil {
			w.log.Error("dequeue failed", "worker_id", w.id, "kind", kind, "error", err)
			continue
		}
		if job != nil {
			return job
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
	return nil
}

func (w *worker) process(ctx context.Context, job *dispatch.Job) {
	log := w.log.With("task_id", job.TaskID, "task_kind", job.Kind)
	log.Info("processing job")

	var err error
	switch model.TaskKind(job.Kind) {
	case model.TaskImportGTFS:
		err = w.runImport(ctx, job)
	case model.TaskExportGTFS:
		err = w.runExport(ctx, job)
	case model.TaskValidateGTFS:
		err = w.runValidate(ctx, job)
	case model.TaskValidateGTFSMobilityData, model.TaskValidateGTFSFileMobilityData:
		err = w.runMobilityData(ctx, job)
	case model.TaskMergeAgencies:
		err = w.runMerge(ctx, job)
	case model.TaskSplitAgency:
		err = w.runSplit(ctx, job)
	case model.TaskCloneFeed:
		err = w.runClone(ctx, job)
	case model.TaskDeleteFeed, model.TaskDeleteAgency:
		err = w.runDelete(ctx, job)
	default:
		log.Error("unknown job kind")
		return
	}

	if err != nil {
		log.Error("job finished with error", "error", err)
	}
}

func (w *worker) runImport(ctx context.Context, job *dispatch.Job) error {
	encoded, err := requireString(job.Payload, "archive_base64")
	if err != nil {
		return w.orchestrator.Fail(job.TaskID, err, "", false)
	}
	archive, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return w.orchestrator.Fail(job.TaskID, err, "", false)
	}

	imp := &importer.Importer{
		Storage:      w.store,
		Registry:     w.registry,
		Orchestrator: w.orchestrator,
		Log:          w.log,
	}
	_, err = imp.Run(ctx, job.TaskID, archive, importer.Options{
		AgencyGroup:     payloadString(job.Payload, "agency_group"),
		Name:            payloadString(job.Payload, "name"),
		Description:     payloadString(job.Payload, "description"),
		ReplaceExisting: payloadBool(job.Payload, "replace_existing"),
	})
	return err
}

func (w *worker) runExport(ctx context.Context, job *dispatch.Job) error {
	feedID, err := requireString(job.Payload, "feed_id")
	if err != nil {
		return w.orchestrator.Fail(job.TaskID, err, "", false)
	}

	exp := &exporter.Exporter{
		Storage:      w.store,
		Orchestrator: w.orchestrator,
		Log:          w.log,
	}
	_, err = exp.Run(ctx, job.TaskID, feedID, exporter.Options{
		RouteIDs: payloadStrings(job.Payload, "route_ids"),
	})
	return err
}

func (w *worker) runValidate(ctx context.Context, job *dispatch.Job) error {
	feedID, err := requireString(job.Payload, "feed_id")
	if err != nil {
		return w.orchestrator.Fail(job.TaskID, err, "", false)
	}

	v := &validate.Validator{
		Storage:      w.store,
		Orchestrator: w.orchestrator,
		Log:          w.log,
	}
	_, err = v.Run(ctx, job.TaskID, feedID, validate.DefaultPreferences())
	return err
}

// runMobilityData drives the containerized reference validator
// directly against the orchestrator, since mobilitydata.Runner itself
// has no task lifecycle dependency (it's a standalone "run this feed
// through the container" primitive, reusable outside the task
// pipeline too).
func (w *worker) runMobilityData(ctx context.Context, job *dispatch.Job) error {
	if err := w.orchestrator.BeginRun(job.TaskID); err != nil {
		return err
	}

	hostPath, err := requireString(job.Payload, "host_feed_path")
	if err != nil {
		return w.orchestrator.Fail(job.TaskID, err, "", false)
	}

	runner := mobilitydata.NewRunner(w.validatorCfg, w.log)
	report, err := runner.Run(ctx, hostPath)
	if err != nil {
		return w.orchestrator.Fail(job.TaskID, err, apierr.StackTrace(err), apierr.Retryable(err))
	}

	html := mobilitydata.RenderHTML(payloadString(job.Payload, "feed_id"), report)
	return w.orchestrator.Complete(job.TaskID, map[string]any{
		"notice_count":  len(report.Notices),
		"system_errors": report.SystemErrors,
		"report_html":   html,
	})
}

func (w *worker) runMerge(ctx context.Context, job *dispatch.Job) error {
	m := mutate.NewMerger(w.store, w.registry, w.orchestrator, w.log)
	strategy := mutate.Strategy(payloadString(job.Payload, "strategy"))
	_, err := m.Run(ctx, job.TaskID, mutate.MergeOptions{
		Sources:      payloadStrings(job.Payload, "sources"),
		TargetAgency: payloadString(job.Payload, "target_agency"),
		Name:         payloadString(job.Payload, "name"),
		Description:  payloadString(job.Payload, "description"),
		Strategy:     strategy,
		Activate:     payloadBool(job.Payload, "activate"),
	})
	return err
}

func (w *worker) runSplit(ctx context.Context, job *dispatch.Job) error {
	sp := mutate.NewSplitter(w.store, w.registry, w.orchestrator, w.log)
	_, err := sp.Run(ctx, job.TaskID, mutate.SplitOptions{
		SourceFeed:       payloadString(job.Payload, "source_feed"),
		RouteIDs:         payloadStrings(job.Payload, "route_ids"),
		NewAgencyGroup:   payloadString(job.Payload, "new_agency_group"),
		NewFeedName:      payloadString(job.Payload, "new_feed_name"),
		NewFeedDesc:      payloadString(job.Payload, "new_feed_description"),
		RemoveFromSource: payloadBool(job.Payload, "remove_from_source"),
		Activate:         payloadBool(job.Payload, "activate"),
	})
	return err
}

func (w *worker) runClone(ctx context.Context, job *dispatch.Job) error {
	cl := mutate.NewCloner(w.store, w.registry, w.orchestrator, w.log)
	_, err := cl.Run(ctx, job.TaskID, mutate.CloneOptions{
		Source:       payloadString(job.Payload, "source"),
		TargetAgency: payloadString(job.Payload, "target_agency"),
		Name:         payloadString(job.Payload, "name"),
		Description:  payloadString(job.Payload, "description"),
		Activate:     payloadBool(job.Payload, "activate"),
	})
	return err
}

func (w *worker) runDelete(ctx context.Context, job *dispatch.Job) error {
	d := mutate.NewDeleter(w.store, w.registry, w.orchestrator, w.log)
	return d.Run(ctx, job.TaskID, mutate.DeleteOptions{
		FeedID:      payloadString(job.Payload, "feed_id"),
		AgencyGroup: payloadString(job.Payload, "agency_group"),
	})
}
