// Package task implements the AsyncTask lifecycle: enqueueing jobs,
// tracking their progress, observing cancellation, and periodically
// reconciling orphaned or aged-out rows.
package task

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/transitops/gtfs-core/dispatch"
	"github.com/transitops/gtfs-core/logger"
	"github.com/transitops/gtfs-core/model"
	"github.com/transitops/gtfs-core/storage"
)

// Orchestrator owns AsyncTask state transitions. It never runs task
// bodies itself — workers (importer, exporter, mutate, validate,
// realtime) call back into it at BeginRun/ReportProgress/Complete/Fail
// boundaries.
type Orchestrator struct {
	store      storage.TaskStore
	dispatcher dispatch.Dispatcher
	log        logger.Logger
}

func NewOrchestrator(store storage.TaskStore, dispatcher dispatch.Dispatcher, log logger.Logger) *Orchestrator {
	return &Orchestrator{store: store, dispatcher: dispatcher, log: log}
}

// Enqueue creates an AsyncTask with a pre-generated external id,
// dispatches a job carrying the task id and kind-specific payload, then
// rewrites the external id to the dispatcher-returned handle.
func (o *Orchestrator) Enqueue(ctx context.Context, kind model.TaskKind, input map[string]any, userID, agencyID string) (string, error) {
	placeholder := uuid.NewString()
	now := time.Now().UTC()

	t := &model.AsyncTask{
		ExternalID: placeholder,
		Kind:       kind,
		Status:     model.TaskPending,
		Progress:   0,
		UserID:     userID,
		AgencyID:   agencyID,
		InputData:  input,
		ResultData: map[string]any{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := o.store.Create(t); err != nil {
		return "", fmt.Errorf("creating task: %w", err)
	}

	handle, err := o.dispatcher.Enqueue(ctx, dispatch.Job{
		TaskID:  placeholder,
		Kind:    string(kind),
		Payload: input,
	})
	if err != nil {
		return "", fmt.Errorf("dispatching job: %w", err)
	}

	if handle != placeholder {
		if err := o.store.UpdateExternalID(placeholder, handle); err != nil {
			return "", fmt.Errorf("rewriting external id: %w", err)
		}
	}

	o.log.Info("task enqueued", "task_id", handle, "task_kind", kind)

	return handle, nil
}

// BeginRun is the worker's entry point. It fails with
// ErrAlreadyCancelled if the task was cancelled before a worker picked
// it up, otherwise it transitions the task to running.
func (o *Orchestrator) BeginRun(taskID string) error {
	t, err := o.store.Get(taskID)
	if err != nil {
		return fmt.Errorf("loading task: %w", err)
	}

	if t.Status == model.TaskCancelled {
		return &model.ErrAlreadyCancelled{TaskID: taskID}
	}

	now := time.Now().UTC()
	t.Status = model.TaskRunning
	t.StartedAt = &now
	t.UpdatedAt = now

	if err := o.store.Update(t); err != nil {
		return fmt.Errorf("updating task: %w", err)
	}

	return nil
}

// ReportProgress updates percent complete and an optional current-step
// message stashed in result_data. Callers should throttle to at most
// one update per whole percentage point; this method does not enforce
// that itself since batch sizes already bound call frequency.
func (o *Orchestrator) ReportProgress(taskID string, percent float64, message string) error {
	t, err := o.store.Get(taskID)
	if err != nil {
		return fmt.Errorf("loading task: %w", err)
	}

	t.Progress = math.Max(0, math.Min(100, percent))
	if message != "" {
		t.ResultData["current_step"] = message
	}
	t.UpdatedAt = time.Now().UTC()

	return o.store.Update(t)
}

// CheckCancelled reads current status. Workers call this at batch
// boundaries; observing cancelled raises ErrCancelled, which the
// worker handles by rolling back its open transaction and returning
// control here to mark the task cancelled.
func (o *Orchestrator) CheckCancelled(taskID string) error {
	t, err := o.store.Get(taskID)
	if err != nil {
		return fmt.Errorf("loading task: %w", err)
	}

	if t.Status == model.TaskCancelled {
		return &model.ErrCancelled{TaskID: taskID}
	}

	return nil
}

func (o *Orchestrator) Complete(taskID string, result map[string]any) error {
	t, err := o.store.Get(taskID)
	if err != nil {
		return fmt.Errorf("loading task: %w", err)
	}

	now := time.Now().UTC()
	t.Status = model.TaskCompleted
	t.Progress = 100
	t.CompletedAt = &now
	t.UpdatedAt = now
	for k, v := range result {
		t.ResultData[k] = v
	}

	if err := o.store.Update(t); err != nil {
		return fmt.Errorf("updating task: %w", err)
	}

	o.log.Info("task completed", "task_id", taskID, "task_kind", t.Kind)

	return nil
}

// Fail sets status=failed and stamps error fields. When retryable is
// true, can_retry is set in result_data and inputs are preserved so a
// caller can re-Enqueue with the same payload.
func (o *Orchestrator) Fail(taskID string, taskErr error, traceback string, retryable bool) error {
	t, err := o.store.Get(taskID)
	if err != nil {
		return fmt.Errorf("loading task: %w", err)
	}

	now := time.Now().UTC()
	t.Status = model.TaskFailed
	t.CompletedAt = &now
	t.UpdatedAt = now
	t.ErrorMessage = taskErr.Error()
	t.ErrorTraceback = traceback
	if retryable {
		t.ResultData["can_retry"] = true
	}

	if err := o.store.Update(t); err != nil {
		return fmt.Errorf("updating task: %w", err)
	}

	o.log.Error("task failed", "task_id", taskID, "task_kind", t.Kind, "error", taskErr)

	return nil
}

// Cancel marks a task cancelled. The running worker observes this
// cooperatively at its next CheckCancelled call.
func (o *Orchestrator) Cancel(taskID string) error {
	t, err := o.store.Get(taskID)
	if err != nil {
		return fmt.Errorf("loading task: %w", err)
	}

	if t.Status.Terminal() {
		return nil
	}

	t.Status = model.TaskCancelled
	t.UpdatedAt = time.Now().UTC()

	return o.store.Update(t)
}

func (o *Orchestrator) Get(taskID string) (*model.AsyncTask, error) {
	return o.store.Get(taskID)
}
