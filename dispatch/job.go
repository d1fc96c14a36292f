// Package dispatch is the task queue transport the Task Orchestrator
// enqueues onto. It is a Redis-backed, at-least-once job queue:
// producers push job envelopes onto a kind-specific list, workers
// block-pop and process them, and a reaper recovers jobs left behind
// by a worker that stopped heartbeating.
package dispatch

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job is the payload handed to the dispatcher. TaskID matches the
// AsyncTask's external id at enqueue time; Kind selects which worker
// handler processes it.
type Job struct {
	TaskID    string         `json:"task_id"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}

func (j *Job) Marshal() ([]byte, error) {
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = time.Now().UTC()
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("marshaling job: %w", err)
	}
	return b, nil
}

func UnmarshalJob(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshaling job: %w", err)
	}
	return &j, nil
}
