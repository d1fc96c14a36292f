package dispatch

import (
	"context"
	"sync"
)

// MemoryDispatcher is an in-process Dispatcher used by tests so that
// orchestrator/importer/mutator suites don't need a live Redis
// instance. It has no worker loop of its own; tests call Jobs() to
// inspect what was enqueued and drive workers directly.
type MemoryDispatcher struct {
	mu   sync.Mutex
	jobs []Job
}

func NewMemoryDispatcher() *MemoryDispatcher {
	return &MemoryDispatcher{}
}

func (d *MemoryDispatcher) Enqueue(ctx context.Context, job Job) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.jobs = append(d.jobs, job)

	return job.TaskID, nil
}

func (d *MemoryDispatcher) Jobs() []Job {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Job, len(d.jobs))
	copy(out, d.jobs)

	return out
}
