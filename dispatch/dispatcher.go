package dispatch

import "context"

// Dispatcher hands a Job off to whatever out-of-process transport runs
// the actual worker body. The task package treats this as an external
// collaborator: it only needs Enqueue's returned handle and does not
// know how jobs are delivered to a worker.
type Dispatcher interface {
	// Enqueue submits a job and returns the transport's handle for
	// it. When the transport has no native handle concept (e.g. an
	// in-memory test double), it may simply echo job.TaskID back.
	Enqueue(ctx context.Context, job Job) (string, error)
}
