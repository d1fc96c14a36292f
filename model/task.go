package model

import "time"

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

type TaskKind string

const (
	TaskImportGTFS                   TaskKind = "import_gtfs"
	TaskExportGTFS                   TaskKind = "export_gtfs"
	TaskValidateGTFS                 TaskKind = "validate_gtfs"
	TaskValidateGTFSMobilityData     TaskKind = "validate_gtfs_mobilitydata"
	TaskValidateGTFSFileMobilityData TaskKind = "validate_gtfs_file_mobilitydata"
	TaskMergeAgencies                TaskKind = "merge_agencies"
	TaskSplitAgency                  TaskKind = "split_agency"
	TaskCloneFeed                    TaskKind = "clone_feed"
	TaskDeleteFeed                   TaskKind = "delete_feed"
	TaskDeleteAgency                 TaskKind = "delete_agency"
)

// AsyncTask is the orchestrator's lifecycle record for a single
// long-running job. ExternalID is rewritten once the dispatcher hands
// back a job handle; until then it holds the pre-generated placeholder
// produced at Enqueue time.
type AsyncTask struct {
	ID         int64
	ExternalID string
	Kind       TaskKind
	Status     TaskStatus
	Progress   float64

	UserID   string
	AgencyID string

	InputData  map[string]any
	ResultData map[string]any

	ErrorMessage    string
	ErrorTraceback  string
	Orphaned        bool

	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ErrAlreadyCancelled is returned by BeginRun when a task was cancelled
// before a worker picked it up.
type ErrAlreadyCancelled struct {
	TaskID string
}

func (e *ErrAlreadyCancelled) Error() string {
	return "task " + e.TaskID + " already cancelled"
}

// ErrCancelled is the cooperative cancellation signal raised by
// CheckCancelled and handled by the worker at its next checkpoint.
type ErrCancelled struct {
	TaskID string
}

func (e *ErrCancelled) Error() string {
	return "task " + e.TaskID + " cancelled"
}
