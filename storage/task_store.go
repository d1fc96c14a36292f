package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/transitops/gtfs-core/model"
)

// TaskStore persists AsyncTask lifecycle records. It is deliberately
// narrow: the orchestrator owns all transition logic, the store only
// knows how to read and write rows.
type TaskStore interface {
	Create(t *model.AsyncTask) error
	Get(externalID string) (*model.AsyncTask, error)
	UpdateExternalID(oldID, newID string) error
	Update(t *model.AsyncTask) error

	// ListStale returns running tasks whose updated_at is older than
	// cutoff, used by orphan detection.
	ListStale(cutoff time.Time) ([]*model.AsyncTask, error)

	// DeleteTerminalBefore removes terminal tasks older than cutoff,
	// returning the number of rows removed.
	DeleteTerminalBefore(cutoff time.Time) (int64, error)
}

const taskTableDDL = `
CREATE TABLE IF NOT EXISTS async_task (
    id %s,
    external_id TEXT NOT NULL UNIQUE,
    kind TEXT NOT NULL,
    status TEXT NOT NULL,
    progress DOUBLE PRECISION NOT NULL DEFAULT 0,
    user_id TEXT NOT NULL DEFAULT '',
    agency_id TEXT NOT NULL DEFAULT '',
    input_data TEXT NOT NULL DEFAULT '{}',
    result_data TEXT NOT NULL DEFAULT '{}',
    error_message TEXT NOT NULL DEFAULT '',
    error_traceback TEXT NOT NULL DEFAULT '',
    orphaned BOOLEAN NOT NULL DEFAULT FALSE,
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS async_task_status_idx ON async_task (status, updated_at);
`

func marshalJSONMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshaling task json: %w", err)
	}
	return string(b), nil
}

func unmarshalJSONMap(s string) (map[string]any, error) {
	if s == "" {
		return map[string]any{}, nil
	}
	m := map[string]any{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("unmarshaling task json: %w", err)
	}
	return m, nil
}

func scanTaskRow(row interface {
	Scan(dest ...any) error
}) (*model.AsyncTask, error) {
	var t model.AsyncTask
	var input, result string
	var started, completed sql.NullTime

	err := row.Scan(
		&t.ID, &t.ExternalID, &t.Kind, &t.Status, &t.Progress,
		&t.UserID, &t.AgencyID, &input, &result,
		&t.ErrorMessage, &t.ErrorTraceback, &t.Orphaned,
		&started, &completed, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if started.Valid {
		t.StartedAt = &started.Time
	}
	if completed.Valid {
		t.CompletedAt = &completed.Time
	}

	t.InputData, err = unmarshalJSONMap(input)
	if err != nil {
		return nil, err
	}
	t.ResultData, err = unmarshalJSONMap(result)
	if err != nil {
		return nil, err
	}

	return &t, nil
}
