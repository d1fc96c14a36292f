package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/transitops/gtfs-core/model"
)

type SQLiteTaskStore struct {
	db *sql.DB
}

// NewSQLiteTaskStore creates the async_task table (if missing) on the
// given connection and returns a TaskStore backed by it. Pass the
// SQLiteStorage's DB() so tasks and feed data share one file.
func NewSQLiteTaskStore(db *sql.DB) (*SQLiteTaskStore, error) {
	ddl := fmt.Sprintf(taskTableDDL, "INTEGER PRIMARY KEY AUTOINCREMENT")
	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("creating async_task table: %w", err)
	}
	return &SQLiteTaskStore{db: db}, nil
}

func (s *SQLiteTaskStore) Create(t *model.AsyncTask) error {
	input, err := marshalJSONMap(t.InputData)
	if err != nil {
		return err
	}
	result, err := marshalJSONMap(t.ResultData)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(`
INSERT INTO async_task
    (external_id, kind, status, progress, user_id, agency_id,
     input_data, result_data, error_message, error_traceback, orphaned,
     created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ExternalID, t.Kind, t.Status, t.Progress, t.UserID, t.AgencyID,
		input, result, t.ErrorMessage, t.ErrorTraceback, t.Orphaned,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting async_task: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading inserted id: %w", err)
	}
	t.ID = id

	return nil
}

func (s *SQLiteTaskStore) Get(externalID string) (*model.AsyncTask, error) {
	row := s.db.QueryRow(`
SELECT id, external_id, kind, status, progress, user_id, agency_id,
       input_data, result_data, error_message, error_traceback, orphaned,
       started_at, completed_at, created_at, updated_at
FROM async_task WHERE external_id = ?`, externalID)

	t, err := scanTaskRow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %q not found", externalID)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning async_task: %w", err)
	}

	return t, nil
}

func (s *SQLiteTaskStore) UpdateExternalID(oldID, newID string) error {
	_, err := s.db.Exec(`UPDATE async_task SET external_id = ?, updated_at = ? WHERE external_id = ?`,
		newID, time.Now().UTC(), oldID)
	if err != nil {
		return fmt.Errorf("rewriting external_id: %w", err)
	}
	return nil
}

func (s *SQLiteTaskStore) Update(t *model.AsyncTask) error {
	input, err := marshalJSONMap(t.InputData)
	if err != nil {
		return err
	}
	result, err := marshalJSONMap(t.ResultData)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
UPDATE async_task SET
    status = ?, progress = ?, input_data = ?, result_data = ?,
    error_message = ?, error_traceback = ?, orphaned = ?,
    started_at = ?, completed_at = ?, updated_at = ?
WHERE external_id = ?`,
		t.Status, t.Progress, input, result,
		t.ErrorMessage, t.ErrorTraceback, t.Orphaned,
		t.StartedAt, t.CompletedAt, t.UpdatedAt,
		t.ExternalID,
	)
	if err != nil {
		return fmt.Errorf("updating async_task: %w", err)
	}

	return nil
}

func (s *SQLiteTaskStore) ListStale(cutoff time.Time) ([]*model.AsyncTask, error) {
	rows, err := s.db.Query(`
SELECT id, external_id, kind, status, progress, user_id, agency_id,
       input_data, result_data, error_message, error_traceback, orphaned,
       started_at, completed_at, created_at, updated_at
FROM async_task WHERE status = ? AND updated_at < ?`, model.TaskRunning, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying stale tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*model.AsyncTask{}
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning stale task: %w", err)
		}
		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

func (s *SQLiteTaskStore) DeleteTerminalBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`
DELETE FROM async_task
WHERE status IN (?, ?, ?) AND completed_at < ?`,
		model.TaskCompleted, model.TaskFailed, model.TaskCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting old tasks: %w", err)
	}

	return res.RowsAffected()
}
