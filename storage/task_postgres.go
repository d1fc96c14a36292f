package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/transitops/gtfs-core/model"
)

type PSQLTaskStore struct {
	db *sql.DB
}

// NewPSQLTaskStore creates the async_task table (if missing) on the
// given connection. Pass the PSQLStorage's DB() so tasks and feed data
// share the same pool.
func NewPSQLTaskStore(db *sql.DB) (*PSQLTaskStore, error) {
	ddl := fmt.Sprintf(taskTableDDL, "SERIAL PRIMARY KEY")
	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("creating async_task table: %w", err)
	}
	return &PSQLTaskStore{db: db}, nil
}

func (s *PSQLTaskStore) Create(t *model.AsyncTask) error {
	input, err := marshalJSONMap(t.InputData)
	if err != nil {
		return err
	}
	result, err := marshalJSONMap(t.ResultData)
	if err != nil {
		return err
	}

	err = s.db.QueryRow(`
INSERT INTO async_task
    (external_id, kind, status, progress, user_id, agency_id,
     input_data, result_data, error_message, error_traceback, orphaned,
     created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING id`,
		t.ExternalID, t.Kind, t.Status, t.Progress, t.UserID, t.AgencyID,
		input, result, t.ErrorMessage, t.ErrorTraceback, t.Orphaned,
		t.CreatedAt, t.UpdatedAt,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("inserting async_task: %w", err)
	}

	return nil
}

func (s *PSQLTaskStore) Get(externalID string) (*model.AsyncTask, error) {
	row := s.db.QueryRow(`
SELECT id, external_id, kind, status, progress, user_id, agency_id,
       input_data, result_data, error_message, error_traceback, orphaned,
       started_at, completed_at, created_at, updated_at
FROM async_task WHERE external_id = $1`, externalID)

	t, err := scanTaskRow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %q not found", externalID)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning async_task: %w", err)
	}

	return t, nil
}

func (s *PSQLTaskStore) UpdateExternalID(oldID, newID string) error {
	_, err := s.db.Exec(`UPDATE async_task SET external_id = $1, updated_at = $2 WHERE external_id = $3`,
		newID, time.Now().UTC(), oldID)
	if err != nil {
		return fmt.Errorf("rewriting external_id: %w", err)
	}
	return nil
}

func (s *PSQLTaskStore) Update(t *model.AsyncTask) error {
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
    status = $1, progress = $2, input_data = $3, result_data = $4,
    error_message = $5, error_traceback = $6, orphaned = $7,
    started_at = $8, completed_at = $9, updated_at = $10
WHERE external_id = $11`,
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

func (s *PSQLTaskStore) ListStale(cutoff time.Time) ([]*model.AsyncTask, error) {
	rows, err := s.db.Query(`
SELECT id, external_id, kind, status, progress, user_id, agency_id,
       input_data, result_data, error_message, error_traceback, orphaned,
       started_at, completed_at, created_at, updated_at
FROM async_task WHERE status = $1 AND updated_at < $2`, model.TaskRunning, cutoff)
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

func (s *PSQLTaskStore) DeleteTerminalBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`
DELETE FROM async_task
WHERE status IN ($1, $2, $3) AND completed_at < $4`,
		model.TaskCompleted, model.TaskFailed, model.TaskCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting old tasks: %w", err)
	}

	return res.RowsAffected()
}
