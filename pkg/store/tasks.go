/*
Copyright 2025 the dstack-verifier authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateTask inserts a new pending task. The id must be set by the caller so
// the queue job can share it.
func (s *Store) CreateTask(ctx context.Context, t *VerificationTask) error {
	if t.ID == uuid.Nil {
		return fmt.Errorf("task id is required")
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.JobName == "" {
		t.JobName = "verification"
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verification_tasks
			(id, app_id, app_config, flags, job_name, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.AppID, t.AppConfig, t.Flags, t.JobName, t.Status, t.Attempts, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting task %s: %w", t.ID, err)
	}
	return nil
}

// SetTaskJobID records the queue job identifier on the task row.
func (s *Store) SetTaskJobID(ctx context.Context, id uuid.UUID, jobID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE verification_tasks SET job_id = $2, updated_at = now() WHERE id = $1`,
		id, jobID)
	if err != nil {
		return fmt.Errorf("setting job id on task %s: %w", id, err)
	}
	return oneRow(res, id)
}

// TaskUpdate carries the mutable outcome fields of a status transition.
type TaskUpdate struct {
	Status         TaskStatus
	Error          string
	ErrorCode      string
	ReportBucket   string
	ReportKey      string
	ReportFilename string
	DataObjects    []string
	IncAttempts    bool
}

// UpdateTask applies a status transition. Illegal transitions (backwards or
// out of a terminal state) fail with ErrConflict; the guard runs inside the
// UPDATE so concurrent workers cannot race past it.
func (s *Store) UpdateTask(ctx context.Context, id uuid.UUID, upd TaskUpdate) error {
	allowed := allowedPredecessors(upd.Status)
	if len(allowed) == 0 {
		return fmt.Errorf("unknown target status %q", upd.Status)
	}

	inc := 0
	if upd.IncAttempts {
		inc = 1
	}
	var objectIDs any
	if upd.DataObjects != nil {
		b, err := json.Marshal(upd.DataObjects)
		if err != nil {
			return fmt.Errorf("encoding data object ids: %w", err)
		}
		objectIDs = b
	}
	args := []any{
		id, string(upd.Status), upd.Error, upd.ErrorCode,
		upd.ReportBucket, upd.ReportKey, upd.ReportFilename, objectIDs, inc,
	}
	marks := make([]string, 0, len(allowed))
	for _, st := range allowed {
		args = append(args, st)
		marks = append(marks, fmt.Sprintf("$%d", len(args)))
	}

	query := fmt.Sprintf(`
		UPDATE verification_tasks SET
			status = $2,
			error = NULLIF($3, ''),
			error_code = NULLIF($4, ''),
			report_bucket = COALESCE(NULLIF($5, ''), report_bucket),
			report_key = COALESCE(NULLIF($6, ''), report_key),
			report_filename = COALESCE(NULLIF($7, ''), report_filename),
			data_objects = COALESCE($8, data_objects),
			attempts = attempts + $9,
			started_at = CASE WHEN $2 = 'active' THEN now() ELSE started_at END,
			finished_at = CASE WHEN $2 IN ('completed', 'failed', 'cancelled') THEN now() ELSE finished_at END,
			updated_at = now()
		WHERE id = $1 AND status IN (%s)`, strings.Join(marks, ", "))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating task %s to %s: %w", id, upd.Status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetTask(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("task %s cannot move to %s: %w", id, upd.Status, ErrConflict)
	}
	return nil
}

// allowedPredecessors lists the states a task may be in for the transition
// to the target status to be legal. Active admits itself so a retried queue
// job can re-claim its row, and failed admits pending so exhausted retries
// always terminate the task even when no attempt got as far as a claim.
func allowedPredecessors(target TaskStatus) []string {
	switch target {
	case StatusActive:
		return []string{string(StatusPending), string(StatusActive)}
	case StatusCompleted:
		return []string{string(StatusActive)}
	case StatusFailed:
		return []string{string(StatusPending), string(StatusActive)}
	case StatusCancelled:
		return []string{string(StatusPending)}
	default:
		return nil
	}
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*VerificationTask, error) {
	var t VerificationTask
	err := s.db.GetContext(ctx, &t, `SELECT * FROM verification_tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching task %s: %w", id, err)
	}
	return &t, nil
}

// GetTaskByJobID fetches one task by its queue job identifier.
func (s *Store) GetTaskByJobID(ctx context.Context, jobID string) (*VerificationTask, error) {
	var t VerificationTask
	err := s.db.GetContext(ctx, &t, `SELECT * FROM verification_tasks WHERE job_id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching task by job %s: %w", jobID, err)
	}
	return &t, nil
}

// TaskCursor is an opaque keyset position: the created_at and id of the last
// row of the previous page.
type TaskCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// TaskFilter bounds a task listing.
type TaskFilter struct {
	AppID  string
	Status TaskStatus
	Limit  int
	After  *TaskCursor
}

// ListTasks returns tasks newest first using keyset pagination on
// (created_at DESC, id DESC).
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]VerificationTask, *TaskCursor, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `SELECT * FROM verification_tasks WHERE 1=1`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.AppID != "" {
		query += ` AND app_id = ` + arg(f.AppID)
	}
	if f.Status != "" {
		query += ` AND status = ` + arg(string(f.Status))
	}
	if f.After != nil {
		query += fmt.Sprintf(` AND (created_at, id) < (%s, %s)`, arg(f.After.CreatedAt), arg(f.After.ID))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ` + arg(limit)

	var tasks []VerificationTask
	if err := s.db.SelectContext(ctx, &tasks, query, args...); err != nil {
		return nil, nil, fmt.Errorf("listing tasks: %w", err)
	}

	var next *TaskCursor
	if len(tasks) == limit {
		last := tasks[len(tasks)-1]
		next = &TaskCursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return tasks, next, nil
}

// DeleteTask removes a task. Active tasks are refused with ErrConflict so a
// running worker never loses its row mid-flight.
func (s *Store) DeleteTask(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM verification_tasks WHERE id = $1 AND status <> 'active'`, id)
	if err != nil {
		return fmt.Errorf("deleting task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetTask(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("task %s is active: %w", id, ErrConflict)
	}
	return nil
}

// StalePendingTasks returns pending tasks whose last update is older than
// the cutoff, candidates for the sweeper to re-enqueue.
func (s *Store) StalePendingTasks(ctx context.Context, olderThan time.Duration) ([]VerificationTask, error) {
	var tasks []VerificationTask
	err := s.db.SelectContext(ctx, &tasks, `
		SELECT * FROM verification_tasks
		WHERE status = 'pending' AND updated_at < $1
		ORDER BY updated_at`,
		time.Now().UTC().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("listing stale pending tasks: %w", err)
	}
	return tasks, nil
}

// StaleActiveTasks returns active tasks whose last update is older than the
// cutoff, candidates for the reaper.
func (s *Store) StaleActiveTasks(ctx context.Context, olderThan time.Duration) ([]VerificationTask, error) {
	var tasks []VerificationTask
	err := s.db.SelectContext(ctx, &tasks, `
		SELECT * FROM verification_tasks
		WHERE status = 'active' AND updated_at < $1
		ORDER BY updated_at`,
		time.Now().UTC().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("listing stale active tasks: %w", err)
	}
	return tasks, nil
}

func oneRow(res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}
