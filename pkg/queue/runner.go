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

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/dstack-tee/dstack-verifier/pkg/blob"
	"github.com/dstack-tee/dstack-verifier/pkg/errkind"
	"github.com/dstack-tee/dstack-verifier/pkg/obsmetrics"
	"github.com/dstack-tee/dstack-verifier/pkg/store"
	"github.com/dstack-tee/dstack-verifier/pkg/verification"
	"github.com/dstack-tee/dstack-verifier/pkg/verifier"
)

// TaskStore is the task persistence surface the runner needs.
type TaskStore interface {
	GetTask(ctx context.Context, id uuid.UUID) (*store.VerificationTask, error)
	SetTaskJobID(ctx context.Context, id uuid.UUID, jobID string) error
	UpdateTask(ctx context.Context, id uuid.UUID, upd store.TaskUpdate) error
	StaleActiveTasks(ctx context.Context, olderThan time.Duration) ([]store.VerificationTask, error)
	StalePendingTasks(ctx context.Context, olderThan time.Duration) ([]store.VerificationTask, error)
}

// ReportUploader stores a finished report.
type ReportUploader interface {
	UploadJSON(ctx context.Context, name string, v any) (*blob.Object, error)
}

// VerifyRunner executes a verification run.
type VerifyRunner interface {
	Verify(ctx context.Context, cfg verifier.AppConfig, flags verification.Flags) (*verification.Report, error)
}

// Runner turns queue jobs into verification runs: it claims the task row,
// runs the chain under a deadline, uploads the report, and records the
// outcome. A run whose checks fail still completes; only infrastructure
// errors fail the task.
type Runner struct {
	tasks    TaskStore
	uploads  ReportUploader
	verify   VerifyRunner
	deadline time.Duration
	metrics  *obsmetrics.Metrics
	logger   logr.Logger
}

// NewRunner creates a task runner. deadline bounds each verification run.
func NewRunner(tasks TaskStore, uploads ReportUploader, verify VerifyRunner, deadline time.Duration, logger logr.Logger) *Runner {
	if deadline <= 0 {
		deadline = 10 * time.Minute
	}
	return &Runner{
		tasks:    tasks,
		uploads:  uploads,
		verify:   verify,
		deadline: deadline,
		logger:   logger.WithName("runner"),
	}
}

// Deadline returns the per-run deadline.
func (r *Runner) Deadline() time.Duration { return r.deadline }

// SetMetrics enables run outcome counters and duration observations.
func (r *Runner) SetMetrics(m *obsmetrics.Metrics) { r.metrics = m }

func (r *Runner) observe(outcome string, start time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.TaskRuns.WithLabelValues(outcome).Inc()
	r.metrics.VerificationDuration.Observe(time.Since(start).Seconds())
}

// Handle processes one job. It is the queue Handler.
func (r *Runner) Handle(ctx context.Context, job *Job) error {
	task, err := r.tasks.GetTask(ctx, job.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		// Task deleted while queued; nothing to do.
		return nil
	}
	if err != nil {
		return err
	}
	// Retried jobs find their row still active from the previous attempt;
	// anything terminal means the work already concluded elsewhere.
	if task.Status != store.StatusPending && task.Status != store.StatusActive {
		r.logger.V(1).Info("skipping job for settled task", "task_id", task.ID, "status", string(task.Status))
		return nil
	}

	if err := r.tasks.UpdateTask(ctx, task.ID, store.TaskUpdate{
		Status:      store.StatusActive,
		IncAttempts: true,
	}); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}

	var appCfg verifier.AppConfig
	if err := json.Unmarshal(task.AppConfig, &appCfg); err != nil {
		return r.fail(ctx, task.ID, errkind.Wrap(errkind.ConfigInvalid, "parsing stored app config", err))
	}
	flags, err := verification.ParseFlags(task.Flags)
	if err != nil {
		return r.fail(ctx, task.ID, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	start := time.Now()
	report, err := r.verify.Verify(runCtx, appCfg, flags)
	if err != nil {
		switch errkind.KindOf(err) {
		case errkind.UpstreamUnavailable, errkind.DeadlineExceeded:
			// Transient: the row stays active and the queue retries; once
			// attempts run out OnExhausted settles it as failed.
			r.observe("retried", start)
			return err
		default:
			r.observe("failed", start)
			return r.fail(ctx, task.ID, err)
		}
	}
	r.observe("completed", start)

	obj, err := r.uploads.UploadJSON(ctx, task.ID.String(), report)
	if err != nil {
		// Same shape as a transient verification error: retry via the queue.
		return err
	}

	objectIDs := make([]string, 0, len(report.DataObjects))
	for _, o := range report.DataObjects {
		objectIDs = append(objectIDs, string(o.ID))
	}
	if err := r.tasks.UpdateTask(ctx, task.ID, store.TaskUpdate{
		Status:         store.StatusCompleted,
		ReportBucket:   obj.Bucket,
		ReportKey:      obj.Key,
		ReportFilename: obj.Filename,
		DataObjects:    objectIDs,
	}); err != nil {
		return err
	}
	r.logger.Info("task completed", "task_id", task.ID, "success", report.Success, "objects", len(report.DataObjects))
	return nil
}

// OnExhausted is the queue failure observer: it marks the task failed once
// retries run out.
func (r *Runner) OnExhausted(ctx context.Context, job *Job, cause error) {
	if err := r.fail(ctx, job.TaskID, cause); err != nil {
		r.logger.Error(err, "marking exhausted task failed", "task_id", job.TaskID)
	}
}

func (r *Runner) fail(ctx context.Context, id uuid.UUID, cause error) error {
	err := r.tasks.UpdateTask(ctx, id, store.TaskUpdate{
		Status:    store.StatusFailed,
		Error:     cause.Error(),
		ErrorCode: string(errkind.KindOf(cause)),
	})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return err
	}
	return nil
}

// SweepPendingTasks re-enqueues pending task rows that lost their queue job,
// e.g. when the enqueue after insert failed or Redis was flushed. The cutoff
// is one run deadline so freshly queued tasks are left alone.
func (r *Runner) SweepPendingTasks(ctx context.Context, q *Queue) (int, error) {
	stale, err := r.tasks.StalePendingTasks(ctx, r.deadline)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, task := range stale {
		if _, err := q.loadJob(ctx, task.ID.String()); err == nil {
			continue
		}
		job, err := q.Enqueue(ctx, task.ID, 0)
		if errors.Is(err, ErrDuplicate) {
			continue
		}
		if err != nil {
			return swept, err
		}
		if err := r.tasks.SetTaskJobID(ctx, task.ID, job.ID); err != nil {
			r.logger.Error(err, "recording swept job id", "task_id", task.ID)
		}
		swept++
		r.logger.Info("re-enqueued orphaned pending task", "task_id", task.ID)
	}
	return swept, nil
}

// ReapStaleTasks fails active task rows with no live job backing them. The
// cutoff is twice the run deadline so a slow run is never reaped mid-flight.
func (r *Runner) ReapStaleTasks(ctx context.Context, q *Queue) (int, error) {
	stale, err := r.tasks.StaleActiveTasks(ctx, 2*r.deadline)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, task := range stale {
		if _, err := q.loadJob(ctx, task.ID.String()); err == nil {
			continue
		}
		if err := r.fail(ctx, task.ID, errkind.New(errkind.DeadlineExceeded, "verification run abandoned")); err != nil {
			return reaped, err
		}
		reaped++
		r.logger.Info("reaped stale task", "task_id", task.ID)
	}
	return reaped, nil
}
