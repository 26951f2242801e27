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

// Package queue implements the Redis-backed verification task queue: a wait
// list, an active list, a delayed set for retries, and one hash per job.
// The job id always equals the task's UUID, so either system resolves the
// other without a lookup table.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// ErrDuplicate marks an enqueue for a task that already holds a live job.
var ErrDuplicate = errors.New("job already enqueued")

// ErrJobActive marks a removal attempt on a job a worker currently holds.
var ErrJobActive = errors.New("job is active")

// Job is one queued verification run.
type Job struct {
	ID          string    `json:"id"`
	Seq         int64     `json:"seq"`
	TaskID      uuid.UUID `json:"taskId"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
}

// Options tunes queue behaviour.
type Options struct {
	// Prefix namespaces every key, default "verifier:queue:".
	Prefix string
	// MaxAttempts bounds retries per job, default 3.
	MaxAttempts int
	// BackoffDelay is the base retry delay, doubled per attempt. Default 30s.
	BackoffDelay time.Duration
	// PollInterval is the blocking-pop timeout and promoter period. Default 2s.
	PollInterval time.Duration
}

func (o *Options) defaults() {
	if o.Prefix == "" {
		o.Prefix = "verifier:queue:"
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffDelay <= 0 {
		o.BackoffDelay = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
}

// Handler processes one job. A returned error schedules a retry until the
// job's attempts are exhausted.
type Handler func(ctx context.Context, job *Job) error

// FailureFn observes a job whose attempts ran out.
type FailureFn func(ctx context.Context, job *Job, err error)

// Queue is the Redis task queue.
type Queue struct {
	rdb      *redis.Client
	opts     Options
	logger   logr.Logger
	onFailed FailureFn
}

// New creates a queue on an existing Redis client.
func New(rdb *redis.Client, opts Options, logger logr.Logger) *Queue {
	opts.defaults()
	return &Queue{rdb: rdb, opts: opts, logger: logger.WithName("queue")}
}

// OnFailed registers the exhausted-attempts observer.
func (q *Queue) OnFailed(fn FailureFn) { q.onFailed = fn }

func (q *Queue) key(parts ...string) string {
	k := q.opts.Prefix
	for _, p := range parts {
		k += p
	}
	return k
}

func (q *Queue) waitKey() string         { return q.key("wait") }
func (q *Queue) activeKey() string       { return q.key("active") }
func (q *Queue) delayedKey() string      { return q.key("delayed") }
func (q *Queue) pausedKey() string       { return q.key("paused") }
func (q *Queue) seqKey() string          { return q.key("seq") }
func (q *Queue) jobKey(id string) string { return q.key("job:", id) }

// Enqueue adds a job for the task, optionally delayed. A second enqueue for
// the same task while its job is live fails with ErrDuplicate.
func (q *Queue) Enqueue(ctx context.Context, taskID uuid.UUID, delay time.Duration) (*Job, error) {
	id := taskID.String()
	jobKey := q.jobKey(id)

	created, err := q.rdb.HSetNX(ctx, jobKey, "id", id).Result()
	if err != nil {
		return nil, fmt.Errorf("reserving job %s: %w", id, err)
	}
	if !created {
		// A hash holding only the reservation field is debris from an
		// enqueue that died before writing the record; take it over so
		// the task is not locked out of the queue forever.
		n, err := q.rdb.HLen(ctx, jobKey).Result()
		if err != nil {
			return nil, fmt.Errorf("inspecting job %s: %w", id, err)
		}
		if n > 1 {
			return nil, fmt.Errorf("task %s: %w", id, ErrDuplicate)
		}
	}

	// Any failure past the reservation must release it, or every later
	// enqueue for this task would see a duplicate.
	abandon := func(cause error) (*Job, error) {
		q.rdb.Del(context.WithoutCancel(ctx), jobKey)
		return nil, cause
	}

	seq, err := q.rdb.Incr(ctx, q.seqKey()).Result()
	if err != nil {
		return abandon(fmt.Errorf("sequencing job %s: %w", id, err))
	}

	job := &Job{
		ID:          id,
		Seq:         seq,
		TaskID:      taskID,
		MaxAttempts: q.opts.MaxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}
	if err := q.rdb.HSet(ctx, jobKey, map[string]any{
		"seq":          seq,
		"attempts":     0,
		"max_attempts": job.MaxAttempts,
		"enqueued_at":  job.EnqueuedAt.Format(time.RFC3339Nano),
	}).Err(); err != nil {
		return abandon(fmt.Errorf("storing job %s: %w", id, err))
	}

	if delay > 0 {
		err = q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: id,
		}).Err()
	} else {
		err = q.rdb.LPush(ctx, q.waitKey(), id).Err()
	}
	if err != nil {
		return abandon(fmt.Errorf("queueing job %s: %w", id, err))
	}
	q.logger.V(1).Info("enqueued job", "job_id", id, "seq", seq, "delay", delay.String())
	return job, nil
}

// Pause stops workers from picking up new jobs; in-flight jobs finish.
func (q *Queue) Pause(ctx context.Context) error {
	return q.rdb.Set(ctx, q.pausedKey(), "1", 0).Err()
}

// Resume lifts a pause.
func (q *Queue) Resume(ctx context.Context) error {
	return q.rdb.Del(ctx, q.pausedKey()).Err()
}

// Paused reports whether the queue is paused.
func (q *Queue) Paused(ctx context.Context) (bool, error) {
	n, err := q.rdb.Exists(ctx, q.pausedKey()).Result()
	return n > 0, err
}

// RemoveJob deletes a waiting or delayed job. Active jobs are refused.
func (q *Queue) RemoveJob(ctx context.Context, taskID uuid.UUID) error {
	id := taskID.String()

	pos, err := q.rdb.LPos(ctx, q.activeKey(), id, redis.LPosArgs{}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("checking active list for %s: %w", id, err)
	}
	if err == nil && pos >= 0 {
		return fmt.Errorf("job %s: %w", id, ErrJobActive)
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.waitKey(), 0, id)
	pipe.ZRem(ctx, q.delayedKey(), id)
	pipe.Del(ctx, q.jobKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("removing job %s: %w", id, err)
	}
	return nil
}

// Counts reports the queue depth per state.
func (q *Queue) Counts(ctx context.Context) (wait, active, delayed int64, err error) {
	pipe := q.rdb.Pipeline()
	w := pipe.LLen(ctx, q.waitKey())
	a := pipe.LLen(ctx, q.activeKey())
	d := pipe.ZCard(ctx, q.delayedKey())
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, 0, err
	}
	return w.Val(), a.Val(), d.Val(), nil
}

// Run processes jobs with the given concurrency until ctx is cancelled. It
// also promotes due delayed jobs back onto the wait list.
func (q *Queue) Run(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return q.promoteLoop(ctx) })
	for i := 0; i < concurrency; i++ {
		g.Go(func() error { return q.workLoop(ctx, handler) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (q *Queue) workLoop(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if paused, err := q.Paused(ctx); err == nil && paused {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(q.opts.PollInterval):
			}
			continue
		}

		id, err := q.rdb.BRPopLPush(ctx, q.waitKey(), q.activeKey(), q.opts.PollInterval).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Error(err, "popping job")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(q.opts.PollInterval):
			}
			continue
		}
		q.process(ctx, id, handler)
	}
}

func (q *Queue) process(ctx context.Context, id string, handler Handler) {
	job, err := q.loadJob(ctx, id)
	if err != nil {
		q.logger.Error(err, "loading job, dropping", "job_id", id)
		q.discard(ctx, id)
		return
	}
	job.Attempts++
	_ = q.rdb.HSet(ctx, q.jobKey(id), map[string]any{
		"attempts":   job.Attempts,
		"started_at": time.Now().UTC().Format(time.RFC3339Nano),
	}).Err()

	if err := handler(ctx, job); err != nil {
		q.retryOrFail(ctx, job, err)
		return
	}
	q.discard(ctx, id)
}

func (q *Queue) retryOrFail(ctx context.Context, job *Job, cause error) {
	// Shutdown is not a job failure; the reaper re-queues abandoned jobs.
	if ctx.Err() != nil {
		return
	}
	if job.Attempts >= job.MaxAttempts {
		q.logger.Info("job attempts exhausted", "job_id", job.ID, "attempts", job.Attempts, "error", cause.Error())
		q.discard(ctx, job.ID)
		if q.onFailed != nil {
			q.onFailed(ctx, job, cause)
		}
		return
	}

	delay := q.opts.BackoffDelay * (1 << (job.Attempts - 1))
	q.logger.Info("job failed, retrying", "job_id", job.ID, "attempt", job.Attempts, "delay", delay.String(), "error", cause.Error())

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 0, job.ID)
	pipe.HDel(ctx, q.jobKey(job.ID), "started_at")
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error(err, "scheduling retry", "job_id", job.ID)
	}
}

// discard removes a job from the active list and deletes its hash.
func (q *Queue) discard(ctx context.Context, id string) {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 0, id)
	pipe.Del(ctx, q.jobKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error(err, "discarding job", "job_id", id)
	}
}

func (q *Queue) promoteLoop(ctx context.Context) error {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := q.PromoteDue(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error(err, "promoting delayed jobs")
			}
		}
	}
}

// PromoteDue moves delayed jobs whose time has come onto the wait list.
func (q *Queue) PromoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.delayedKey(), id)
		pipe.LPush(ctx, q.waitKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ReapAbandoned re-queues active jobs whose worker stopped reporting: any
// job sitting in the active list with a started_at older than the cutoff.
// Jobs out of attempts go to the failure observer instead.
func (q *Queue) ReapAbandoned(ctx context.Context, olderThan time.Duration) (int, error) {
	ids, err := q.rdb.LRange(ctx, q.activeKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("listing active jobs: %w", err)
	}

	reaped := 0
	cutoff := time.Now().Add(-olderThan)
	for _, id := range ids {
		started, err := q.rdb.HGet(ctx, q.jobKey(id), "started_at").Result()
		if errors.Is(err, redis.Nil) {
			// Hash vanished; the list entry is an orphan.
			q.rdb.LRem(ctx, q.activeKey(), 0, id)
			continue
		}
		if err != nil {
			return reaped, err
		}
		ts, err := time.Parse(time.RFC3339Nano, started)
		if err != nil || ts.After(cutoff) {
			continue
		}

		job, err := q.loadJob(ctx, id)
		if err != nil {
			continue
		}
		if job.Attempts >= job.MaxAttempts {
			q.discard(ctx, id)
			if q.onFailed != nil {
				q.onFailed(ctx, job, fmt.Errorf("job abandoned after %d attempts", job.Attempts))
			}
		} else {
			pipe := q.rdb.TxPipeline()
			pipe.LRem(ctx, q.activeKey(), 0, id)
			pipe.HDel(ctx, q.jobKey(id), "started_at")
			pipe.LPush(ctx, q.waitKey(), id)
			if _, err := pipe.Exec(ctx); err != nil {
				return reaped, err
			}
		}
		reaped++
		q.logger.Info("reaped abandoned job", "job_id", id, "attempts", job.Attempts)
	}
	return reaped, nil
}

func (q *Queue) loadJob(ctx context.Context, id string) (*Job, error) {
	vals, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("job %s has no record", id)
	}
	taskID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("job id %q is not a task uuid: %w", id, err)
	}

	job := &Job{ID: id, TaskID: taskID, MaxAttempts: q.opts.MaxAttempts}
	if v, ok := vals["seq"]; ok {
		job.Seq, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := vals["attempts"]; ok {
		job.Attempts, _ = strconv.Atoi(v)
	}
	if v, ok := vals["max_attempts"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			job.MaxAttempts = n
		}
	}
	if v, ok := vals["enqueued_at"]; ok {
		job.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return job, nil
}
