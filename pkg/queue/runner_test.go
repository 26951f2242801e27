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

package queue_test

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/dstack-tee/dstack-verifier/pkg/blob"
	"github.com/dstack-tee/dstack-verifier/pkg/errkind"
	"github.com/dstack-tee/dstack-verifier/pkg/queue"
	"github.com/dstack-tee/dstack-verifier/pkg/store"
	"github.com/dstack-tee/dstack-verifier/pkg/verification"
	"github.com/dstack-tee/dstack-verifier/pkg/verifier"
)

type memTasks struct {
	tasks   map[uuid.UUID]*store.VerificationTask
	updates []store.TaskUpdate
}

func newMemTasks(ts ...*store.VerificationTask) *memTasks {
	m := &memTasks{tasks: map[uuid.UUID]*store.VerificationTask{}}
	for _, t := range ts {
		m.tasks[t.ID] = t
	}
	return m
}

func (m *memTasks) GetTask(_ context.Context, id uuid.UUID) (*store.VerificationTask, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (m *memTasks) UpdateTask(_ context.Context, id uuid.UUID, upd store.TaskUpdate) error {
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	if !t.Status.CanTransition(upd.Status) {
		return fmt.Errorf("task %s: %w", id, store.ErrConflict)
	}
	t.Status = upd.Status
	m.updates = append(m.updates, upd)
	return nil
}

func (m *memTasks) SetTaskJobID(_ context.Context, id uuid.UUID, jobID string) error {
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	t.JobID = sql.NullString{String: jobID, Valid: true}
	return nil
}

func (m *memTasks) StalePendingTasks(context.Context, time.Duration) ([]store.VerificationTask, error) {
	var out []store.VerificationTask
	for _, t := range m.tasks {
		if t.Status == store.StatusPending {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *memTasks) StaleActiveTasks(context.Context, time.Duration) ([]store.VerificationTask, error) {
	var out []store.VerificationTask
	for _, t := range m.tasks {
		if t.Status == store.StatusActive {
			out = append(out, *t)
		}
	}
	return out, nil
}

type memUploader struct {
	uploads int
	err     error
}

func (m *memUploader) UploadJSON(_ context.Context, name string, _ any) (*blob.Object, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.uploads++
	return &blob.Object{Filename: name + ".json", Key: name + ".json", Bucket: "reports"}, nil
}

type memVerify struct {
	report *verification.Report
	err    error
	calls  int
}

func (m *memVerify) Verify(context.Context, verifier.AppConfig, verification.Flags) (*verification.Report, error) {
	m.calls++
	return m.report, m.err
}

func pendingTask() *store.VerificationTask {
	return &store.VerificationTask{
		ID:        uuid.New(),
		AppID:     sql.NullString{String: "app-1", Valid: true},
		AppConfig: []byte(`{"contractAddress":"0x22","domain":"app.example.com"}`),
		Flags:     "all",
		Status:    store.StatusPending,
	}
}

var _ = Describe("Runner", func() {
	var (
		tasks    *memTasks
		uploader *memUploader
		verify   *memVerify
		r        *queue.Runner
		ctx      context.Context
	)

	BeforeEach(func() {
		tasks = newMemTasks()
		uploader = &memUploader{}
		verify = &memVerify{report: &verification.Report{Success: true}}
		r = queue.NewRunner(tasks, uploader, verify, time.Minute, logr.Discard())
		ctx = context.Background()
	})

	job := func(t *store.VerificationTask) *queue.Job {
		return &queue.Job{ID: t.ID.String(), TaskID: t.ID, Attempts: 1, MaxAttempts: 3}
	}

	It("completes a pending task and stores the report location", func() {
		t := pendingTask()
		tasks.tasks[t.ID] = t

		Expect(r.Handle(ctx, job(t))).To(Succeed())

		Expect(t.Status).To(Equal(store.StatusCompleted))
		Expect(uploader.uploads).To(Equal(1))
		last := tasks.updates[len(tasks.updates)-1]
		Expect(last.ReportBucket).To(Equal("reports"))
		Expect(last.ReportKey).To(Equal(t.ID.String() + ".json"))
	})

	It("drops a job whose task is gone", func() {
		t := pendingTask()
		Expect(r.Handle(ctx, job(t))).To(Succeed())
		Expect(verify.calls).To(BeZero())
	})

	It("skips a task that already settled", func() {
		t := pendingTask()
		t.Status = store.StatusCancelled
		tasks.tasks[t.ID] = t

		Expect(r.Handle(ctx, job(t))).To(Succeed())
		Expect(verify.calls).To(BeZero())
		Expect(t.Status).To(Equal(store.StatusCancelled))
	})

	It("re-claims a row left active by an earlier attempt", func() {
		t := pendingTask()
		t.Status = store.StatusActive
		tasks.tasks[t.ID] = t

		Expect(r.Handle(ctx, job(t))).To(Succeed())
		Expect(verify.calls).To(Equal(1))
		Expect(t.Status).To(Equal(store.StatusCompleted))
	})

	It("fails the task on a non-transient verification error", func() {
		t := pendingTask()
		tasks.tasks[t.ID] = t
		verify.err = errkind.New(errkind.ConfigInvalid, "no such model")

		Expect(r.Handle(ctx, job(t))).To(Succeed())

		Expect(t.Status).To(Equal(store.StatusFailed))
		last := tasks.updates[len(tasks.updates)-1]
		Expect(last.ErrorCode).To(Equal("CONFIG_INVALID"))
	})

	It("keeps the task active and propagates a transient error", func() {
		t := pendingTask()
		tasks.tasks[t.ID] = t
		verify.err = errkind.New(errkind.UpstreamUnavailable, "gateway timeout")

		err := r.Handle(ctx, job(t))
		Expect(err).To(HaveOccurred())
		Expect(t.Status).To(Equal(store.StatusActive))
	})

	It("keeps the task active when the report upload fails", func() {
		t := pendingTask()
		tasks.tasks[t.ID] = t
		uploader.err = fmt.Errorf("bucket unavailable")

		err := r.Handle(ctx, job(t))
		Expect(err).To(HaveOccurred())
		Expect(t.Status).To(Equal(store.StatusActive))
	})

	It("marks the task failed once queue attempts are exhausted", func() {
		t := pendingTask()
		tasks.tasks[t.ID] = t

		r.OnExhausted(ctx, job(t), errkind.New(errkind.UpstreamUnavailable, "gateway timeout"))
		Expect(t.Status).To(Equal(store.StatusFailed))
	})

	It("settles a task as failed after its last transient attempt", func() {
		t := pendingTask()
		tasks.tasks[t.ID] = t
		verify.err = errkind.New(errkind.UpstreamUnavailable, "gateway timeout")

		j := job(t)
		j.Attempts = j.MaxAttempts
		Expect(r.Handle(ctx, j)).To(HaveOccurred())
		Expect(t.Status).To(Equal(store.StatusActive))

		r.OnExhausted(ctx, j, verify.err)
		Expect(t.Status).To(Equal(store.StatusFailed))
		last := tasks.updates[len(tasks.updates)-1]
		Expect(last.ErrorCode).To(Equal("UPSTREAM_UNAVAILABLE"))
	})

	Describe("SweepPendingTasks", func() {
		var (
			mr *miniredis.Miniredis
			q  *queue.Queue
		)

		BeforeEach(func() {
			var err error
			mr, err = miniredis.Run()
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(mr.Close)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			DeferCleanup(rdb.Close)
			q = queue.New(rdb, queue.Options{}, logr.Discard())
		})

		It("re-enqueues a pending task with no queue job", func() {
			t := pendingTask()
			tasks.tasks[t.ID] = t

			swept, err := r.SweepPendingTasks(ctx, q)
			Expect(err).NotTo(HaveOccurred())
			Expect(swept).To(Equal(1))
			Expect(t.JobID.String).To(Equal(t.ID.String()))

			wait, _, _, err := q.Counts(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(wait).To(Equal(int64(1)))
		})

		It("leaves a pending task whose job is still queued", func() {
			t := pendingTask()
			tasks.tasks[t.ID] = t
			_, err := q.Enqueue(ctx, t.ID, 0)
			Expect(err).NotTo(HaveOccurred())

			swept, err := r.SweepPendingTasks(ctx, q)
			Expect(err).NotTo(HaveOccurred())
			Expect(swept).To(BeZero())

			wait, _, _, err := q.Counts(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(wait).To(Equal(int64(1)))
		})
	})
})
