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
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/dstack-tee/dstack-verifier/pkg/queue"
)

func TestQueue(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Queue Suite")
}

var _ = Describe("Queue", func() {
	var (
		mr  *miniredis.Miniredis
		rdb *redis.Client
		q   *queue.Queue
		ctx context.Context
	)

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		q = queue.New(rdb, queue.Options{
			MaxAttempts:  2,
			BackoffDelay: time.Millisecond,
			PollInterval: 20 * time.Millisecond,
		}, logr.Discard())
		ctx = context.Background()
	})

	AfterEach(func() {
		rdb.Close()
		mr.Close()
	})

	Describe("Enqueue", func() {
		It("queues a job whose id is the task uuid", func() {
			taskID := uuid.New()
			job, err := q.Enqueue(ctx, taskID, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.ID).To(Equal(taskID.String()))
			Expect(job.Seq).To(BeNumerically(">", 0))

			wait, _, _, err := q.Counts(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(wait).To(Equal(int64(1)))
		})

		It("deduplicates a live job per task", func() {
			taskID := uuid.New()
			_, err := q.Enqueue(ctx, taskID, 0)
			Expect(err).NotTo(HaveOccurred())

			_, err = q.Enqueue(ctx, taskID, 0)
			Expect(err).To(MatchError(queue.ErrDuplicate))
		})

		It("reclaims a reservation with no job record behind it", func() {
			taskID := uuid.New()
			// Only the reservation field, as left by an enqueue that died
			// between reserving the key and writing the record.
			Expect(rdb.HSet(ctx, "verifier:queue:job:"+taskID.String(), "id", taskID.String()).Err()).To(Succeed())

			job, err := q.Enqueue(ctx, taskID, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Seq).To(BeNumerically(">", 0))

			wait, _, _, err := q.Counts(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(wait).To(Equal(int64(1)))
		})

		It("parks delayed jobs until promotion", func() {
			_, err := q.Enqueue(ctx, uuid.New(), time.Millisecond)
			Expect(err).NotTo(HaveOccurred())

			wait, _, delayed, err := q.Counts(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(wait).To(BeZero())
			Expect(delayed).To(Equal(int64(1)))

			time.Sleep(5 * time.Millisecond)
			Expect(q.PromoteDue(ctx)).To(Succeed())

			wait, _, delayed, err = q.Counts(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(wait).To(Equal(int64(1)))
			Expect(delayed).To(BeZero())
		})
	})

	Describe("Run", func() {
		It("delivers jobs to the handler and clears them", func() {
			taskID := uuid.New()
			_, err := q.Enqueue(ctx, taskID, 0)
			Expect(err).NotTo(HaveOccurred())

			got := make(chan *queue.Job, 1)
			runCtx, cancel := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() {
				done <- q.Run(runCtx, 2, func(_ context.Context, job *queue.Job) error {
					got <- job
					return nil
				})
			}()

			var job *queue.Job
			Eventually(got, time.Second).Should(Receive(&job))
			Expect(job.TaskID).To(Equal(taskID))
			Expect(job.Attempts).To(Equal(1))

			Eventually(func() int64 {
				_, active, _, _ := q.Counts(ctx)
				return active
			}, time.Second).Should(BeZero())

			cancel()
			Eventually(done, time.Second).Should(Receive(BeNil()))
		})

		It("retries with backoff and reports exhaustion", func() {
			taskID := uuid.New()
			_, err := q.Enqueue(ctx, taskID, 0)
			Expect(err).NotTo(HaveOccurred())

			var calls, failed atomic.Int32
			q.OnFailed(func(_ context.Context, job *queue.Job, cause error) {
				Expect(job.TaskID).To(Equal(taskID))
				Expect(cause).To(MatchError("boom"))
				failed.Add(1)
			})

			runCtx, cancel := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() {
				done <- q.Run(runCtx, 1, func(context.Context, *queue.Job) error {
					calls.Add(1)
					return errors.New("boom")
				})
			}()

			Eventually(failed.Load, 2*time.Second).Should(Equal(int32(1)))
			Expect(calls.Load()).To(Equal(int32(2)))

			cancel()
			Eventually(done, time.Second).Should(Receive(BeNil()))
		})

		It("leaves the queue idle while paused", func() {
			Expect(q.Pause(ctx)).To(Succeed())
			_, err := q.Enqueue(ctx, uuid.New(), 0)
			Expect(err).NotTo(HaveOccurred())

			var calls atomic.Int32
			runCtx, cancel := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() {
				done <- q.Run(runCtx, 1, func(context.Context, *queue.Job) error {
					calls.Add(1)
					return nil
				})
			}()

			Consistently(calls.Load, 100*time.Millisecond).Should(BeZero())

			Expect(q.Resume(ctx)).To(Succeed())
			Eventually(calls.Load, time.Second).Should(Equal(int32(1)))

			cancel()
			Eventually(done, time.Second).Should(Receive(BeNil()))
		})
	})

	Describe("RemoveJob", func() {
		It("removes a waiting job", func() {
			taskID := uuid.New()
			_, err := q.Enqueue(ctx, taskID, 0)
			Expect(err).NotTo(HaveOccurred())

			Expect(q.RemoveJob(ctx, taskID)).To(Succeed())
			wait, _, _, err := q.Counts(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(wait).To(BeZero())

			// The slot is free for a fresh enqueue.
			_, err = q.Enqueue(ctx, taskID, 0)
			Expect(err).NotTo(HaveOccurred())
		})

		It("refuses to remove an active job", func() {
			taskID := uuid.New()
			_, err := q.Enqueue(ctx, taskID, 0)
			Expect(err).NotTo(HaveOccurred())
			_, err = rdb.BRPopLPush(ctx, "verifier:queue:wait", "verifier:queue:active", time.Second).Result()
			Expect(err).NotTo(HaveOccurred())

			Expect(q.RemoveJob(ctx, taskID)).To(MatchError(queue.ErrJobActive))
		})
	})

	Describe("ReapAbandoned", func() {
		It("re-queues an abandoned job with attempts left", func() {
			taskID := uuid.New()
			_, err := q.Enqueue(ctx, taskID, 0)
			Expect(err).NotTo(HaveOccurred())
			_, err = rdb.BRPopLPush(ctx, "verifier:queue:wait", "verifier:queue:active", time.Second).Result()
			Expect(err).NotTo(HaveOccurred())

			stale := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339Nano)
			Expect(rdb.HSet(ctx, "verifier:queue:job:"+taskID.String(),
				"attempts", 1, "started_at", stale).Err()).NotTo(HaveOccurred())

			n, err := q.ReapAbandoned(ctx, 30*time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))

			wait, active, _, err := q.Counts(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(wait).To(Equal(int64(1)))
			Expect(active).To(BeZero())
		})

		It("fails an abandoned job out of attempts", func() {
			taskID := uuid.New()
			_, err := q.Enqueue(ctx, taskID, 0)
			Expect(err).NotTo(HaveOccurred())
			_, err = rdb.BRPopLPush(ctx, "verifier:queue:wait", "verifier:queue:active", time.Second).Result()
			Expect(err).NotTo(HaveOccurred())

			stale := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339Nano)
			Expect(rdb.HSet(ctx, "verifier:queue:job:"+taskID.String(),
				"attempts", 2, "started_at", stale).Err()).NotTo(HaveOccurred())

			var failed atomic.Int32
			q.OnFailed(func(_ context.Context, job *queue.Job, _ error) {
				Expect(job.TaskID).To(Equal(taskID))
				failed.Add(1)
			})

			n, err := q.ReapAbandoned(ctx, 30*time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
			Expect(failed.Load()).To(Equal(int32(1)))

			wait, active, _, err := q.Counts(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(wait).To(BeZero())
			Expect(active).To(BeZero())
		})
	})
})
