package queue_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"warroom/internal/channel"
	"warroom/internal/domain"
	"warroom/internal/queue"
)

func waitForState(t *testing.T, env *queueEnv, jobID, state string) domain.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := env.Repo.GetJob(env.Ctx, jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if j.State == state {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached state %s", jobID, state)
	return domain.Job{}
}

func waitForJob(t *testing.T, env *queueEnv, jobID, desc string, cond func(domain.Job) bool) domain.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := env.Repo.GetJob(env.Ctx, jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if cond(j) {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s: never observed %s", jobID, desc)
	return domain.Job{}
}

func TestPoolRunsHandlerAndCompletes(t *testing.T) {
	env := newQueueEnv(t)
	env.enqueue(t, domain.Job{ID: "pool-job", Type: "noop"})

	var handled atomic.Int32
	pool := &queue.Pool{
		Queue: env.Queue,
		Handlers: map[string]queue.Handler{
			"noop": func(ctx context.Context, job domain.Job) error {
				handled.Add(1)
				return nil
			},
		},
		Workers: 2,
		Poll:    10 * time.Millisecond,
	}
	ctx, cancel := context.WithCancel(env.Ctx)
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	waitForState(t, env, "pool-job", domain.JobCompleted)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("pool returned %v", err)
	}
	if got := handled.Load(); got != 1 {
		t.Fatalf("handler ran %d times", got)
	}
}

func TestPoolFailsUnknownJobType(t *testing.T) {
	env := newQueueEnv(t)
	env.enqueue(t, domain.Job{ID: "mystery-job", Type: "mystery"})

	pool := &queue.Pool{
		Queue:    env.Queue,
		Handlers: map[string]queue.Handler{},
		Workers:  1,
		Poll:     10 * time.Millisecond,
	}
	ctx, cancel := context.WithCancel(env.Ctx)
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	j := waitForState(t, env, "mystery-job", domain.JobFailed)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("pool returned %v", err)
	}
	if j.LastError == nil || *j.LastError == "" {
		t.Fatalf("failed job has no recorded error")
	}
	// A single bad-type job never burns the retry budget.
	if j.Attempts != 1 {
		t.Fatalf("unhandled job retried %d times", j.Attempts)
	}
}

func TestPoolSchedulesRetryAfterHandlerError(t *testing.T) {
	env := newQueueEnv(t)
	env.enqueue(t, domain.Job{ID: "wobbly-job", Type: "wobbly"})

	pool := &queue.Pool{
		Queue: env.Queue,
		Handlers: map[string]queue.Handler{
			"wobbly": func(ctx context.Context, job domain.Job) error {
				return errors.New("gateway unreachable")
			},
		},
		Workers: 1,
		Poll:    10 * time.Millisecond,
	}
	ctx, cancel := context.WithCancel(env.Ctx)
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	j := waitForJob(t, env, "wobbly-job", "a scheduled retry", func(j domain.Job) bool {
		return j.State == domain.JobPending && j.LastError != nil
	})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("pool returned %v", err)
	}
	if *j.LastError != "gateway unreachable" {
		t.Fatalf("last error %q", *j.LastError)
	}
	if j.Attempts != 1 {
		t.Fatalf("attempts = %d after one handler error", j.Attempts)
	}
	due, err := time.Parse(time.RFC3339, j.ScheduledNotBefore)
	if err != nil {
		t.Fatalf("parse not_before: %v", err)
	}
	if want := env.now.Add(env.Queue.Backoff(1)); !due.Equal(want) {
		t.Fatalf("retry due %s, want %s", due, want)
	}
}

func TestPoolParksPermanentHandlerError(t *testing.T) {
	env := newQueueEnv(t)
	env.enqueue(t, domain.Job{ID: "doomed-job", Type: "doomed"})

	pool := &queue.Pool{
		Queue: env.Queue,
		Handlers: map[string]queue.Handler{
			"doomed": func(ctx context.Context, job domain.Job) error {
				return channel.Permanent(errors.New("recipient rejected"))
			},
		},
		Workers: 1,
		Poll:    10 * time.Millisecond,
	}
	ctx, cancel := context.WithCancel(env.Ctx)
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	j := waitForState(t, env, "doomed-job", domain.JobFailed)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("pool returned %v", err)
	}
	if j.Attempts != 1 {
		t.Fatalf("permanent failure retried %d times", j.Attempts)
	}
	if j.LastError == nil || *j.LastError != "recipient rejected" {
		t.Fatalf("last error %v", j.LastError)
	}
}

func TestPoolDefersRescheduledJob(t *testing.T) {
	env := newQueueEnv(t)
	env.enqueue(t, domain.Job{ID: "after-hours-job", Type: "after-hours"})

	at := env.now.Add(4 * time.Hour)
	pool := &queue.Pool{
		Queue: env.Queue,
		Handlers: map[string]queue.Handler{
			"after-hours": func(ctx context.Context, job domain.Job) error {
				return &queue.RescheduleError{At: at, Cause: errors.New("outside contact window")}
			},
		},
		Workers: 1,
		Poll:    10 * time.Millisecond,
	}
	ctx, cancel := context.WithCancel(env.Ctx)
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	j := waitForJob(t, env, "after-hours-job", "the deferral", func(j domain.Job) bool {
		return j.State == domain.JobPending && j.LastError != nil
	})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("pool returned %v", err)
	}
	// A deferral is a schedule, not a failure: the attempt comes back.
	if j.Attempts != 0 {
		t.Fatalf("deferred job kept %d attempts", j.Attempts)
	}
	due, err := time.Parse(time.RFC3339, j.ScheduledNotBefore)
	if err != nil {
		t.Fatalf("parse not_before: %v", err)
	}
	if !due.Equal(at) {
		t.Fatalf("deferred until %s, want %s", due, at)
	}
	if j.LastError == nil || !strings.Contains(*j.LastError, "outside contact window") {
		t.Fatalf("deferral reason not recorded: %v", j.LastError)
	}
}
