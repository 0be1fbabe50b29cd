package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"warroom/internal/channel"
	"warroom/internal/domain"
)

// Handler executes one claimed job. A nil return completes the job; an
// error reschedules it with backoff unless classified permanent.
type Handler func(ctx context.Context, job domain.Job) error

// Pool polls the queue with N workers and dispatches jobs to handlers by
// type. One reaper goroutine recovers lapsed claims, one sweeper enforces
// retention.
type Pool struct {
	Queue     *Queue
	Handlers  map[string]Handler
	Workers   int
	Poll      time.Duration
	Reap      time.Duration
	Retention time.Duration
}

// Run blocks until ctx is canceled, then drains: in-flight handlers finish
// before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	if p.Workers <= 0 {
		p.Workers = 1
	}
	if p.Poll <= 0 {
		p.Poll = time.Second
	}
	if p.Reap <= 0 {
		p.Reap = 15 * time.Second
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.Workers; i++ {
		id := fmt.Sprintf("worker-%d", i+1)
		g.Go(func() error { return p.work(ctx, id) })
	}
	g.Go(func() error { return p.reap(ctx) })
	if p.Retention > 0 {
		g.Go(func() error { return p.sweep(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) work(ctx context.Context, workerID string) error {
	for {
		job, err := p.Queue.Claim(ctx, workerID)
		if err != nil {
			if errors.Is(err, ErrNoJob) {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(p.Poll):
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("%s: claim: %v", workerID, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Poll):
			}
			continue
		}
		p.dispatch(ctx, workerID, job)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (p *Pool) dispatch(ctx context.Context, workerID string, job domain.Job) {
	h, ok := p.Handlers[job.Type]
	if !ok {
		if err := p.Queue.Fail(ctx, job, workerID, fmt.Errorf("no handler for job type %q", job.Type), true); err != nil {
			log.Printf("%s: fail job %s: %v", workerID, job.ID, err)
		}
		return
	}
	// The handler gets a context detached from pool shutdown so a drain
	// never aborts a half-sent notification. The lease still bounds it.
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.Queue.Lease)
	err := h(hctx, job)
	cancel()
	// Outcome recording must survive both the handler timeout and pool
	// shutdown, so it runs on its own detached context.
	octx := context.WithoutCancel(ctx)
	if err != nil {
		var resched *RescheduleError
		if errors.As(err, &resched) {
			if derr := p.Queue.Defer(octx, job, workerID, resched.At, err); derr != nil {
				log.Printf("%s: defer job %s: %v", workerID, job.ID, derr)
			}
			return
		}
		log.Printf("%s: job %s (%s) attempt %d: %v", workerID, job.ID, job.Type, job.Attempts, err)
		if ferr := p.Queue.Fail(octx, job, workerID, err, channel.IsPermanent(err)); ferr != nil {
			log.Printf("%s: fail job %s: %v", workerID, job.ID, ferr)
		}
		return
	}
	if cerr := p.Queue.Complete(octx, job, workerID); cerr != nil {
		log.Printf("%s: complete job %s: %v", workerID, job.ID, cerr)
	}
}

func (p *Pool) reap(ctx context.Context) error {
	t := time.NewTicker(p.Reap)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if n, err := p.Queue.ReapExpired(ctx); err != nil {
				log.Printf("reaper: %v", err)
			} else if n > 0 {
				log.Printf("reaper: reclaimed %d lapsed claims", n)
			}
		}
	}
}

func (p *Pool) sweep(ctx context.Context) error {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if n, err := p.Queue.Sweep(ctx, p.Retention); err != nil {
				log.Printf("sweeper: %v", err)
			} else if n > 0 {
				log.Printf("sweeper: removed %d expired jobs", n)
			}
		}
	}
}
