// Package workerpool offloads long-running zone operations onto a fixed
// set of goroutines so the RPC dispatch loop need not wait for them. The
// manager submits only DestroyZone to it; create and start run on the
// dispatching goroutine. Adapted
// from the teacher's ContainerPool, which pooled long-lived container
// handles acquired/released by callers; here the pool instead holds worker
// slots that pull submitted Jobs off a channel, since offloaded zone
// operations are one-shot work, not reusable resources.
package workerpool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Job is one unit of offloaded work: a zone id it operates on (used only
// for logging) and the function to run.
type Job struct {
	ZoneID string
	Run    func(ctx context.Context) error
}

// ErrPoolIsClosing is returned once Shutdown has begun.
var ErrPoolIsClosing = errors.New("worker pool is shutting down")

// Pool runs submitted Jobs on a fixed number of worker goroutines.
type Pool struct {
	jobs chan jobRequest

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

type jobRequest struct {
	job  Job
	done chan error
}

// New starts a Pool with the given number of worker goroutines. Workers run
// until Shutdown is called and the job queue drains.
func New(workers int) *Pool {
	p := &Pool{jobs: make(chan jobRequest, workers*4)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for req := range p.jobs {
		err := req.job.Run(context.Background())
		if err != nil {
			slog.Error("workerpool: job failed", "zone_id", req.job.ZoneID, "error", err)
		}
		req.done <- err
	}
}

// Submit enqueues job and blocks until a worker has completed it, returning
// whatever error the job's Run func returned.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return ErrPoolIsClosing
	}
	p.mu.Unlock()

	done := make(chan error, 1)
	select {
	case p.jobs <- jobRequest{job: job, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitAsync enqueues job without waiting for completion; onDone, if
// non-nil, is invoked with the job's result once a worker finishes it. The
// manager's DestroyZone uses it and returns as soon as the job is queued;
// its RPC handler passes a nil onDone, so no completion signal is sent.
func (p *Pool) SubmitAsync(job Job, onDone func(error)) error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return ErrPoolIsClosing
	}
	p.mu.Unlock()

	done := make(chan error, 1)
	select {
	case p.jobs <- jobRequest{job: job, done: done}:
	default:
		return ErrPoolIsClosing
	}
	if onDone != nil {
		go func() { onDone(<-done) }()
	} else {
		go func() { <-done }()
	}
	return nil
}

// Shutdown stops accepting new jobs and waits for queued and in-flight jobs
// to finish, or for ctx to expire first.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()
	close(p.jobs)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
