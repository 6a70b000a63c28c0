// Package worker schedules render pipelines in the background.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"subburn/internal/pkg/errors"
	"subburn/internal/pkg/logger"
)

// Dispatcher starts one goroutine per accepted job. Scheduling never blocks
// the caller and pipeline errors never reach it.
type Dispatcher struct {
	proc JobProcessor
	sem  *semaphore.Weighted
	log  *logger.Logger

	// stop cancels pipelines still waiting for a slot; running ones finish.
	stopCtx context.Context
	stop    context.CancelFunc

	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
	inFlight atomic.Int64
	waiting  atomic.Int64
}

func NewDispatcher(d Deps) *Dispatcher {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}

	var sem *semaphore.Weighted
	if d.MaxConcurrent > 0 {
		sem = semaphore.NewWeighted(int64(d.MaxConcurrent))
	}

	stopCtx, stop := context.WithCancel(context.Background())
	return &Dispatcher{
		proc:    d.Processor,
		sem:     sem,
		log:     log.WithComponent("dispatcher"),
		stopCtx: stopCtx,
		stop:    stop,
	}
}

// Dispatch schedules jobID and returns immediately. The pipeline keeps ctx's
// values but not its cancellation, so it outlives the request that accepted it.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID string) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.Unavailable("dispatcher").WithField("job_id", jobID)
	}
	d.wg.Add(1)
	d.mu.Unlock()

	jobCtx := logger.ContextWithJobID(context.WithoutCancel(ctx), jobID)
	go d.run(jobCtx, jobID)
	return nil
}

func (d *Dispatcher) run(ctx context.Context, jobID string) {
	defer d.wg.Done()
	log := d.log.FromContext(ctx)

	if d.sem != nil {
		d.waiting.Add(1)
		err := d.sem.Acquire(d.stopCtx, 1)
		d.waiting.Add(-1)
		if err != nil {
			log.Warn("dispatcher stopped before job started")
			return
		}
		defer d.sem.Release(1)
	}

	d.inFlight.Add(1)
	defer d.inFlight.Add(-1)

	log.Info("processing job")
	startTime := time.Now()

	if err := d.proc.ProcessJob(ctx, jobID); err != nil {
		log.Warn("job did not complete",
			"error", err.Error(),
			"duration_ms", time.Since(startTime).Milliseconds(),
		)
		return
	}
	log.Info("job completed",
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
}

// InFlight is the number of pipelines currently running.
func (d *Dispatcher) InFlight() int64 { return d.inFlight.Load() }

// Waiting is the number of pipelines blocked on the concurrency cap.
func (d *Dispatcher) Waiting() int64 { return d.waiting.Load() }

// Shutdown refuses new jobs and waits for running pipelines until ctx is done.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.stop()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.log.Info("dispatcher drained")
		return nil
	case <-ctx.Done():
		d.log.Warn("dispatcher shutdown timed out with pipelines still running",
			"in_flight", d.InFlight(),
		)
		return ctx.Err()
	}
}
