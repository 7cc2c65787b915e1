package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"media-job-orchestrator/internal/models"
	"media-job-orchestrator/internal/queue"
	"media-job-orchestrator/internal/telemetry"
)

// Runner executes one dequeued task.
type Runner interface {
	Execute(ctx context.Context, task models.Task) error
}

// readySignaler is implemented by in-process queues that can wake idle workers.
type readySignaler interface {
	Ready() <-chan struct{}
}

// Processor drives the worker execution loop.
type Processor struct {
	queue        queue.Queue
	runner       Runner
	workerID     string
	concurrency  int
	pollInterval time.Duration
}

func NewProcessor(q queue.Queue, r Runner, workerID string, concurrency int, pollInterval time.Duration) *Processor {
	if concurrency < 1 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Processor{
		queue:        q,
		runner:       r,
		workerID:     workerID,
		concurrency:  concurrency,
		pollInterval: pollInterval,
	}
}

// Run starts the worker goroutines and blocks until context cancellation.
// Tasks already taken run to completion before Run returns.
func (p *Processor) Run(ctx context.Context) error {
	log.Info().Str("worker_id", p.workerID).Int("concurrency", p.concurrency).Msg("worker started")
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.loop(ctx, slot)
		}(i)
	}
	wg.Wait()
	log.Info().Str("worker_id", p.workerID).Msg("worker stopped")
	return ctx.Err()
}

func (p *Processor) loop(ctx context.Context, slot int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if slot == 0 {
			p.observe(ctx)
		}

		task, err := p.queue.Dequeue(ctx)
		if err != nil {
			log.Warn().Err(err).Str("worker_id", p.workerID).Msg("dequeue failed")
			p.wait(ctx)
			continue
		}
		if task == nil {
			p.wait(ctx)
			continue
		}

		p.process(ctx, *task)
	}
}

func (p *Processor) process(ctx context.Context, task models.Task) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	// The backend call must not be interrupted by shutdown; only the
	// dequeue loop observes ctx.
	runCtx := context.WithoutCancel(ctx)
	if err := p.runner.Execute(runCtx, task); err != nil {
		log.Debug().Err(err).Str("job_id", task.JobID).Msg("task finished with failure")
	}
	if err := p.queue.Ack(runCtx, task.JobID); err != nil {
		log.Warn().Err(err).Str("job_id", task.JobID).Msg("ack failed")
	}
}

func (p *Processor) observe(ctx context.Context) {
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

func (p *Processor) wait(ctx context.Context) {
	var ready <-chan struct{}
	if s, ok := p.queue.(readySignaler); ok {
		ready = s.Ready()
	}
	t := time.NewTimer(p.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-ready:
	case <-t.C:
	}
}
