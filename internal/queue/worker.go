package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loopcrm/integrations/internal/monitoring"
)

// Handler processes one job. Returning an error requeues the job with
// backoff until its attempts are exhausted.
type Handler func(ctx context.Context, job *Job) error

// TerminalHandler runs exactly once when a job dead-letters, after the
// job is parked. It is the place to flip persisted status fields so the
// failure is human-visible.
type TerminalHandler func(ctx context.Context, job *Job, cause error)

// WorkerPool consumes named queues with a fixed number of goroutines
// per queue. It holds no shared mutable state besides the redis
// connection; all coordination happens through redis and postgres.
type WorkerPool struct {
	client      *Client
	log         *zap.Logger
	concurrency int
	promoteTick time.Duration
	popTimeout  time.Duration

	mu        sync.Mutex
	handlers  map[string]Handler
	terminals map[string]TerminalHandler
}

// NewWorkerPool constructs a pool; concurrency is per queue.
func NewWorkerPool(client *Client, log *zap.Logger, concurrency int) *WorkerPool {
	if concurrency <= 0 {
		concurrency = 2
	}
	return &WorkerPool{
		client:      client,
		log:         log,
		concurrency: concurrency,
		promoteTick: 500 * time.Millisecond,
		popTimeout:  time.Second,
		handlers:    make(map[string]Handler),
		terminals:   make(map[string]TerminalHandler),
	}
}

// Handle registers the handler for a queue. Must be called before Run.
func (p *WorkerPool) Handle(queue string, h Handler) {
	p.mu.Lock()
	p.handlers[queue] = h
	p.mu.Unlock()
}

// OnDeadLetter registers the terminal hook for a queue.
func (p *WorkerPool) OnDeadLetter(queue string, h TerminalHandler) {
	p.mu.Lock()
	p.terminals[queue] = h
	p.mu.Unlock()
}

// Run starts promoters and consumers for every registered queue and
// blocks until ctx is canceled.
func (p *WorkerPool) Run(ctx context.Context) {
	var wg sync.WaitGroup

	p.mu.Lock()
	queues := make([]string, 0, len(p.handlers))
	for q := range p.handlers {
		queues = append(queues, q)
	}
	p.mu.Unlock()

	for _, q := range queues {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			p.promoteLoop(ctx, queue)
		}(q)

		for i := 0; i < p.concurrency; i++ {
			wg.Add(1)
			go func(queue string) {
				defer wg.Done()
				p.consumeLoop(ctx, queue)
			}(q)
		}
	}

	wg.Wait()
}

func (p *WorkerPool) promoteLoop(ctx context.Context, queue string) {
	ticker := time.NewTicker(p.promoteTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.client.promoteDue(ctx, queue); err != nil && ctx.Err() == nil {
				p.log.Warn("promote delayed jobs", zap.String("queue", queue), zap.Error(err))
			}
		}
	}
}

func (p *WorkerPool) consumeLoop(ctx context.Context, queue string) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.client.pop(ctx, queue, p.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("pop job", zap.String("queue", queue), zap.Error(err))
			time.Sleep(p.popTimeout)
			continue
		}
		if job == nil {
			continue
		}
		p.process(ctx, queue, job)
	}
}

// process runs one job through its handler and routes the outcome:
// completed, retry-scheduled with backoff, or dead-letter.
func (p *WorkerPool) process(ctx context.Context, queue string, job *Job) {
	p.mu.Lock()
	handler := p.handlers[queue]
	terminal := p.terminals[queue]
	p.mu.Unlock()

	job.Attempts++
	start := time.Now()
	err := handler(ctx, job)
	if err == nil {
		monitoring.JobsProcessed.WithLabelValues(queue, "completed").Inc()
		p.log.Info("job completed",
			zap.String("queue", queue),
			zap.String("job_id", job.ID),
			zap.String("type", job.Type),
			zap.Int("attempt", job.Attempts),
			zap.Duration("dur", time.Since(start)),
		)
		return
	}

	if job.Exhausted() {
		monitoring.JobsProcessed.WithLabelValues(queue, "dead_letter").Inc()
		p.log.Error("job dead-lettered",
			zap.String("queue", queue),
			zap.String("job_id", job.ID),
			zap.String("type", job.Type),
			zap.Int("attempts", job.Attempts),
			zap.Error(err),
		)
		if dlErr := p.client.deadLetter(ctx, queue, job); dlErr != nil {
			p.log.Error("park dead-letter", zap.String("queue", queue), zap.Error(dlErr))
		}
		if terminal != nil {
			terminal(ctx, job, err)
		}
		return
	}

	delay := job.NextDelay()
	monitoring.JobsProcessed.WithLabelValues(queue, "retried").Inc()
	p.log.Warn("job failed, retry scheduled",
		zap.String("queue", queue),
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempts),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
	if rqErr := p.client.EnqueueIn(ctx, queue, job, delay); rqErr != nil {
		p.log.Error("requeue job", zap.String("queue", queue), zap.Error(rqErr))
	}
}
