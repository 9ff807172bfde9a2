package ingest

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type TaskRunner interface {
	Run(ctx context.Context, t Task) error
}

// Pool runs tasks on a fixed number of in-process workers. Enqueue never
// blocks: when the buffer is full the task is rejected with ErrQueueFull.
type Pool struct {
	runner  TaskRunner
	log     *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	tasks  chan Task

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool starts workers immediately. timeout bounds each task; zero means
// the runner's own deadlines apply.
func NewPool(runner TaskRunner, workers, queueSize int, timeout time.Duration, log *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		runner:  runner,
		log:     log.Named("ingest_pool"),
		timeout: timeout,
		tasks:   make(chan Task, queueSize),
		baseCtx: ctx,
		cancel:  cancel,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}
	p.log.Info("ingest pool started", zap.Int("workers", workers), zap.Int("queue_size", queueSize))
	return p
}

func (p *Pool) Enqueue(_ context.Context, t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrQueueClosed
	}
	select {
	case p.tasks <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for t := range p.tasks {
		p.runOne(id, t)
	}
}

func (p *Pool) runOne(id int, t Task) {
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Error("ingest task panicked", zap.Int("worker", id), zap.String("job_id", t.JobID), zap.Any("panic", rec))
		}
	}()

	ctx := p.baseCtx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	// Run logs and records its own failures.
	_ = p.runner.Run(ctx, t)
}

// Close stops accepting tasks and waits for queued ones to drain. When ctx
// expires first, in-flight tasks are cancelled.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.log.Info("ingest pool drained")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		p.log.Warn("ingest pool closed before queue drained")
		return ctx.Err()
	}
}
