// Package work runs background jobs on a bounded worker pool. Jobs coalesce
// by key, carry individual deadlines, and retry transient failures with a
// growing delay.
package work

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wojtczak/sygnal/internal/domain"
)

// Job is one unit of work. Key is the coalescing identity: while a job with
// the same key is queued, running, or waiting on a retry, further submissions
// with that key are dropped.
type Job struct {
	Key         string
	Timeout     time.Duration // 0 means no per-job deadline
	MaxAttempts int           // attempts including the first, minimum 1
	Run         func(ctx context.Context) error
}

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	Workers    int           // concurrent workers, default 8
	QueueSize  int           // pending job buffer, default 64
	RetryDelay time.Duration // base delay before a transient retry, default 5s
}

type queued struct {
	job     Job
	attempt int
}

// Pool runs jobs on a fixed set of workers. The jobs channel doubles as the
// trigger path for event-driven runs; cron ticks and bus subscriptions both
// land here through Submit.
type Pool struct {
	cfg  PoolConfig
	log  zerolog.Logger
	jobs chan queued

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inFlight map[string]struct{}
	started  bool
	stopped  bool
	wg       sync.WaitGroup
}

// NewPool creates a worker pool.
func NewPool(cfg PoolConfig, log zerolog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &Pool{
		cfg:      cfg,
		log:      log.With().Str("component", "work_pool").Logger(),
		jobs:     make(chan queued, cfg.QueueSize),
		inFlight: make(map[string]struct{}),
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started && !p.stopped {
		p.log.Warn().Msg("Worker pool already started, ignoring")
		return
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.started = true
	p.stopped = false

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.log.Info().Int("workers", p.cfg.Workers).Msg("Worker pool started")
}

// Stop cancels running jobs and waits for the workers to finish. Queued jobs
// that never started are dropped.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped || !p.started {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.started = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()

	if dropped := len(p.jobs); dropped > 0 {
		p.log.Warn().Int("dropped", dropped).Msg("Worker pool stopped with jobs still queued")
	}
	p.log.Info().Msg("Worker pool stopped")
}

// Submit queues a job. Returns false when the pool is stopped, a job with
// the same key is already in flight, or the queue is full.
func (p *Pool) Submit(job Job) bool {
	if job.MaxAttempts < 1 {
		job.MaxAttempts = 1
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return false
	}
	if _, ok := p.inFlight[job.Key]; ok {
		p.mu.Unlock()
		p.log.Debug().Str("job", job.Key).Msg("Job already in flight, skipping")
		return false
	}
	p.inFlight[job.Key] = struct{}{}
	p.mu.Unlock()

	select {
	case p.jobs <- queued{job: job, attempt: 1}:
		return true
	default:
		p.release(job.Key)
		p.log.Warn().Str("job", job.Key).Msg("Work queue full, dropping job")
		return false
	}
}

// InFlight lists the keys currently queued, running, or waiting on a retry.
func (p *Pool) InFlight() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.inFlight))
	for k := range p.inFlight {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// QueueDepth reports how many jobs wait for a worker.
func (p *Pool) QueueDepth() int {
	return len(p.jobs)
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case q := <-p.jobs:
			p.execute(q)
		}
	}
}

func (p *Pool) execute(q queued) {
	ctx := p.ctx
	if q.job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(p.ctx, q.job.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := q.job.Run(ctx)
	elapsed := time.Since(start)

	if err == nil {
		p.release(q.job.Key)
		p.log.Debug().Str("job", q.job.Key).Dur("elapsed", elapsed).Msg("Job finished")
		return
	}

	if domain.KindOf(err) == domain.KindTransient && q.attempt < q.job.MaxAttempts {
		// The key stays in flight across the retry wait so the next
		// scheduler tick cannot double-run the job.
		delay := time.Duration(q.attempt) * p.cfg.RetryDelay
		p.log.Warn().Err(err).
			Str("job", q.job.Key).
			Int("attempt", q.attempt).
			Dur("retry_in", delay).
			Msg("Job failed, will retry")
		time.AfterFunc(delay, func() { p.resubmit(q.job, q.attempt+1) })
		return
	}

	p.release(q.job.Key)
	switch {
	case q.job.Timeout > 0 && errors.Is(err, context.DeadlineExceeded):
		p.log.Error().
			Str("job", q.job.Key).
			Dur("timeout", q.job.Timeout).
			Msg("Job timed out")
	case q.attempt > 1:
		p.log.Warn().Err(err).
			Str("job", q.job.Key).
			Int("attempt", q.attempt).
			Msg("Job failed, max attempts reached, giving up")
	default:
		p.log.Error().Err(err).
			Str("job", q.job.Key).
			Dur("elapsed", elapsed).
			Msg("Job failed")
	}
}

func (p *Pool) resubmit(job Job, attempt int) {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		p.release(job.Key)
		return
	}

	select {
	case p.jobs <- queued{job: job, attempt: attempt}:
	default:
		p.release(job.Key)
		p.log.Warn().Str("job", job.Key).Msg("Work queue full, dropping retry")
	}
}

func (p *Pool) release(key string) {
	p.mu.Lock()
	delete(p.inFlight, key)
	p.mu.Unlock()
}
