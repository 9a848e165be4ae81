// Package dispatch runs inbound turns keyed by user id. Turns of one user
// execute one at a time in submission order. Every user with pending work has
// its own drain goroutine, so a slow turn never holds up another user.
package dispatch

import (
	"context"
	"errors"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/avvvet/imagechat/internal/metrics"
)

// Job is one unit of work.
type Job func(ctx context.Context)

// Config groups the executor tunables.
type Config struct {
	// Shards partitions the per-user queue table to reduce lock contention.
	Shards int
	// QueueSize bounds pending turns per user.
	QueueSize      int
	EnqueueTimeout time.Duration
}

type queuedJob struct {
	ctx context.Context
	job Job
}

// keyQueue is the pending work of one user. running is true while a drain
// goroutine owns the queue; waiters counts submitters blocked on a full queue.
type keyQueue struct {
	ch      chan queuedJob
	running bool
	waiters int
}

type shard struct {
	mu   sync.Mutex
	keys map[int64]*keyQueue
}

// Executor is a per-key FIFO executor.
type Executor struct {
	cfg    Config
	shards []*shard
	log    zerolog.Logger

	// stopMu orders Submit against Stop so no drain goroutine starts after
	// Stop began waiting.
	stopMu sync.RWMutex
	closed bool

	wg sync.WaitGroup
}

// New returns an executor. Goroutines are only started by Submit.
func New(cfg Config, log zerolog.Logger) *Executor {
	if cfg.Shards <= 0 {
		cfg.Shards = 16
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 100 * time.Millisecond
	}
	e := &Executor{
		cfg:    cfg,
		shards: make([]*shard, cfg.Shards),
		log:    log,
	}
	for i := range e.shards {
		e.shards[i] = &shard{keys: make(map[int64]*keyQueue)}
	}
	return e
}

// Submit enqueues job behind the pending turns of key.
//
//   - ErrExecutorClosed after Stop.
//   - *QueueFullError if the key has no room within EnqueueTimeout.
//   - ctx.Err() if ctx ends first.
func (e *Executor) Submit(ctx context.Context, key int64, job Job) error {
	e.stopMu.RLock()
	defer e.stopMu.RUnlock()
	if e.closed {
		return ErrExecutorClosed
	}

	idx := e.shardFor(key)
	sh := e.shards[idx]
	label := strconv.Itoa(idx)

	sh.mu.Lock()
	kq := sh.keys[key]
	if kq == nil {
		kq = &keyQueue{ch: make(chan queuedJob, e.cfg.QueueSize)}
		sh.keys[key] = kq
	}
	kq.waiters++
	sh.mu.Unlock()

	err := e.enqueue(ctx, key, kq, queuedJob{ctx: ctx, job: job})

	sh.mu.Lock()
	kq.waiters--
	switch {
	case err == nil && !kq.running:
		kq.running = true
		e.wg.Add(1)
		metrics.DispatchActiveKeys.Inc()
		go e.drain(sh, key, kq)
	case err != nil && !kq.running && kq.waiters == 0 && len(kq.ch) == 0:
		delete(sh.keys, key)
	}
	sh.mu.Unlock()

	if err != nil {
		if errors.Is(err, ErrQueueFull) {
			metrics.DispatchQueueFullTotal.WithLabelValues(label).Inc()
		}
		return err
	}
	metrics.DispatchSubmissionsTotal.WithLabelValues(label).Inc()
	return nil
}

func (e *Executor) enqueue(ctx context.Context, key int64, kq *keyQueue, qj queuedJob) error {
	select {
	case kq.ch <- qj:
		return nil
	default:
	}

	timer := time.NewTimer(e.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case kq.ch <- qj:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return &QueueFullError{Key: key, Length: len(kq.ch), Capacity: cap(kq.ch)}
	}
}

// Do submits job and waits until it has run.
func (e *Executor) Do(ctx context.Context, key int64, job Job) error {
	finished := make(chan struct{})
	err := e.Submit(ctx, key, func(ctx context.Context) {
		defer close(finished)
		job(ctx)
	})
	if err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop rejects new work and waits until every queued turn has run. It is
// idempotent.
func (e *Executor) Stop() {
	e.stopMu.Lock()
	if e.closed {
		e.stopMu.Unlock()
		return
	}
	e.closed = true
	e.stopMu.Unlock()

	e.log.Info().Msg("stopping dispatch, draining queued turns")
	e.wg.Wait()
	e.log.Info().Msg("dispatch stopped")
}

// drain runs the turns of one key until its queue is empty, then releases it.
func (e *Executor) drain(sh *shard, key int64, kq *keyQueue) {
	defer e.wg.Done()
	defer metrics.DispatchActiveKeys.Dec()

	for {
		select {
		case qj := <-kq.ch:
			e.run(key, qj)
			continue
		default:
		}

		sh.mu.Lock()
		if len(kq.ch) > 0 {
			sh.mu.Unlock()
			continue
		}
		kq.running = false
		if kq.waiters == 0 {
			delete(sh.keys, key)
		}
		sh.mu.Unlock()
		return
	}
}

// run executes one job; a panic is logged and the key keeps draining.
func (e *Executor) run(key int64, qj queuedJob) {
	if qj.job == nil {
		return
	}
	if qj.ctx.Err() != nil {
		e.log.Debug().Int64("key", key).Err(qj.ctx.Err()).Msg("skipping canceled turn")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Int64("key", key).Interface("panic", r).Msg("dispatch job panic")
		}
	}()
	qj.job(qj.ctx)
}

func (e *Executor) shardFor(key int64) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strconv.FormatInt(key, 10)))
	return int(h.Sum32() % uint32(len(e.shards)))
}
