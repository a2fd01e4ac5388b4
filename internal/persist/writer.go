// Package persist runs storage writes off the control path. Jobs are sharded
// by key so writes for the same device or room are applied in order.
package persist

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// MaxBackoff caps the delay between two attempts of the same job.
const MaxBackoff = 30 * time.Second

// Job is one unit of storage work.
//
// A durable job ignores the retry budget and keeps retrying at up to
// MaxBackoff until it succeeds or the writer is stopped. Its shard waits
// behind it, which keeps later writes for the same key in order.
type Job struct {
	Key     int64  // shard key, usually a device or room id
	Name    string // used in logs and metrics
	Durable bool
	Do      func(ctx context.Context) error
}

// Observer is told about retries and final failures.
type Observer interface {
	Retried(job string, attempt int, err error)
	Failed(job string, err error)
}

// PersistenceError is logged when a job exhausted its attempts.
type PersistenceError struct {
	Job      string
	Key      int64
	Attempts int
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s (key %d) failed after %d attempts: %v", e.Job, e.Key, e.Attempts, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

type shard struct {
	mu     sync.Mutex
	queue  []Job
	notify chan struct{}
}

func (s *shard) push(j Job) {
	s.mu.Lock()
	s.queue = append(s.queue, j)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *shard) pop() (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Job{}, false
	}
	j := s.queue[0]
	s.queue[0] = Job{}
	s.queue = s.queue[1:]
	return j, true
}

// Writer is a fixed set of shard workers with unbounded queues. Dispatch never
// blocks the caller.
type Writer struct {
	shards      []*shard
	maxRetries  int
	baseBackoff time.Duration
	logger      *zap.Logger
	observer    Observer

	pending atomic.Int64
	stopped atomic.Bool
	stop    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	// stopCtx ends the retries of durable jobs once the writer stops.
	stopCtx    context.Context
	cancelStop context.CancelFunc

	// newBackOff builds the delay schedule of one job; replaced in tests.
	newBackOff func() backoff.BackOff
}

// NewWriter creates a writer with the given number of shards.
func NewWriter(workers, maxRetries int, baseBackoff time.Duration, logger *zap.Logger, observer Observer) *Writer {
	if workers <= 0 {
		workers = 1
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{
		shards:      make([]*shard, workers),
		maxRetries:  maxRetries,
		baseBackoff: baseBackoff,
		logger:      logger,
		observer:    observer,
		stop:        make(chan struct{}),
	}
	w.stopCtx, w.cancelStop = context.WithCancel(context.Background())
	w.newBackOff = w.exponential
	for i := range w.shards {
		w.shards[i] = &shard{notify: make(chan struct{}, 1)}
	}
	return w
}

// Start launches one goroutine per shard. Cancelling ctx has the same effect
// as Stop: queued jobs are still drained.
func (w *Writer) Start(ctx context.Context) {
	jobCtx := context.WithoutCancel(ctx)
	for i, s := range w.shards {
		w.wg.Add(1)
		go w.worker(ctx, jobCtx, i, s)
	}
}

// Dispatch queues a job on the shard owning its key.
func (w *Writer) Dispatch(j Job) {
	if w.stopped.Load() {
		w.logger.Warn("Writer stopped, dropping job", zap.String("job", j.Name), zap.Int64("key", j.Key))
		return
	}
	w.pending.Add(1)
	w.shards[w.shardFor(j.Key)].push(j)
}

// Pending returns the number of jobs queued or running.
func (w *Writer) Pending() int64 { return w.pending.Load() }

// Flush blocks until every job dispatched so far has been handled.
func (w *Writer) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for w.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Stop refuses new jobs and lets the workers drain their queues. A durable
// job that is still failing gets one last attempt and is then dropped.
func (w *Writer) Stop() {
	w.once.Do(func() {
		w.stopped.Store(true)
		w.cancelStop()
		close(w.stop)
	})
}

// Wait blocks until all workers have exited.
func (w *Writer) Wait() { w.wg.Wait() }

func (w *Writer) shardFor(key int64) int {
	k := key % int64(len(w.shards))
	if k < 0 {
		k = -k
	}
	return int(k)
}

func (w *Writer) worker(ctx, jobCtx context.Context, id int, s *shard) {
	defer w.wg.Done()
	w.logger.Debug("Persist worker started", zap.Int("worker", id))
	done := ctx.Done()
	for {
		w.drain(jobCtx, s)
		select {
		case <-s.notify:
		case <-w.stop:
			w.drain(jobCtx, s)
			w.logger.Debug("Persist worker shutting down", zap.Int("worker", id))
			return
		case <-done:
			w.Stop()
			done = nil
		}
	}
}

func (w *Writer) drain(ctx context.Context, s *shard) {
	for {
		j, ok := s.pop()
		if !ok {
			return
		}
		w.run(ctx, j)
		w.pending.Add(-1)
	}
}

func (w *Writer) run(ctx context.Context, j Job) {
	attempts := 0
	var err error
	op := func() error {
		attempts++
		err = j.Do(ctx)
		return err
	}
	notify := func(err error, delay time.Duration) {
		if w.observer != nil {
			w.observer.Retried(j.Name, attempts, err)
		}
		w.logger.Warn("Persist job failed, retrying",
			zap.String("job", j.Name), zap.Int64("key", j.Key),
			zap.Int("attempt", attempts), zap.Duration("backoff", delay), zap.Error(err))
	}
	if backoff.RetryNotify(op, w.schedule(j), notify) == nil {
		return
	}

	perr := &PersistenceError{Job: j.Name, Key: j.Key, Attempts: attempts, Err: err}
	if w.observer != nil {
		w.observer.Failed(j.Name, perr)
	}
	w.logger.Error("Persist job dropped", zap.Error(perr))
}

// schedule bounds a job's retries: durable jobs by the writer's lifetime,
// the rest by the retry budget.
func (w *Writer) schedule(j Job) backoff.BackOff {
	if j.Durable {
		return backoff.WithContext(w.newBackOff(), w.stopCtx)
	}
	return backoff.WithMaxRetries(w.newBackOff(), uint64(w.maxRetries))
}

// exponential starts at the base backoff, grows by half each attempt with
// jitter and is capped at MaxBackoff. It never gives up on its own.
func (w *Writer) exponential() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.baseBackoff
	b.MaxInterval = MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
