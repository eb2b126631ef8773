// Package dispatcher runs accepted jobs on a bounded worker pool so the
// webhook handler can answer immediately.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chainguard-dev/clog"

	"github.com/cexll/fixbot/internal/job"
	"github.com/cexll/fixbot/internal/jobstore"
	"github.com/cexll/fixbot/internal/metrics"
)

var (
	// ErrQueueFull is returned when no queue slot is free.
	ErrQueueFull = errors.New("dispatcher queue is full")
	// ErrQueueClosed is returned after Shutdown.
	ErrQueueClosed = errors.New("dispatcher is shut down")
)

// JobRunner processes one job
type JobRunner interface {
	Process(ctx context.Context, j *job.Job) error
}

// Tracker receives job status transitions. The job store implements it.
type Tracker interface {
	UpdateStatus(id string, status jobstore.Status)
	Fail(id string, err error)
}

type nopTracker struct{}

func (nopTracker) UpdateStatus(string, jobstore.Status) {}
func (nopTracker) Fail(string, error)                   {}

// Config controls dispatcher behaviour
type Config struct {
	Workers   int
	QueueSize int
	Tracker   Tracker
}

// Dispatcher serialises jobs per issue and runs each job at most once.
type Dispatcher struct {
	runner  JobRunner
	cfg     Config
	tracker Tracker

	queue chan *job.Job

	keys *keyedQueue

	// baseCtx carries the logger and is cancelled when Shutdown gives up.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.RWMutex
	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup

	once sync.Once
}

// New creates a dispatcher and starts its workers. Jobs run with a context
// derived from ctx.
func New(ctx context.Context, runner JobRunner, cfg Config) *Dispatcher {
	normalized := normalizeConfig(cfg)
	baseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d := &Dispatcher{
		runner:  runner,
		cfg:     normalized,
		tracker: normalized.Tracker,
		queue:   make(chan *job.Job, normalized.QueueSize),
		keys:    newKeyedQueue(),
		baseCtx: baseCtx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
	}
	d.startWorkers()
	return d
}

func normalizeConfig(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 4
	}
	if cfg.Tracker == nil {
		cfg.Tracker = nopTracker{}
	}
	return cfg
}

func (d *Dispatcher) startWorkers() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Enqueue queues a job without blocking.
func (d *Dispatcher) Enqueue(j *job.Job) error {
	if j == nil {
		return errors.New("dispatcher enqueue: job is nil")
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrQueueClosed
	}

	select {
	case d.queue <- j:
		metrics.SetQueueDepth(len(d.queue))
		return nil
	default:
		return ErrQueueFull
	}
}

// Len reports how many jobs are waiting, either for a worker or behind an
// earlier job on the same issue.
func (d *Dispatcher) Len() int {
	n := len(d.queue)
	if d.keys != nil {
		n += d.keys.waiting()
	}
	return n
}

func (d *Dispatcher) isClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopCh:
			return
		case j := <-d.queue:
			metrics.SetQueueDepth(len(d.queue))
			d.dispatch(j)
		}
	}
}

func jobKey(j *job.Job) string {
	return fmt.Sprintf("%s:%s#%d", j.Platform, j.FullName(), j.IssueNumber)
}

// dispatch runs j unless another job for the same issue is running, in
// which case j is parked and the worker moves on. The worker that owns an
// issue runs its parked jobs in arrival order.
func (d *Dispatcher) dispatch(j *job.Job) {
	key := jobKey(j)
	if !d.keys.acquire(key, j) {
		clog.FromContext(d.baseCtx).Infof("Job %s waiting for the running job on %s", j.ID, key)
		return
	}

	run := true
	for j != nil {
		if run {
			d.process(j, key)
		} else {
			d.tracker.Fail(j.ID, ErrQueueClosed)
		}
		j = d.keys.release(key)
		run = !d.isClosed()
	}
}

func (d *Dispatcher) process(j *job.Job, key string) {
	log := clog.FromContext(d.baseCtx).With("job_id", j.ID, "key", key)
	ctx := clog.WithLogger(d.baseCtx, log)

	d.tracker.UpdateStatus(j.ID, jobstore.StatusRunning)
	metrics.JobStarted()
	defer metrics.JobDone()

	err := d.run(ctx, j)
	metrics.JobFinished(err == nil)
	if err != nil {
		log.Errorf("Job %s failed: %v", key, err)
		d.tracker.Fail(j.ID, err)
		return
	}
	log.Infof("Job %s succeeded", key)
	d.tracker.UpdateStatus(j.ID, jobstore.StatusSucceeded)
}

// run shields the worker from a panicking job.
func (d *Dispatcher) run(ctx context.Context, j *job.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return d.runner.Process(ctx, j)
}

// Shutdown stops accepting jobs and waits for running ones. Queued jobs that
// never started are marked failed. If ctx expires first, running jobs are
// cancelled.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.stopCh)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.wg.Wait()
	}()

	select {
	case <-ctx.Done():
		d.cancel()
	case <-done:
	}
	d.drain()
}

func (d *Dispatcher) drain() {
	for {
		select {
		case j := <-d.queue:
			d.tracker.Fail(j.ID, ErrQueueClosed)
		default:
			metrics.SetQueueDepth(0)
			return
		}
	}
}

// keyedQueue tracks which issues have a running job and the jobs parked
// behind it.
type keyedQueue struct {
	mu     sync.Mutex
	active map[string][]*job.Job
}

func newKeyedQueue() *keyedQueue {
	return &keyedQueue{
		active: make(map[string][]*job.Job),
	}
}

// acquire marks key as running and returns true, or parks j behind the
// running job and returns false.
func (k *keyedQueue) acquire(key string, j *job.Job) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if parked, busy := k.active[key]; busy {
		k.active[key] = append(parked, j)
		return false
	}
	k.active[key] = nil
	return true
}

// release hands over the next parked job for key, or forgets key and
// returns nil when none is left.
func (k *keyedQueue) release(key string) *job.Job {
	k.mu.Lock()
	defer k.mu.Unlock()
	parked := k.active[key]
	if len(parked) == 0 {
		delete(k.active, key)
		return nil
	}
	k.active[key] = parked[1:]
	return parked[0]
}

func (k *keyedQueue) waiting() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for _, parked := range k.active {
		n += len(parked)
	}
	return n
}
