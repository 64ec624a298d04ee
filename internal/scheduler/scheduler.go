// Package scheduler runs the engine's periodic background jobs under a
// global concurrency ceiling.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"tradedesk/internal/domain"
	"tradedesk/internal/metrics"
	"tradedesk/internal/util"
)

// Job is a periodic task. Profile scopes the job to one profile; empty means
// global.
type Job struct {
	Name      string
	Profile   domain.ProfileID
	Interval  time.Duration
	Jitter    time.Duration // random extra delay in [0, Jitter) added to each interval
	Immediate bool          // run once as soon as the job is started
	Run       func(ctx context.Context) error
}

// Key identifies the job within the scheduler.
func (j Job) Key() string {
	if j.Profile == "" {
		return j.Name
	}
	return string(j.Profile) + "/" + j.Name
}

// Options bounds the scheduler.
type Options struct {
	MaxConcurrent int           // jobs running at once
	JobTimeout    time.Duration // per-run deadline
	Grace         time.Duration // how long Stop waits for running jobs
}

// Scheduler is the BackgroundScheduler.
type Scheduler struct {
	opts Options
	log  *slog.Logger
	sem  *semaphore.Weighted

	loopCtx    context.Context // cancelled by Stop: no new runs
	loopCancel context.CancelFunc
	runCtx     context.Context // cancelled after the grace period: abandon runs
	runCancel  context.CancelFunc

	loops    sync.WaitGroup
	runs     sync.WaitGroup
	inflight atomic.Int64

	mu      sync.Mutex
	jobs    map[string]*jobState
	queue   []*jobState
	notify  chan struct{}
	started bool
	stopped bool
}

type jobState struct {
	job    Job
	cancel context.CancelFunc
	busy   bool // queued or running
	runs   int
	last   error
}

// New creates a stopped Scheduler.
func New(opts Options, logger *slog.Logger) *Scheduler {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Second
	}
	if opts.Grace <= 0 {
		opts.Grace = 5 * time.Second
	}
	loopCtx, loopCancel := context.WithCancel(context.Background())
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Scheduler{
		opts:       opts,
		log:        util.ComponentLogger(logger, "scheduler"),
		sem:        semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		loopCtx:    loopCtx,
		loopCancel: loopCancel,
		runCtx:     runCtx,
		runCancel:  runCancel,
		jobs:       make(map[string]*jobState),
		notify:     make(chan struct{}, 1),
	}
}

// Register adds a job. Jobs registered after Start begin immediately.
func (s *Scheduler) Register(job Job) error {
	if job.Interval <= 0 {
		return fmt.Errorf("scheduler: job %s: interval must be positive", job.Key())
	}
	if job.Run == nil {
		return fmt.Errorf("scheduler: job %s: nil Run", job.Key())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return domain.ErrEngineStopped
	}
	if _, ok := s.jobs[job.Key()]; ok {
		return fmt.Errorf("scheduler: job %s already registered", job.Key())
	}
	js := &jobState{job: job}
	s.jobs[job.Key()] = js
	if s.started {
		s.startLoopLocked(js)
	}
	return nil
}

// Remove stops and forgets every job scoped to profile. A run already in
// progress finishes normally.
func (s *Scheduler) Remove(profile domain.ProfileID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, js := range s.jobs {
		if js.job.Profile != profile {
			continue
		}
		if js.cancel != nil {
			js.cancel()
		}
		delete(s.jobs, key)
	}
	kept := s.queue[:0]
	for _, js := range s.queue {
		if js.job.Profile != profile {
			kept = append(kept, js)
		}
	}
	s.queue = kept
	metrics.JobsQueued.Set(float64(len(s.queue)))
}

// Start launches the dispatcher and one timer loop per job.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return domain.ErrEngineStopped
	}
	if s.started {
		return nil
	}
	s.started = true
	for _, js := range s.jobs {
		s.startLoopLocked(js)
	}
	s.loops.Add(1)
	go s.dispatch()
	s.log.Info("scheduler started", "event", "scheduler_start", "jobs", len(s.jobs), "max_concurrent", s.opts.MaxConcurrent)
	return nil
}

// Trigger queues a run of the job with the given key now, unless it is
// already queued or running.
func (s *Scheduler) Trigger(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	js, ok := s.jobs[key]
	if !ok || !s.started || s.stopped {
		return false
	}
	return s.enqueueLocked(js)
}

// Stop prevents new runs, drops queued ones, and waits up to the grace
// period (or until ctx ends) for running jobs. Jobs still running after that
// have their contexts cancelled and are abandoned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	dropped := len(s.queue)
	for _, js := range s.queue {
		js.busy = false
	}
	s.queue = nil
	s.mu.Unlock()
	metrics.JobsQueued.Set(0)

	s.loopCancel()
	s.loops.Wait()

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()

	grace := time.NewTimer(s.opts.Grace)
	defer grace.Stop()
	var err error
	select {
	case <-done:
	case <-grace.C:
		err = fmt.Errorf("scheduler: %d jobs abandoned after grace period", s.inflight.Load())
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.runCancel()
	s.log.Info("scheduler stopped", "event", "scheduler_stop", "dropped", dropped, "error", err)
	return err
}

// JobStatus describes a registered job.
type JobStatus struct {
	Key     string `json:"key"`
	Busy    bool   `json:"busy"`
	Runs    int    `json:"runs"`
	LastErr string `json:"last_error,omitempty"`
}

// Jobs returns the status of every registered job.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for key, js := range s.jobs {
		st := JobStatus{Key: key, Busy: js.busy, Runs: js.runs}
		if js.last != nil {
			st.LastErr = js.last.Error()
		}
		out = append(out, st)
	}
	return out
}

// InFlight returns the number of jobs running now.
func (s *Scheduler) InFlight() int { return int(s.inflight.Load()) }

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (s *Scheduler) startLoopLocked(js *jobState) {
	ctx, cancel := context.WithCancel(s.loopCtx)
	js.cancel = cancel
	s.loops.Add(1)
	go s.loop(ctx, js)
}

// loop waits out the job's interval and queues a run each time it elapses.
func (s *Scheduler) loop(ctx context.Context, js *jobState) {
	defer s.loops.Done()
	if js.job.Immediate {
		s.enqueue(js)
	}
	timer := time.NewTimer(s.nextDelay(js.job))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.enqueue(js)
			timer.Reset(s.nextDelay(js.job))
		}
	}
}

func (s *Scheduler) nextDelay(j Job) time.Duration {
	if j.Jitter <= 0 {
		return j.Interval
	}
	return j.Interval + rand.N(j.Jitter)
}

func (s *Scheduler) enqueue(js *jobState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueLocked(js)
}

func (s *Scheduler) enqueueLocked(js *jobState) bool {
	if s.stopped || s.jobs[js.job.Key()] != js {
		return false
	}
	if js.busy {
		s.log.Debug("job still queued or running, skipping tick", "event", "job_skipped", "job", js.job.Key())
		return false
	}
	js.busy = true
	s.queue = append(s.queue, js)
	metrics.JobsQueued.Set(float64(len(s.queue)))
	if s.inflight.Load() >= int64(s.opts.MaxConcurrent) {
		s.log.Debug("concurrency ceiling reached, job queued", "event", "job_queued",
			"job", js.job.Key(), "queued", len(s.queue), "error", domain.ErrResourceExhausted)
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// dispatch starts queued jobs in FIFO order as worker slots free up.
func (s *Scheduler) dispatch() {
	defer s.loops.Done()
	for {
		if err := s.sem.Acquire(s.loopCtx, 1); err != nil {
			return
		}
		js := s.pop()
		for js == nil {
			select {
			case <-s.notify:
				js = s.pop()
			case <-s.loopCtx.Done():
				s.sem.Release(1)
				return
			}
		}
		s.runs.Add(1)
		s.inflight.Add(1)
		metrics.JobsInFlight.Inc()
		go s.run(js)
	}
}

func (s *Scheduler) pop() *jobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	js := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	metrics.JobsQueued.Set(float64(len(s.queue)))
	return js
}

// run executes one job with its own deadline. A panic is contained to the run.
func (s *Scheduler) run(js *jobState) {
	key := js.job.Key()
	start := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("job panicked", "event", "job_panic", "job", key, "panic", r)
		}
		s.mu.Lock()
		js.busy = false
		js.runs++
		js.last = err
		s.mu.Unlock()

		metrics.JobRuns.WithLabelValues(js.job.Name, metrics.Result(err)).Inc()
		metrics.JobDuration.WithLabelValues(js.job.Name).Observe(time.Since(start).Seconds())
		metrics.JobsInFlight.Dec()
		s.inflight.Add(-1)
		s.sem.Release(1)
		s.runs.Done()
	}()

	ctx, cancel := context.WithTimeout(s.runCtx, s.opts.JobTimeout)
	defer cancel()
	err = js.job.Run(ctx)
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, context.Canceled) {
			level = slog.LevelDebug
		}
		s.log.Log(ctx, level, "job failed", "event", "job_failed", "job", key, "took", time.Since(start), "error", err)
	}
}
