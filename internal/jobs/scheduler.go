// Package jobs runs long operations as durable, cancellable jobs on a fixed
// worker pool. Every job is a row that is created running and written
// exactly once when it stops.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/roundhouse/internal/metrics"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/rights"
	"github.com/zulandar/roundhouse/internal/store"
)

// Progress receives stage and percent updates from running work.
type Progress interface {
	Report(stage string, percent int)
}

// Work is the body of a job. ctx is cancelled when the job is cancelled or
// the scheduler shuts down.
type Work func(ctx context.Context, job models.Job, progress Progress) error

// Request describes a job to submit.
type Request struct {
	InstanceID  uint
	Code        models.JobCode
	Description string
	StartedBy   string
	// CancelRight, when set, is required of callers of Cancel.
	CancelRight *rights.Requirement
	// Exclusive names a per-instance slot. While a job holds the slot,
	// other submissions naming it fail with *ConflictError.
	Exclusive string
}

// Status is a job row plus its live progress.
type Status struct {
	Job     models.Job
	Stage   string
	Percent int
}

// Handle refers to a submitted job.
type Handle struct {
	Job  models.Job
	done <-chan struct{}
}

// Done is closed once the job has stopped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Options configures a Scheduler.
type Options struct {
	Workers   int
	QueueSize int
	Logger    zerolog.Logger
}

type slot struct {
	instanceID uint
	name       string
}

type task struct {
	job    models.Job
	req    Request
	work   Work
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu              sync.Mutex
	stage           string
	percent         int
	started         bool
	cancelRequested bool
	cancelledBy     string
	final           models.Job
}

func (t *task) Report(stage string, percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	t.mu.Lock()
	t.stage, t.percent = stage, percent
	t.mu.Unlock()
}

// Scheduler executes submitted work and keeps the job table in sync.
type Scheduler struct {
	store   *store.Store
	log     zerolog.Logger
	workers int
	queue   chan *task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// exclusive serializes slot checks with row creation so a conflict
	// always names a real job id.
	exclusive sync.Mutex

	mu        sync.Mutex
	tasks     map[uint]*task
	slots     map[slot]uint
	listeners []func(models.Job)
	started   bool
	closed    bool
}

// New returns a Scheduler. Call Start to launch its workers.
func New(st *store.Store, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:   st,
		log:     opts.Logger.With().Str("component", "jobs").Logger(),
		workers: opts.Workers,
		queue:   make(chan *task, opts.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(map[uint]*task),
		slots:   make(map[slot]uint),
	}
}

// OnComplete registers fn to be called with every job row that stops.
func (s *Scheduler) OnComplete(fn func(models.Job)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Start launches the worker pool. It is safe to call more than once.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.log.Debug().Int("workers", s.workers).Msg("scheduler started")
}

// Submit records a new running job and queues work for it.
func (s *Scheduler) Submit(ctx context.Context, req Request, work Work) (*Handle, error) {
	if req.Description == "" {
		return nil, fmt.Errorf("jobs: submit: description is required")
	}
	if work == nil {
		return nil, fmt.Errorf("jobs: submit %q: work is required", req.Description)
	}

	t, err := s.register(ctx, req, work)
	if err != nil {
		return nil, err
	}

	metrics.JobsStarted.WithLabelValues(req.Code.String()).Inc()
	metrics.JobsRunning.Inc()
	s.log.Info().Uint("job", t.job.ID).Uint("instance", req.InstanceID).
		Str("code", req.Code.String()).Str("by", req.StartedBy).Msg(req.Description)

	select {
	case s.queue <- t:
	case <-ctx.Done():
		s.requestCancel(t, req.StartedBy)
		s.finish(t, ctx.Err())
	case <-s.ctx.Done():
		s.finish(t, ErrClosed)
	}
	return &Handle{Job: t.job, done: t.done}, nil
}

// register creates the job row and tracks it, reserving the exclusive slot
// when one is requested.
func (s *Scheduler) register(ctx context.Context, req Request, work Work) (*task, error) {
	key := slot{instanceID: req.InstanceID, name: req.Exclusive}
	if req.Exclusive != "" {
		s.exclusive.Lock()
		defer s.exclusive.Unlock()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if req.Exclusive != "" {
		if holder, ok := s.slots[key]; ok {
			s.mu.Unlock()
			return nil, &ConflictError{InstanceID: req.InstanceID, Slot: req.Exclusive, JobID: holder}
		}
	}
	s.mu.Unlock()

	rightsType, right := req.CancelRight.Fields()
	job, err := s.store.CreateJob(ctx, models.Job{
		Description:      req.Description,
		JobCode:          req.Code,
		StartedAt:        time.Now().UTC(),
		InstanceID:       req.InstanceID,
		StartedBy:        req.StartedBy,
		CancelRightsType: rightsType,
		CancelRight:      right,
	})
	if err != nil {
		return nil, fmt.Errorf("jobs: submit %q: %w", req.Description, err)
	}

	taskCtx, cancel := context.WithCancel(s.ctx)
	t := &task{
		job:    job,
		req:    req,
		work:   work,
		ctx:    taskCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.tasks[job.ID] = t
	if req.Exclusive != "" {
		s.slots[key] = job.ID
	}
	s.mu.Unlock()
	return t, nil
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case t := <-s.queue:
			s.run(t)
		}
	}
}

func (s *Scheduler) run(t *task) {
	t.mu.Lock()
	if t.cancelRequested || t.ctx.Err() != nil {
		t.mu.Unlock()
		s.finish(t, context.Canceled)
		return
	}
	t.started = true
	t.mu.Unlock()

	s.finish(t, s.execute(t))
}

func (s *Scheduler) execute(t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Uint("job", t.job.ID).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("job panicked")
			err = Errorf(models.ErrorCodeInternal, "panic: %v", r)
		}
	}()
	return t.work(t.ctx, t.job, t)
}

// finish writes the terminal state for t exactly once. Work interrupted by
// scheduler shutdown leaves the row running for the next startup to
// reconcile.
func (s *Scheduler) finish(t *task, err error) {
	t.once.Do(func() {
		t.mu.Lock()
		requested, by := t.cancelRequested, t.cancelledBy
		t.mu.Unlock()

		log := s.log.With().Uint("job", t.job.ID).Str("code", t.req.Code.String()).Logger()
		final := t.job
		outcome := ""

		shutdown := s.ctx.Err() != nil && !requested &&
			(errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed))
		if shutdown {
			log.Warn().Msg("job interrupted by shutdown; left running for recovery")
		} else {
			c := store.Completion{StoppedAt: time.Now().UTC()}
			switch {
			case err == nil:
				outcome = "succeeded"
			case requested && errors.Is(err, context.Canceled):
				c.Cancelled = true
				c.CancelledBy = by
				outcome = "cancelled"
			default:
				code := CodeOf(err)
				c.ErrorCode = &code
				c.ExceptionDetails = err.Error()
				outcome = "failed"
			}

			writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			job, _, werr := s.store.CompleteJob(writeCtx, t.job.ID, c)
			cancel()
			if werr != nil {
				log.Error().Err(werr).Msg("failed to record job completion")
			} else {
				final = job
			}

			ev := log.Info()
			if outcome == "failed" {
				ev = log.Warn().Str("error_code", c.ErrorCode.String()).Str("error", c.ExceptionDetails)
			}
			ev.Str("outcome", outcome).Msg("job stopped")
			metrics.JobsCompleted.WithLabelValues(t.req.Code.String(), outcome).Inc()
			if final.StoppedAt != nil {
				metrics.JobDuration.WithLabelValues(t.req.Code.String()).Observe(final.StoppedAt.Sub(final.StartedAt).Seconds())
			}
		}
		metrics.JobsRunning.Dec()
		t.cancel()

		s.mu.Lock()
		delete(s.tasks, t.job.ID)
		if t.req.Exclusive != "" {
			key := slot{instanceID: t.req.InstanceID, name: t.req.Exclusive}
			if s.slots[key] == t.job.ID {
				delete(s.slots, key)
			}
		}
		listeners := append([]func(models.Job){}, s.listeners...)
		s.mu.Unlock()

		t.mu.Lock()
		t.final = final
		t.mu.Unlock()
		close(t.done)

		if outcome != "" {
			for _, fn := range listeners {
				fn(final)
			}
		}
	})
}

func (s *Scheduler) lookup(id uint) *task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id]
}

func (s *Scheduler) get(ctx context.Context, id uint) (models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Job{}, fmt.Errorf("jobs: job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("jobs: job %d: %w", id, err)
	}
	return job, nil
}

// requestCancel marks t as cancelled by caller and reports whether its work
// had already started.
func (s *Scheduler) requestCancel(t *task, caller string) bool {
	t.mu.Lock()
	if !t.cancelRequested {
		t.cancelRequested = true
		t.cancelledBy = caller
	}
	started := t.started
	t.mu.Unlock()
	t.cancel()
	return started
}

// Cancel stops a running job on behalf of caller and returns its terminal
// row. Cancelling a stopped job returns its row unchanged.
func (s *Scheduler) Cancel(ctx context.Context, id uint, caller rights.Caller) (models.Job, error) {
	job, err := s.get(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if !rights.FromFields(job.CancelRightsType, job.CancelRight).Satisfied(caller.Rights) {
		return models.Job{}, fmt.Errorf("jobs: cancel job %d as %s: %w", id, caller.Name, ErrForbidden)
	}
	if !job.Running() {
		return job, nil
	}

	t := s.lookup(id)
	if t == nil {
		// Running row without live work: nothing to interrupt.
		done, _, err := s.store.CompleteJob(ctx, id, store.Completion{Cancelled: true, CancelledBy: caller.Name})
		if err != nil {
			return models.Job{}, fmt.Errorf("jobs: cancel job %d: %w", id, err)
		}
		return done, nil
	}

	if !s.requestCancel(t, caller.Name) {
		s.finish(t, context.Canceled)
	}
	select {
	case <-t.done:
	case <-ctx.Done():
		return job, ctx.Err()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.final, nil
}

// Await blocks until the job stops and returns its terminal row.
func (s *Scheduler) Await(ctx context.Context, id uint) (models.Job, error) {
	if t := s.lookup(id); t != nil {
		select {
		case <-t.done:
		case <-ctx.Done():
			return models.Job{}, ctx.Err()
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.final, nil
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		job, err := s.get(ctx, id)
		if err != nil || !job.Running() {
			return job, err
		}
		select {
		case <-ctx.Done():
			return models.Job{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Run submits work and waits for it to stop.
func (s *Scheduler) Run(ctx context.Context, req Request, work Work) (models.Job, error) {
	h, err := s.Submit(ctx, req, work)
	if err != nil {
		return models.Job{}, err
	}
	return s.Await(ctx, h.Job.ID)
}

// Status returns the job row with live progress for running jobs.
func (s *Scheduler) Status(ctx context.Context, id uint) (Status, error) {
	job, err := s.get(ctx, id)
	if err != nil {
		return Status{}, err
	}
	st := Status{Job: job}
	if t := s.lookup(id); t != nil {
		t.mu.Lock()
		st.Stage, st.Percent = t.stage, t.percent
		t.mu.Unlock()
	}
	if job.Succeeded() {
		st.Percent = 100
	}
	return st, nil
}

// Holder returns the id of the job holding an exclusive slot, if any.
func (s *Scheduler) Holder(instanceID uint, name string) (uint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.slots[slot{instanceID: instanceID, name: name}]
	return id, ok
}

// Shutdown stops accepting work and waits for the workers to exit. Jobs
// still executing are interrupted and their rows stay running.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("jobs: shutdown: %w", ctx.Err())
	}

	// Release waiters on work that never reached a worker.
	for {
		select {
		case t := <-s.queue:
			s.finish(t, ErrClosed)
		default:
			s.log.Debug().Msg("scheduler stopped")
			return nil
		}
	}
}
