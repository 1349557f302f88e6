// Package instance owns every managed instance: one watchdog each, the
// shared deployment pipeline and the job scheduler they submit work to.
// It is the entry point the API, the CLI and cron schedules call into.
package instance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/db"
	"github.com/zulandar/roundhouse/internal/deploy"
	"github.com/zulandar/roundhouse/internal/jobs"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/process"
	"github.com/zulandar/roundhouse/internal/repository"
	"github.com/zulandar/roundhouse/internal/rights"
	"github.com/zulandar/roundhouse/internal/store"
	"github.com/zulandar/roundhouse/internal/watchdog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotFound is returned for unknown instance ids.
	ErrNotFound = errors.New("instance: not found")

	// ErrForbidden is returned when the caller lacks the operation's right.
	ErrForbidden = errors.New("instance: caller lacks the required right")

	// ErrOffline is returned when starting an instance that is not online.
	ErrOffline = errors.New("instance: instance is offline")

	// ErrInUse is returned when detaching an instance whose server may
	// still be running.
	ErrInUse = errors.New("instance: server must be stopped first")

	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("instance: manager is shut down")
)

// Events receives lifecycle notifications. Implementations must not block.
type Events interface {
	JobCompleted(job models.Job)
	WatchdogChanged(status watchdog.Status)
}

// Options configures a Manager.
type Options struct {
	Store    *store.Store
	Jobs     *jobs.Scheduler
	Pipeline *deploy.Pipeline
	Launcher process.Launcher
	Dumper   process.Dumper
	Engine   config.EngineConfig
	// HostVersion is announced to servers in their launch parameters.
	HostVersion string
	// Events is optional.
	Events Events
	// Watchdog tunes every watchdog the manager builds. Instance, Store,
	// Jobs, Launcher, Dumper, Engine and Logger are filled in per instance.
	Watchdog watchdog.Options
	Logger   zerolog.Logger
}

// StartResult summarizes what Start found from the previous run.
type StartResult struct {
	Instances   int
	Reattached  int
	AutoStarted int
	Recovered   jobs.RecoverResult
}

// Manager routes operations to the watchdog of the instance they target.
type Manager struct {
	opts  Options
	store *store.Store
	jobs  *jobs.Scheduler
	log   zerolog.Logger

	mu        sync.Mutex
	closed    bool
	watchdogs map[uint]*watchdog.Watchdog
}

// New returns a Manager. The scheduler must be started before Start.
func New(opts Options) *Manager {
	m := &Manager{
		opts:      opts,
		store:     opts.Store,
		jobs:      opts.Jobs,
		log:       opts.Logger.With().Str("component", "instance").Logger(),
		watchdogs: make(map[uint]*watchdog.Watchdog),
	}
	if opts.Events != nil {
		opts.Jobs.OnComplete(opts.Events.JobCompleted)
	}
	return m
}

// Start builds a watchdog for every stored instance, reattaches to servers
// that survived the previous daemon, closes the jobs it left running and
// finally launches online instances configured to auto start.
func (m *Manager) Start(ctx context.Context) (StartResult, error) {
	var res StartResult
	insts, err := m.store.ListInstances(ctx)
	if err != nil {
		return res, fmt.Errorf("instance: start: %w", err)
	}
	for _, inst := range insts {
		m.add(inst)
	}
	res.Instances = len(insts)

	reattached, err := m.reattachAll(ctx)
	if err != nil {
		return res, fmt.Errorf("instance: start: %w", err)
	}
	for _, ok := range reattached {
		if ok {
			res.Reattached++
		}
	}

	res.Recovered, err = m.jobs.Recover(ctx, func(_ context.Context, job models.Job) bool {
		return reattached[job.InstanceID]
	})
	if err != nil {
		return res, fmt.Errorf("instance: start: %w", err)
	}

	for _, inst := range insts {
		if !inst.Online || reattached[inst.ID] {
			continue
		}
		settings, err := m.store.Settings(ctx, inst.ID)
		if err != nil {
			return res, fmt.Errorf("instance: start: %w", err)
		}
		if !settings.DreamDaemon.AutoStart {
			continue
		}
		if _, err := m.StartInstance(ctx, inst.ID, rights.System); err != nil {
			m.log.Error().Err(err).Uint("instance", inst.ID).Msg("auto start failed")
			continue
		}
		res.AutoStarted++
	}

	m.log.Info().Int("instances", res.Instances).Int("reattached", res.Reattached).
		Int("auto_started", res.AutoStarted).Int("jobs_lost", res.Recovered.Lost).
		Msg("instances started")
	return res, nil
}

// reattachAll adopts every server with persisted reattach information, in
// parallel, each as a WatchdogReattach job. The result maps instance ids to
// whether their server was recovered.
func (m *Manager) reattachAll(ctx context.Context) (map[uint]bool, error) {
	rows, err := m.store.ListReattach(ctx)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	out := make(map[uint]bool, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, row := range rows {
		wd := m.lookup(row.InstanceID)
		if wd == nil {
			if err := m.store.DeleteReattach(ctx, row.InstanceID); err != nil {
				return nil, err
			}
			continue
		}
		g.Go(func() error {
			job, err := m.jobs.Run(gctx, jobs.Request{
				InstanceID:  row.InstanceID,
				Code:        models.JobCodeWatchdogReattach,
				Description: fmt.Sprintf("Reattach to server process %d", row.ProcessID),
				StartedBy:   rights.System.Name,
			}, func(ctx context.Context, _ models.Job, _ jobs.Progress) error {
				return wd.Reattach(ctx)
			})
			if err != nil {
				return fmt.Errorf("reattach instance %d: %w", row.InstanceID, err)
			}
			mu.Lock()
			out[row.InstanceID] = job.Succeeded()
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// add builds and registers the watchdog for inst.
func (m *Manager) add(inst models.Instance) *watchdog.Watchdog {
	opts := m.opts.Watchdog
	opts.Instance = inst
	opts.Store = m.store
	opts.Jobs = m.jobs
	opts.Launcher = m.opts.Launcher
	opts.Dumper = m.opts.Dumper
	opts.Engine = m.opts.Engine
	opts.HostVersion = m.opts.HostVersion
	opts.Logger = m.opts.Logger
	if ev := m.opts.Events; ev != nil {
		opts.OnStateChange = ev.WatchdogChanged
	}
	wd := watchdog.New(opts)

	m.mu.Lock()
	m.watchdogs[inst.ID] = wd
	m.mu.Unlock()
	return wd
}

func allowed(caller rights.Caller, t rights.Type, r rights.Right) bool {
	need := rights.Requirement{Type: t, Right: r}
	return need.Satisfied(caller.Rights)
}

func (m *Manager) lookup(id uint) *watchdog.Watchdog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watchdogs[id]
}

// target resolves an instance and its watchdog after checking caller holds
// the required right.
func (m *Manager) target(ctx context.Context, id uint, caller rights.Caller, need rights.Requirement) (models.Instance, *watchdog.Watchdog, error) {
	if !need.Satisfied(caller.Rights) {
		return models.Instance{}, nil, fmt.Errorf("instance %d: %s needs %s: %w", id, caller.Name, need, ErrForbidden)
	}
	m.mu.Lock()
	closed := m.closed
	wd := m.watchdogs[id]
	m.mu.Unlock()
	if closed {
		return models.Instance{}, nil, ErrClosed
	}
	inst, err := m.store.GetInstance(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && wd == nil) {
		return models.Instance{}, nil, fmt.Errorf("instance %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Instance{}, nil, fmt.Errorf("instance: %w", err)
	}
	return inst, wd, nil
}

// supervise submits a watchdog command as a job. The watchdog's operation
// token is reserved before the job is queued, so a command arriving while
// another is queued or running is rejected instead of queued behind it.
func (m *Manager) supervise(ctx context.Context, wd *watchdog.Watchdog, op string, caller rights.Caller, code models.JobCode, description string, cancel rights.Right, run func(context.Context, *watchdog.Reservation) error) (*jobs.Handle, error) {
	res, err := wd.Reserve(op)
	if err != nil {
		return nil, fmt.Errorf("instance %d: %w", wd.InstanceID(), err)
	}
	h, err := m.jobs.Submit(ctx, jobs.Request{
		InstanceID:  wd.InstanceID(),
		Code:        code,
		Description: description,
		StartedBy:   caller.Name,
		CancelRight: &rights.Requirement{Type: rights.TypeDreamDaemon, Right: cancel},
	}, func(ctx context.Context, _ models.Job, progress jobs.Progress) error {
		progress.Report(code.String(), 10)
		return run(ctx, res)
	})
	if err != nil {
		res.Release()
		return nil, err
	}
	// A job cancelled before a worker picks it up never runs.
	go func() {
		<-h.Done()
		res.Release()
	}()
	return h, nil
}

// StartInstance launches the instance's server.
func (m *Manager) StartInstance(ctx context.Context, id uint, caller rights.Caller) (*jobs.Handle, error) {
	inst, wd, err := m.target(ctx, id, caller, rights.Requirement{Type: rights.TypeDreamDaemon, Right: rights.DreamDaemonStart})
	if err != nil {
		return nil, err
	}
	if !inst.Online {
		return nil, fmt.Errorf("instance %d: %w", id, ErrOffline)
	}
	return m.supervise(ctx, wd, watchdog.OpLaunch, caller, models.JobCodeWatchdogLaunch, "Launch server",
		rights.DreamDaemonShutdown, func(ctx context.Context, r *watchdog.Reservation) error { return r.Launch(ctx) })
}

// StopInstance stops the server. A soft stop asks the server to shut down
// at its next safe point.
func (m *Manager) StopInstance(ctx context.Context, id uint, soft bool, caller rights.Caller) (*jobs.Handle, error) {
	need, desc, op := rights.DreamDaemonShutdown, "Stop server", watchdog.OpStop
	if soft {
		need, desc, op = rights.DreamDaemonSoftShutdown, "Request server shutdown", watchdog.OpSoftStop
	}
	_, wd, err := m.target(ctx, id, caller, rights.Requirement{Type: rights.TypeDreamDaemon, Right: need})
	if err != nil {
		return nil, err
	}
	return m.supervise(ctx, wd, op, caller, models.JobCodeWatchdogStop, desc, rights.DreamDaemonShutdown,
		func(ctx context.Context, r *watchdog.Reservation) error { return r.Stop(ctx) })
}

// RestartInstance restarts the server. A soft restart asks the server to
// reboot at its next safe point.
func (m *Manager) RestartInstance(ctx context.Context, id uint, soft bool, caller rights.Caller) (*jobs.Handle, error) {
	need, desc, op := rights.DreamDaemonRestart, "Restart server", watchdog.OpRestart
	if soft {
		need, desc, op = rights.DreamDaemonSoftRestart, "Request server restart", watchdog.OpSoftRestart
	}
	_, wd, err := m.target(ctx, id, caller, rights.Requirement{Type: rights.TypeDreamDaemon, Right: need})
	if err != nil {
		return nil, err
	}
	return m.supervise(ctx, wd, op, caller, models.JobCodeWatchdogRestart, desc, rights.DreamDaemonShutdown,
		func(ctx context.Context, r *watchdog.Reservation) error { return r.Restart(ctx) })
}

// CreateDump captures a memory dump of the running server.
func (m *Manager) CreateDump(ctx context.Context, id uint, caller rights.Caller) (*jobs.Handle, error) {
	_, wd, err := m.target(ctx, id, caller, rights.Requirement{Type: rights.TypeDreamDaemon, Right: rights.DreamDaemonCreateDump})
	if err != nil {
		return nil, err
	}
	return m.supervise(ctx, wd, watchdog.OpDump, caller, models.JobCodeWatchdogDump, "Create process dump", rights.DreamDaemonCreateDump,
		func(ctx context.Context, r *watchdog.Reservation) error {
			path, err := r.CreateDump(ctx)
			if err != nil {
				return err
			}
			m.log.Info().Uint("instance", id).Str("path", path).Msg("process dump written")
			return nil
		})
}

// Deploy compiles the tracked reference with the test merges active in the
// current revision and activates the result. Only one deployment runs per
// instance; a second fails with *jobs.ConflictError naming the first.
func (m *Manager) Deploy(ctx context.Context, id uint, caller rights.Caller) (*jobs.Handle, error) {
	inst, wd, err := m.target(ctx, id, caller, rights.Requirement{Type: rights.TypeDreamMaker, Right: rights.DreamMakerCompile})
	if err != nil {
		return nil, err
	}
	merges, err := m.activeTestMerges(ctx, inst)
	if err != nil {
		return nil, err
	}
	return m.deploy(ctx, inst, wd, caller, models.JobCodeDeployment, "Deploy", merges, false)
}

// UpdateTestMerges deploys with merges replacing the current test merge
// set. An empty set deploys the bare tracked reference.
func (m *Manager) UpdateTestMerges(ctx context.Context, id uint, merges []repository.TestMergeParameters, caller rights.Caller) (*jobs.Handle, error) {
	if !allowed(caller, rights.TypeRepository, rights.RepositoryMergePullRequest) {
		return nil, fmt.Errorf("instance %d: %s cannot merge pull requests: %w", id, caller.Name, ErrForbidden)
	}
	inst, wd, err := m.target(ctx, id, caller, rights.Requirement{Type: rights.TypeDreamMaker, Right: rights.DreamMakerCompile})
	if err != nil {
		return nil, err
	}
	return m.deploy(ctx, inst, wd, caller, models.JobCodeDeployment,
		fmt.Sprintf("Deploy with %d test merge(s)", len(merges)), merges, true)
}

// AutoUpdate is Deploy as started by the instance's update schedule.
func (m *Manager) AutoUpdate(ctx context.Context, id uint) (*jobs.Handle, error) {
	inst, wd, err := m.target(ctx, id, rights.System, rights.Requirement{Type: rights.TypeDreamMaker, Right: rights.DreamMakerCompile})
	if err != nil {
		return nil, err
	}
	merges, err := m.activeTestMerges(ctx, inst)
	if err != nil {
		return nil, err
	}
	return m.deploy(ctx, inst, wd, rights.System, models.JobCodeAutoUpdate, "Scheduled update", merges, false)
}

func (m *Manager) deploy(ctx context.Context, inst models.Instance, wd *watchdog.Watchdog, caller rights.Caller, code models.JobCode, description string, merges []repository.TestMergeParameters, selectMerges bool) (*jobs.Handle, error) {
	return m.jobs.Submit(ctx, jobs.Request{
		InstanceID:  inst.ID,
		Code:        code,
		Description: description,
		StartedBy:   caller.Name,
		CancelRight: &rights.Requirement{Type: rights.TypeDreamMaker, Right: rights.DreamMakerCancelCompile},
		Exclusive:   deploy.Slot,
	}, func(ctx context.Context, job models.Job, progress jobs.Progress) error {
		_, err := m.opts.Pipeline.Run(ctx, job, progress, deploy.Request{
			Instance:     inst,
			TestMerges:   merges,
			SelectMerges: selectMerges,
			Swapper:      swapper{wd},
		})
		return err
	})
}

// activeTestMerges returns the merges of the instance's current revision,
// pinned to the commits they were merged at.
func (m *Manager) activeTestMerges(ctx context.Context, inst models.Instance) ([]repository.TestMergeParameters, error) {
	if inst.CurrentRevisionID == nil {
		return nil, nil
	}
	rev, err := m.store.GetRevision(ctx, *inst.CurrentRevisionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("instance: %w", err)
	}
	out := make([]repository.TestMergeParameters, 0, len(rev.ActiveTestMerges))
	for _, link := range rev.ActiveTestMerges {
		tm := link.TestMerge
		out = append(out, repository.TestMergeParameters{
			Number:          tm.Number,
			TargetCommitSha: tm.TargetCommitSha,
			Comment:         tm.Comment,
		})
	}
	return out, nil
}

// swapper hands new builds to a running server and ignores the rest; a
// stopped server picks the build up on its next launch.
type swapper struct{ wd *watchdog.Watchdog }

func (s swapper) ApplyCompileJob(ctx context.Context, cj models.CompileJob) error {
	err := s.wd.ApplyCompileJob(ctx, cj)
	if errors.Is(err, watchdog.ErrNotRunning) {
		return nil
	}
	return err
}

// CancelJob cancels a running job on behalf of caller.
func (m *Manager) CancelJob(ctx context.Context, jobID uint, caller rights.Caller) (models.Job, error) {
	return m.jobs.Cancel(ctx, jobID, caller)
}

// GetJobStatus returns a job with its live progress.
func (m *Manager) GetJobStatus(ctx context.Context, jobID uint) (jobs.Status, error) {
	return m.jobs.Status(ctx, jobID)
}

// ListJobs returns an instance's jobs, newest first.
func (m *Manager) ListJobs(ctx context.Context, id uint, runningOnly bool, limit int) ([]models.Job, error) {
	if m.lookup(id) == nil {
		return nil, fmt.Errorf("instance %d: %w", id, ErrNotFound)
	}
	return m.store.ListJobs(ctx, store.JobFilter{InstanceID: id, RunningOnly: runningOnly, Limit: limit})
}

// WatchdogStatus returns a snapshot of the instance's watchdog.
func (m *Manager) WatchdogStatus(id uint) (watchdog.Status, error) {
	wd := m.lookup(id)
	if wd == nil {
		return watchdog.Status{}, fmt.Errorf("instance %d: %w", id, ErrNotFound)
	}
	return wd.Status(), nil
}

// ListInstances returns every instance.
func (m *Manager) ListInstances(ctx context.Context, caller rights.Caller) ([]models.Instance, error) {
	if !allowed(caller, rights.TypeInstanceManager, rights.InstanceList) {
		return nil, fmt.Errorf("instance: %s cannot list instances: %w", caller.Name, ErrForbidden)
	}
	return m.store.ListInstances(ctx)
}

// GetInstance returns one instance.
func (m *Manager) GetInstance(ctx context.Context, id uint, caller rights.Caller) (models.Instance, error) {
	inst, _, err := m.target(ctx, id, caller, rights.Requirement{Type: rights.TypeInstanceManager, Right: rights.InstanceRead})
	return inst, err
}

// CreateInstance stores a new instance, creates its directory and gives it
// a watchdog. New instances start offline unless rows say otherwise.
func (m *Manager) CreateInstance(ctx context.Context, rows db.InstanceRows, caller rights.Caller) (models.Instance, error) {
	if !allowed(caller, rights.TypeInstanceManager, rights.InstanceCreate) {
		return models.Instance{}, fmt.Errorf("instance: %s cannot create instances: %w", caller.Name, ErrForbidden)
	}
	if err := os.MkdirAll(rows.Instance.Path, 0o755); err != nil {
		return models.Instance{}, fmt.Errorf("instance: create %q: %w", rows.Instance.Name, err)
	}
	inst, err := m.store.CreateInstance(ctx, rows)
	if err != nil {
		return models.Instance{}, fmt.Errorf("instance: %w", err)
	}
	m.add(inst)
	m.log.Info().Uint("instance", inst.ID).Str("name", inst.Name).Str("by", caller.Name).Msg("instance created")
	return inst, nil
}

// DetachInstance forgets an instance. Its files, jobs and builds are kept.
// The server must be stopped and no reattach information may remain.
func (m *Manager) DetachInstance(ctx context.Context, id uint, caller rights.Caller) error {
	_, wd, err := m.target(ctx, id, caller, rights.Requirement{Type: rights.TypeInstanceManager, Right: rights.InstanceDetach})
	if err != nil {
		return err
	}
	if st := wd.Status(); st.Operation != "" || (st.State != watchdog.StateOffline && st.State != watchdog.StateStopped) {
		return fmt.Errorf("instance %d: watchdog is %s: %w", id, st.State, ErrInUse)
	}
	if _, err := m.store.GetReattach(ctx, id); err == nil {
		return fmt.Errorf("instance %d: reattach information present: %w", id, ErrInUse)
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("instance: %w", err)
	}
	if err := wd.Shutdown(ctx); err != nil {
		return fmt.Errorf("instance %d: %w", id, err)
	}
	if err := m.store.DeleteInstance(ctx, id); err != nil {
		return fmt.Errorf("instance: %w", err)
	}

	m.mu.Lock()
	delete(m.watchdogs, id)
	m.mu.Unlock()
	m.log.Info().Uint("instance", id).Str("by", caller.Name).Msg("instance detached")
	return nil
}

// SetOnline changes whether an instance may run. Taking a running instance
// offline stops its server; the returned handle is that stop job.
func (m *Manager) SetOnline(ctx context.Context, id uint, online bool, caller rights.Caller) (*jobs.Handle, error) {
	_, wd, err := m.target(ctx, id, caller, rights.Requirement{Type: rights.TypeInstanceManager, Right: rights.InstanceSetOnline})
	if err != nil {
		return nil, err
	}
	if err := m.store.SetOnline(ctx, id, online); err != nil {
		return nil, fmt.Errorf("instance: %w", err)
	}
	m.log.Info().Uint("instance", id).Bool("online", online).Str("by", caller.Name).Msg("online flag changed")
	if online {
		return nil, nil
	}
	switch wd.Status().State {
	case watchdog.StateOffline, watchdog.StateStopped:
		return nil, nil
	}
	return m.supervise(ctx, wd, watchdog.OpStop, rights.System, models.JobCodeWatchdogStop, "Stop server of offline instance",
		rights.DreamDaemonShutdown, func(ctx context.Context, r *watchdog.Reservation) error { return r.Stop(ctx) })
}

// Shutdown releases every watchdog, leaving their servers running with
// reattach information persisted, then stops the scheduler.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	wds := make([]*watchdog.Watchdog, 0, len(m.watchdogs))
	for _, wd := range m.watchdogs {
		wds = append(wds, wd)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, wd := range wds {
		g.Go(func() error { return wd.Shutdown(ctx) })
	}
	werr := g.Wait()
	if werr != nil {
		m.log.Error().Err(werr).Msg("watchdog shutdown failed")
	}
	return errors.Join(werr, m.jobs.Shutdown(ctx))
}
