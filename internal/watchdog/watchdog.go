// Package watchdog supervises the server process of one instance.
//
// A Watchdog launches the server against the instance's active build,
// waits for it to present its access identifier over the control port, and
// then monitors it: periodic health checks, crash handling and reboot
// states requested through the topic channel. Everything needed to find
// the process again is persisted as ReattachInformation, so a restarted
// daemon can adopt a server that kept running without it.
//
// Commands are serialized by a single operation token. A command that
// arrives while another is in flight fails with ErrBusy instead of
// waiting. Network I/O never happens with the watchdog's lock held.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/engine"
	"github.com/zulandar/roundhouse/internal/jobs"
	"github.com/zulandar/roundhouse/internal/metrics"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/process"
	"github.com/zulandar/roundhouse/internal/store"
	"github.com/zulandar/roundhouse/internal/topic"
)

const (
	defaultStartupTimeout = 60 * time.Second
	defaultStopGrace      = 15 * time.Second
	defaultMisses         = 3
)

// Options configures a Watchdog.
type Options struct {
	Instance models.Instance
	Store    *store.Store
	// Jobs runs the restarts the watchdog initiates on its own.
	Jobs     *jobs.Scheduler
	Launcher process.Launcher
	// Dumper is optional; without it CreateDump fails.
	Dumper      process.Dumper
	Engine      config.EngineConfig
	HostVersion string

	// HandshakeInterval is the startup handshake poll period.
	HandshakeInterval time.Duration
	// HealthInterval replaces the instance's HealthCheckSeconds period when
	// set. A zero HealthCheckSeconds still disables health checks.
	HealthInterval time.Duration
	// StopGrace is how long a terminated server has before it is killed.
	StopGrace time.Duration

	// OnStateChange is called with the watchdog's lock held after every
	// transition. It must not call back into the Watchdog.
	OnStateChange func(Status)
	Logger        zerolog.Logger
}

// Watchdog supervises one instance's server process.
type Watchdog struct {
	opts Options
	inst models.Instance
	log  zerolog.Logger

	mu       sync.Mutex
	state    State
	busy     string
	closed   bool
	misses   int
	proc     process.Handle
	info     models.ReattachInformation
	settings models.DreamDaemonSettings
	client   *topic.Client
	stopMon  context.CancelFunc
	monDone  chan struct{}
	// pending is a build that arrived while another operation held the
	// token. It is applied when the token is released.
	pending *models.CompileJob
}

// New returns an Offline watchdog for opts.Instance.
func New(opts Options) *Watchdog {
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}
	w := &Watchdog{
		opts:  opts,
		inst:  opts.Instance,
		log:   opts.Logger.With().Str("component", "watchdog").Uint("instance", opts.Instance.ID).Logger(),
		state: StateOffline,
	}
	metrics.SetWatchdogState(w.inst.ID, string(StateOffline), allStates)
	return w
}

// InstanceID returns the supervised instance's id.
func (w *Watchdog) InstanceID() uint { return w.inst.ID }

// Status returns a snapshot of the watchdog.
func (w *Watchdog) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.statusLocked()
}

func (w *Watchdog) statusLocked() Status {
	st := Status{
		InstanceID:         w.inst.ID,
		State:              w.state,
		Health:             HealthHealthy,
		MissedHealthChecks: w.misses,
		Operation:          w.busy,
	}
	if w.misses > 0 {
		st.Health = HealthFailing
	}
	if w.proc != nil {
		st.PID = w.proc.PID()
		st.CompileJobID = w.info.CompileJobID
		st.InitialCompileJobID = w.info.InitialCompileJobID
		st.RebootState = w.info.RebootState
		st.SecurityLevel = w.info.LaunchSecurityLevel
		st.Port = w.info.Port
	}
	return st
}

// setState must be called with w.mu held.
func (w *Watchdog) setState(s State) {
	if w.state == s {
		return
	}
	prev := w.state
	w.state = s
	if s != StateRunning {
		w.misses = 0
	}
	metrics.SetWatchdogState(w.inst.ID, string(s), allStates)
	w.log.Info().Str("from", string(prev)).Str("to", string(s)).Msg("watchdog state changed")
	if w.opts.OnStateChange != nil {
		w.opts.OnStateChange(w.statusLocked())
	}
}

func (w *Watchdog) transition(s State) {
	w.mu.Lock()
	w.setState(s)
	w.mu.Unlock()
}

// begin claims the operation token for op. When allowed is non-empty the
// watchdog must be in one of those states.
func (w *Watchdog) begin(op string, allowed ...State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.busy != "" {
		return fmt.Errorf("watchdog: %s rejected during %s: %w", op, w.busy, ErrBusy)
	}
	if len(allowed) > 0 && !slices.Contains(allowed, w.state) {
		if w.proc != nil {
			return fmt.Errorf("watchdog: %s: %w", op, ErrAlreadyRunning)
		}
		return fmt.Errorf("watchdog: %s: %w", op, ErrNotRunning)
	}
	w.busy = op
	return nil
}

// require checks the state for op once the token is held.
func (w *Watchdog) require(op string, allowed ...State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(allowed) == 0 || slices.Contains(allowed, w.state) {
		return nil
	}
	if w.proc != nil {
		return fmt.Errorf("watchdog: %s: %w", op, ErrAlreadyRunning)
	}
	return fmt.Errorf("watchdog: %s: %w", op, ErrNotRunning)
}

// end releases the operation token and hands any build that arrived in the
// meantime to the running server.
func (w *Watchdog) end() {
	w.mu.Lock()
	w.busy = ""
	cj := w.pending
	w.pending = nil
	running := w.proc != nil && !w.closed
	w.mu.Unlock()
	if cj != nil && running {
		go w.applyPending(*cj)
	}
}

// Launch starts the server against the instance's build and waits for its
// handshake.
func (w *Watchdog) Launch(ctx context.Context) error {
	r, err := w.Reserve(OpLaunch)
	if err != nil {
		return err
	}
	return r.Launch(ctx)
}

// start launches a fresh process. The caller holds the operation token.
// Any failure leaves the watchdog Offline with no reattach row.
func (w *Watchdog) start(ctx context.Context) (err error) {
	defer func() {
		if err == nil {
			return
		}
		if delErr := w.opts.Store.DeleteReattach(context.WithoutCancel(ctx), w.inst.ID); delErr != nil {
			w.log.Warn().Err(delErr).Msg("failed to clear reattach info")
		}
		w.transition(StateOffline)
		w.log.Error().Err(err).Msg("launch failed")
	}()

	settings, err := w.opts.Store.Settings(ctx, w.inst.ID)
	if err != nil {
		return fmt.Errorf("watchdog: %w", err)
	}
	dd := settings.DreamDaemon
	cj, dmb, err := w.resolveBuild(ctx, dd)
	if err != nil {
		return err
	}

	security := dd.SecurityLevel
	if cj.MinimumSecurityLevel > security {
		w.log.Info().Stringer("configured", security).Stringer("required", cj.MinimumSecurityLevel).
			Msg("raising launch security level for build")
		security = cj.MinimumSecurityLevel
	}

	var logPath string
	if dd.LogOutput {
		dir := filepath.Join(w.inst.Path, engine.LogsDir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("watchdog: %w", err)
		}
		logPath = filepath.Join(dir, "server-"+time.Now().UTC().Format("20060102-150405")+".log")
	}

	accessID := uuid.NewString()
	spec, err := engine.ServerSpec(engine.ServerOptions{
		ServerPath:           w.opts.Engine.ServerPath,
		DMB:                  dmb,
		Dir:                  filepath.Dir(dmb),
		Port:                 dd.Port,
		Security:             security,
		Visibility:           dd.Visibility,
		MapThreads:           dd.MapThreads,
		Profiler:             dd.StartProfiler,
		Minidumps:            dd.Minidumps,
		LogPath:              logPath,
		AdditionalParameters: dd.AdditionalParameters,
		AccessIdentifier:     accessID,
		ControlPort:          dd.ControlPort(),
		InstanceName:         w.inst.Name,
		HostVersion:          w.opts.HostVersion,
	})
	if err != nil {
		return fmt.Errorf("watchdog: %w", err)
	}

	h, err := w.opts.Launcher.Launch(ctx, spec)
	if err != nil {
		return fmt.Errorf("watchdog: launch server: %w", err)
	}
	w.log.Info().Int("pid", h.PID()).Uint("compile_job", cj.ID).Uint16("port", dd.Port).Msg("server launched")

	startup := time.Duration(dd.StartupTimeoutSeconds) * time.Second
	if startup <= 0 {
		startup = defaultStartupTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, startup)
	defer cancel()
	client := topic.NewClient(dd.ControlPort(), topicTimeout(dd))
	if _, err := client.AwaitHandshake(hctx, accessID, w.opts.HandshakeInterval, h.Done()); err != nil {
		if !errors.Is(err, topic.ErrExited) {
			if killErr := h.Kill(); killErr != nil {
				w.log.Warn().Err(killErr).Int("pid", h.PID()).Msg("failed to kill server")
			}
		}
		switch {
		case errors.Is(err, topic.ErrIdentifierMismatch), errors.Is(err, topic.ErrRejected):
			return jobs.Wrap(models.ErrorCodeHandshakeRejected, fmt.Errorf("watchdog: %w", err))
		case errors.Is(err, topic.ErrExited):
			return jobs.Errorf(models.ErrorCodeProcessCrashed, "watchdog: server exited during startup: %v", h.Err())
		case ctx.Err() != nil:
			return ctx.Err()
		}
		return jobs.Wrap(models.ErrorCodeStartupTimeout, fmt.Errorf("watchdog: startup: %w", err))
	}

	info, err := w.opts.Store.SaveReattach(ctx, models.ReattachInformation{
		InstanceID:          w.inst.ID,
		AccessIdentifier:    accessID,
		ProcessID:           h.PID(),
		Port:                dd.Port,
		TopicPort:           dd.TopicPort,
		RebootState:         models.RebootNormal,
		LaunchSecurityLevel: security,
		LaunchVisibility:    dd.Visibility,
		CompileJobID:        cj.ID,
		InitialCompileJobID: cj.ID,
	})
	if err != nil {
		if killErr := h.Kill(); killErr != nil {
			w.log.Warn().Err(killErr).Int("pid", h.PID()).Msg("failed to kill server")
		}
		return fmt.Errorf("watchdog: %w", err)
	}
	w.attach(h, info, dd, client)
	return nil
}

// resolveBuild picks the pinned build, else the latest one. The latest
// build runs through the Live link so a reboot picks up later deployments.
func (w *Watchdog) resolveBuild(ctx context.Context, dd models.DreamDaemonSettings) (models.CompileJob, string, error) {
	if dd.PinnedCompileJobID != nil {
		cj, err := w.opts.Store.GetCompileJob(ctx, *dd.PinnedCompileJobID)
		if errors.Is(err, store.ErrNotFound) {
			return models.CompileJob{}, "", jobs.Errorf(models.ErrorCodeNoDeployment, "watchdog: pinned compile job %d not found", *dd.PinnedCompileJobID)
		}
		if err != nil {
			return models.CompileJob{}, "", fmt.Errorf("watchdog: %w", err)
		}
		return cj, engine.DMBPath(engine.BuildDir(w.inst.Path, cj.DirectoryName), cj.ProjectName), nil
	}
	cj, err := w.opts.Store.LatestCompileJob(ctx, w.inst.ID)
	if errors.Is(err, store.ErrNotFound) {
		return models.CompileJob{}, "", ErrNoDeployment
	}
	if err != nil {
		return models.CompileJob{}, "", fmt.Errorf("watchdog: %w", err)
	}
	return cj, engine.DMBPath(engine.LivePath(w.inst.Path), cj.ProjectName), nil
}

// attach makes h the supervised process and starts monitoring it. After
// Shutdown the handle is released instead; its reattach row is already
// persisted.
func (w *Watchdog) attach(h process.Handle, info models.ReattachInformation, dd models.DreamDaemonSettings, client *topic.Client) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		h.Release()
		return
	}
	w.proc, w.info, w.settings, w.client = h, info, dd, client
	w.misses = 0
	if w.pending != nil && w.pending.ID <= info.CompileJobID {
		w.pending = nil
	}
	w.setState(StateRunning)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w.stopMon, w.monDone = cancel, done
	go func() {
		defer close(done)
		w.monitor(ctx, h)
	}()
}

// detach stops monitoring and returns the supervised process, if any.
// It must not be called from the monitor goroutine.
func (w *Watchdog) detach() process.Handle {
	w.mu.Lock()
	h := w.proc
	w.proc, w.client = nil, nil
	cancel, done := w.stopMon, w.monDone
	w.stopMon, w.monDone = nil, nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return h
}

func (w *Watchdog) terminate(h process.Handle) {
	select {
	case <-h.Done():
		return
	default:
	}
	if err := h.Terminate(w.opts.StopGrace); err != nil {
		w.log.Warn().Err(err).Int("pid", h.PID()).Msg("failed to terminate server")
	}
}

// Stop ends the server. A soft stop asks the server to shut down at its
// next safe reboot point and returns; a hard stop terminates it now. Hard
// stops are idempotent.
func (w *Watchdog) Stop(ctx context.Context, soft bool) error {
	op := OpStop
	if soft {
		op = OpSoftStop
	}
	r, err := w.Reserve(op)
	if err != nil {
		return err
	}
	return r.Stop(ctx)
}

func (w *Watchdog) hardStop(ctx context.Context) error {
	if h := w.detach(); h != nil {
		w.terminate(h)
		w.log.Info().Int("pid", h.PID()).Msg("server stopped")
	}
	if err := w.opts.Store.DeleteReattach(ctx, w.inst.ID); err != nil {
		return fmt.Errorf("watchdog: stop: %w", err)
	}
	w.mu.Lock()
	w.info = models.ReattachInformation{}
	w.setState(StateStopped)
	w.mu.Unlock()
	return nil
}

// Restart relaunches the server. A soft restart asks the server to restart
// at its next safe reboot point and returns; the watchdog relaunches it
// when it exits.
func (w *Watchdog) Restart(ctx context.Context, soft bool) error {
	op := OpRestart
	if soft {
		op = OpSoftRestart
	}
	r, err := w.Reserve(op)
	if err != nil {
		return err
	}
	return r.Restart(ctx)
}

// relaunch replaces the current process with a fresh one. The caller holds
// the operation token.
func (w *Watchdog) relaunch(ctx context.Context, dump bool) error {
	w.transition(StateRestarting)
	if dump {
		if path, err := w.dump(ctx); err != nil {
			w.log.Warn().Err(err).Msg("dump before restart failed")
		} else {
			w.log.Info().Str("path", path).Msg("dumped unresponsive server")
		}
	}
	if h := w.detach(); h != nil {
		w.terminate(h)
	}
	return w.start(ctx)
}

// signalReboot records and sends the reboot state the server acts on at
// its next safe point. The state is persisted before it is sent so an exit
// racing the reply is classified correctly. The caller holds the token.
func (w *Watchdog) signalReboot(ctx context.Context, op string, state models.RebootState) error {
	w.mu.Lock()
	info, client := w.info, w.client
	previous := info.RebootState
	info.RebootState = state
	w.info.RebootState = state
	w.mu.Unlock()

	if _, err := w.opts.Store.SaveReattach(ctx, info); err != nil {
		w.restoreRebootState(info.ProcessID, previous)
		return fmt.Errorf("watchdog: %s: %w", op, err)
	}
	if err := client.SetRebootState(ctx, info.AccessIdentifier, state); err != nil {
		w.restoreRebootState(info.ProcessID, previous)
		info.RebootState = previous
		if _, saveErr := w.opts.Store.SaveReattach(context.WithoutCancel(ctx), info); saveErr != nil {
			w.log.Warn().Err(saveErr).Msg("failed to restore reboot state")
		}
		return fmt.Errorf("watchdog: %s: %w", op, err)
	}
	w.log.Info().Stringer("reboot_state", state).Msg("reboot state sent")
	return nil
}

func (w *Watchdog) restoreRebootState(pid int, state models.RebootState) {
	w.mu.Lock()
	if w.proc != nil && w.info.ProcessID == pid {
		w.info.RebootState = state
	}
	w.mu.Unlock()
}

// Reattach adopts the process described by the instance's persisted
// reattach row. On failure the row is deleted, the watchdog goes Offline
// and the process, if it still exists, is left alone.
func (w *Watchdog) Reattach(ctx context.Context) error {
	if err := w.begin("reattach", StateOffline); err != nil {
		return err
	}
	defer w.end()
	w.transition(StateReattachPending)

	info, err := w.opts.Store.GetReattach(ctx, w.inst.ID)
	if err != nil {
		w.transition(StateOffline)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoReattachInfo
		}
		return fmt.Errorf("watchdog: reattach: %w", err)
	}
	settings, err := w.opts.Store.Settings(ctx, w.inst.ID)
	if err != nil {
		w.transition(StateOffline)
		return fmt.Errorf("watchdog: reattach: %w", err)
	}
	dd := settings.DreamDaemon

	h, err := w.opts.Launcher.Adopt(info.ProcessID)
	if err != nil {
		return w.reattachFailed(ctx, nil, err)
	}
	client := topic.NewClient(info.ControlPort(), topicTimeout(dd))
	hctx, cancel := context.WithTimeout(ctx, topicTimeout(dd))
	_, err = client.Handshake(hctx, info.AccessIdentifier)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			// Interrupted, not refuted: keep the row for the next attempt.
			h.Release()
			w.transition(StateOffline)
			return ctx.Err()
		}
		return w.reattachFailed(ctx, h, err)
	}

	w.attach(h, info, dd, client)
	w.log.Info().Int("pid", info.ProcessID).Uint("compile_job", info.CompileJobID).Msg("reattached to running server")
	return nil
}

func (w *Watchdog) reattachFailed(ctx context.Context, h process.Handle, cause error) error {
	if h != nil {
		h.Release()
	}
	if err := w.opts.Store.DeleteReattach(context.WithoutCancel(ctx), w.inst.ID); err != nil {
		w.log.Warn().Err(err).Msg("failed to clear stale reattach info")
	}
	w.transition(StateOffline)
	w.log.Warn().Err(cause).Msg("reattach failed")
	return jobs.Wrap(models.ErrorCodeReattachFailed, fmt.Errorf("watchdog: reattach: %w", cause))
}

// ApplyCompileJob makes cj the active build of the running server and
// tells the server to load it at its next reboot. The build the process
// was launched with is left recorded as its initial build.
// A watchdog busy with another operation keeps cj and applies it once
// that operation ends.
func (w *Watchdog) ApplyCompileJob(ctx context.Context, cj models.CompileJob) error {
	for {
		err := w.begin("apply-build", StateRunning)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrBusy) {
			return err
		}
		if w.deferBuild(cj) {
			return nil
		}
	}
	defer w.end()

	w.mu.Lock()
	info, client := w.info, w.client
	w.mu.Unlock()
	if cj.MinimumSecurityLevel > info.LaunchSecurityLevel {
		w.log.Warn().Uint("compile_job", cj.ID).Stringer("required", cj.MinimumSecurityLevel).
			Stringer("running", info.LaunchSecurityLevel).Msg("build needs a higher security level; restart to apply it")
	}

	info.CompileJobID = cj.ID
	if _, err := w.opts.Store.SaveReattach(ctx, info); err != nil {
		return fmt.Errorf("watchdog: apply compile job %d: %w", cj.ID, err)
	}
	w.mu.Lock()
	if w.proc != nil && w.info.ProcessID == info.ProcessID {
		w.info.CompileJobID = cj.ID
	}
	w.mu.Unlock()

	if err := client.NotifyDeploy(ctx, info.AccessIdentifier, cj.ID, cj.DirectoryName); err != nil {
		return fmt.Errorf("watchdog: notify server of compile job %d: %w", cj.ID, err)
	}
	w.log.Info().Uint("compile_job", cj.ID).Msg("new build applied")
	return nil
}

// CreateDump writes a dump of the running server under the instance's
// Diagnostics directory and returns its path.
func (w *Watchdog) CreateDump(ctx context.Context) (string, error) {
	r, err := w.Reserve(OpDump)
	if err != nil {
		return "", err
	}
	return r.CreateDump(ctx)
}

// deferBuild keeps cj for when the current operation ends. It reports
// false when the token was released in the meantime.
func (w *Watchdog) deferBuild(cj models.CompileJob) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.busy == "" || w.closed {
		return false
	}
	if w.pending == nil || cj.ID > w.pending.ID {
		w.pending = &cj
	}
	w.log.Info().Uint("compile_job", cj.ID).Str("operation", w.busy).Msg("new build deferred until operation ends")
	return true
}

func (w *Watchdog) applyPending(cj models.CompileJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.ApplyCompileJob(ctx, cj); err != nil && !errors.Is(err, ErrNotRunning) {
		w.log.Warn().Err(err).Uint("compile_job", cj.ID).Msg("deferred build not applied")
	}
}

func (w *Watchdog) dump(ctx context.Context) (string, error) {
	w.mu.Lock()
	h := w.proc
	w.mu.Unlock()
	if h == nil {
		return "", ErrNotRunning
	}
	if w.opts.Dumper == nil {
		return "", errors.New("watchdog: no dump command configured")
	}
	dir := filepath.Join(w.inst.Path, engine.DiagnosticsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("watchdog: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("dump-%s-%d", time.Now().UTC().Format("20060102-150405"), h.PID()))
	if err := w.opts.Dumper.Dump(ctx, h.PID(), path); err != nil {
		return "", fmt.Errorf("watchdog: dump pid %d: %w", h.PID(), err)
	}
	return path, nil
}

// Shutdown detaches from the server for a daemon shutdown. The reattach
// row is flushed before the process is released so the next daemon can
// adopt it. The server keeps running.
func (w *Watchdog) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	info := w.info
	w.mu.Unlock()

	h := w.detach()
	if h == nil {
		return nil
	}
	var err error
	if _, saveErr := w.opts.Store.SaveReattach(ctx, info); saveErr != nil {
		err = fmt.Errorf("watchdog: flush reattach info: %w", saveErr)
	}
	h.Release()
	w.log.Info().Int("pid", h.PID()).Msg("released server for reattach")
	return err
}

func topicTimeout(dd models.DreamDaemonSettings) time.Duration {
	if dd.TopicRequestTimeoutMs > 0 {
		return time.Duration(dd.TopicRequestTimeoutMs) * time.Millisecond
	}
	return topic.DefaultTimeout
}
