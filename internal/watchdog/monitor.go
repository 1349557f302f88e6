package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/roundhouse/internal/jobs"
	"github.com/zulandar/roundhouse/internal/metrics"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/process"
	"github.com/zulandar/roundhouse/internal/rights"
)

// monitor watches h until it exits, a health failure hands it to recovery,
// or ctx is cancelled by detach.
func (w *Watchdog) monitor(ctx context.Context, h process.Handle) {
	w.mu.Lock()
	interval := w.healthInterval(w.settings)
	w.mu.Unlock()

	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.Done():
			if next := w.exited(h); next != nil {
				next()
			}
			return
		case <-tick:
			if w.checkHealth(ctx, h) {
				return
			}
		}
	}
}

func (w *Watchdog) healthInterval(dd models.DreamDaemonSettings) time.Duration {
	if dd.HealthCheckSeconds == 0 {
		return 0
	}
	if w.opts.HealthInterval > 0 {
		return w.opts.HealthInterval
	}
	return time.Duration(dd.HealthCheckSeconds) * time.Second
}

// checkHealth sends one health request to h. It reports whether the miss
// limit was reached and recovery took over. A check cut short by ctx does
// not count as a miss.
func (w *Watchdog) checkHealth(ctx context.Context, h process.Handle) bool {
	w.mu.Lock()
	if w.proc != h {
		w.mu.Unlock()
		return false
	}
	client, accessID, dd := w.client, w.info.AccessIdentifier, w.settings
	w.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, topicTimeout(dd))
	err := client.Health(cctx, accessID)
	cancel()
	if err != nil && ctx.Err() != nil {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.proc != h {
		return false
	}
	if err == nil {
		if w.misses > 0 {
			w.log.Info().Int("misses", w.misses).Msg("health checks recovered")
		}
		w.misses = 0
		return false
	}

	w.misses++
	metrics.HealthCheckMisses.WithLabelValues(metrics.Instance(w.inst.ID)).Inc()
	limit := int(dd.HealthCheckMisses)
	if limit <= 0 {
		limit = defaultMisses
	}
	w.log.Warn().Err(err).Int("misses", w.misses).Int("limit", limit).Msg("health check missed")
	if w.misses < limit {
		return false
	}
	if w.busy != "" {
		w.log.Warn().Str("operation", w.busy).Msg("health limit reached during another operation; restart deferred")
		return false
	}

	w.busy = "recover"
	w.setState(StateRestarting)
	metrics.WatchdogRestarts.WithLabelValues(metrics.Instance(w.inst.ID), "health").Inc()
	go w.recover(fmt.Sprintf("Restart server after %d missed health checks", limit), dd.DumpOnHealthCheckRestart)
	return true
}

// exited handles h stopping on its own and returns follow-up work to run
// once the lock is released. Exits the watchdog caused itself are ignored
// because the handle was detached first.
func (w *Watchdog) exited(h process.Handle) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.proc != h {
		return nil
	}
	reboot := w.info.RebootState
	exitErr := h.Err()
	w.proc, w.client = nil, nil
	if w.stopMon != nil {
		w.stopMon()
	}
	w.stopMon, w.monDone = nil, nil
	log := w.log.With().Int("pid", h.PID()).Stringer("reboot_state", reboot).Logger()

	idle := w.busy == ""
	switch {
	case reboot == models.RebootRestart && idle:
		log.Info().Msg("server exited for soft restart")
		w.busy = "recover"
		w.setState(StateRestarting)
		metrics.WatchdogRestarts.WithLabelValues(metrics.Instance(w.inst.ID), "soft").Inc()
		return func() { w.recover("Relaunch server after soft restart", false) }
	case reboot == models.RebootNormal && w.settings.AutoStart && idle:
		log.Warn().AnErr("exit", exitErr).Msg("server crashed; restarting")
		w.busy = "recover"
		w.setState(StateRestarting)
		metrics.WatchdogRestarts.WithLabelValues(metrics.Instance(w.inst.ID), "crash").Inc()
		return func() { w.recover("Restart server after crash", false) }
	}

	// Hold the token while the row is cleared so a new launch cannot have
	// its row deleted from under it.
	if idle {
		w.busy = "cleanup"
	}
	w.info = models.ReattachInformation{}
	crashed := reboot != models.RebootShutdown
	if crashed {
		log.Error().AnErr("exit", exitErr).Msg("server exited unexpectedly")
		w.setState(StateOffline)
	} else {
		log.Info().Msg("server shut down at safe point")
		w.setState(StateStopped)
	}
	return func() {
		w.forget()
		if idle {
			w.end()
		}
		if crashed {
			w.reportCrash(exitErr)
		}
	}
}

// recover relaunches the server in a system job. The caller has claimed
// the operation token; the job releases it.
func (w *Watchdog) recover(description string, dump bool) {
	_, err := w.opts.Jobs.Submit(context.Background(), jobs.Request{
		InstanceID:  w.inst.ID,
		Code:        models.JobCodeWatchdogRestart,
		Description: description,
		StartedBy:   rights.System.Name,
	}, func(ctx context.Context, _ models.Job, progress jobs.Progress) error {
		defer w.end()
		progress.Report("relaunch", 10)
		return w.relaunch(ctx, dump)
	})
	if err != nil {
		w.log.Error().Err(err).Msg("could not schedule restart")
		w.mu.Lock()
		alive := w.proc != nil
		if alive {
			w.setState(StateRunning)
		} else {
			w.setState(StateOffline)
		}
		w.mu.Unlock()
		if !alive {
			w.forget()
		}
		w.end()
	}
}

// reportCrash records an unattended crash as a failed job.
func (w *Watchdog) reportCrash(exitErr error) {
	_, err := w.opts.Jobs.Submit(context.Background(), jobs.Request{
		InstanceID:  w.inst.ID,
		Code:        models.JobCodeWatchdogCrash,
		Description: "Server process crashed",
		StartedBy:   rights.System.Name,
	}, func(context.Context, models.Job, jobs.Progress) error {
		return jobs.Errorf(models.ErrorCodeProcessCrashed, "server exited unexpectedly: %v", exitErr)
	})
	if err != nil {
		w.log.Error().Err(err).Msg("could not record crash")
	}
}

func (w *Watchdog) forget() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.opts.Store.DeleteReattach(ctx, w.inst.ID); err != nil {
		w.log.Warn().Err(err).Msg("failed to clear reattach info")
	}
}
