// Package schedule fires each instance's auto update, start and stop cron
// expressions through the instance manager.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/jobs"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/rights"
)

// Scheduled actions.
const (
	ActionUpdate = "update"
	ActionStart  = "start"
	ActionStop   = "stop"
)

// Target is what scheduled actions call. instance.Manager implements it.
type Target interface {
	AutoUpdate(ctx context.Context, id uint) (*jobs.Handle, error)
	StartInstance(ctx context.Context, id uint, caller rights.Caller) (*jobs.Handle, error)
	StopInstance(ctx context.Context, id uint, soft bool, caller rights.Caller) (*jobs.Handle, error)
}

// Lister supplies the instances to schedule.
type Lister interface {
	ListInstances(ctx context.Context) ([]models.Instance, error)
}

// Entry is one scheduled action.
type Entry struct {
	InstanceID uint
	Action     string
	Expr       string
	Next       time.Time
}

type key struct {
	instanceID uint
	action     string
}

// Runner owns the cron entries of every instance.
type Runner struct {
	target    Target
	instances Lister
	log       zerolog.Logger
	cron      *cron.Cron

	mu      sync.Mutex
	entries map[key]cron.EntryID
	exprs   map[key]string
}

// New returns a stopped Runner.
func New(target Target, instances Lister, log zerolog.Logger) *Runner {
	return &Runner{
		target:    target,
		instances: instances,
		log:       log.With().Str("component", "schedule").Logger(),
		cron:      cron.New(cron.WithParser(config.CronParser), cron.WithLocation(time.UTC)),
		entries:   make(map[key]cron.EntryID),
		exprs:     make(map[key]string),
	}
}

// Start begins firing entries.
func (r *Runner) Start() { r.cron.Start() }

// Stop halts the runner and returns a context done once running actions
// have returned.
func (r *Runner) Stop() context.Context { return r.cron.Stop() }

// Reload replaces every entry with the instances' current expressions.
// Invalid expressions are skipped and reported together.
func (r *Runner) Reload(ctx context.Context) error {
	insts, err := r.instances.ListInstances(ctx)
	if err != nil {
		return fmt.Errorf("schedule: reload: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for k, id := range r.entries {
		r.cron.Remove(id)
		delete(r.entries, k)
		delete(r.exprs, k)
	}

	var errs []error
	for _, inst := range insts {
		for action, expr := range map[string]string{
			ActionUpdate: inst.AutoUpdateCron,
			ActionStart:  inst.AutoStartCron,
			ActionStop:   inst.AutoStopCron,
		} {
			if expr == "" {
				continue
			}
			k := key{instanceID: inst.ID, action: action}
			id, err := r.cron.AddFunc(expr, r.action(k))
			if err != nil {
				errs = append(errs, fmt.Errorf("schedule: instance %d %s %q: %w", inst.ID, action, expr, err))
				continue
			}
			r.entries[k] = id
			r.exprs[k] = expr
		}
	}
	r.log.Debug().Int("entries", len(r.entries)).Msg("schedules loaded")
	return errors.Join(errs...)
}

// action returns the cron func for k.
func (r *Runner) action(k key) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		log := r.log.With().Uint("instance", k.instanceID).Str("action", k.action).Logger()

		var (
			h   *jobs.Handle
			err error
		)
		switch k.action {
		case ActionUpdate:
			h, err = r.target.AutoUpdate(ctx, k.instanceID)
		case ActionStart:
			h, err = r.target.StartInstance(ctx, k.instanceID, rights.System)
		case ActionStop:
			h, err = r.target.StopInstance(ctx, k.instanceID, true, rights.System)
		}
		if err != nil {
			log.Warn().Err(err).Msg("scheduled action not started")
			return
		}
		if h == nil {
			log.Info().Msg("scheduled action sent")
			return
		}
		log.Info().Uint("job", h.Job.ID).Msg("scheduled action started")
	}
}

// Entries lists the scheduled actions ordered by instance and action.
func (r *Runner) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for k, id := range r.entries {
		out = append(out, Entry{
			InstanceID: k.instanceID,
			Action:     k.action,
			Expr:       r.exprs[k],
			Next:       r.cron.Entry(id).Next,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InstanceID != out[j].InstanceID {
			return out[i].InstanceID < out[j].InstanceID
		}
		return out[i].Action < out[j].Action
	})
	return out
}
