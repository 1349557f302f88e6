package watchdog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zulandar/roundhouse/internal/metrics"
	"github.com/zulandar/roundhouse/internal/models"
)

// Operations a command can reserve.
const (
	OpLaunch      = "launch"
	OpStop        = "stop"
	OpSoftStop    = "soft-stop"
	OpRestart     = "restart"
	OpSoftRestart = "soft-restart"
	OpDump        = "dump"
)

// opStates lists the states each operation may start from. A nil entry
// accepts any state.
var opStates = map[string][]State{
	OpLaunch:      {StateOffline, StateStopped},
	OpStop:        nil,
	OpSoftStop:    {StateRunning},
	OpRestart:     {StateRunning},
	OpSoftRestart: {StateRunning},
	OpDump:        {StateRunning},
}

// Reservation holds the operation token from the moment a command is
// accepted until it has run, so a second command arriving while the first
// waits for a worker is rejected with ErrBusy rather than queued behind it.
//
// A reservation runs one command, the one matching its operation. Release
// returns an unused token.
type Reservation struct {
	w    *Watchdog
	op   string
	once sync.Once
	used atomic.Bool
}

// Reserve claims the operation token for op. The state is checked now and
// again when the command runs.
func (w *Watchdog) Reserve(op string) (*Reservation, error) {
	allowed, ok := opStates[op]
	if !ok {
		return nil, fmt.Errorf("watchdog: unknown operation %q", op)
	}
	if err := w.begin(op, allowed...); err != nil {
		return nil, err
	}
	return &Reservation{w: w, op: op}, nil
}

// Op returns the reserved operation.
func (r *Reservation) Op() string { return r.op }

// Release returns the token. Calling it more than once, or after a command
// method, is a no-op.
func (r *Reservation) Release() { r.once.Do(r.w.end) }

func (r *Reservation) use(method string, ops ...string) error {
	if r.used.Swap(true) {
		return fmt.Errorf("watchdog: %s reservation already used", r.op)
	}
	for _, op := range ops {
		if r.op == op {
			return r.w.require(r.op, opStates[r.op]...)
		}
	}
	return fmt.Errorf("watchdog: %s reservation used for %s", r.op, method)
}

// Launch runs a reserved launch.
func (r *Reservation) Launch(ctx context.Context) error {
	defer r.Release()
	if err := r.use("launch", OpLaunch); err != nil {
		return err
	}
	r.w.transition(StateStarting)
	return r.w.start(ctx)
}

// Stop runs a reserved hard or soft stop.
func (r *Reservation) Stop(ctx context.Context) error {
	defer r.Release()
	if err := r.use("stop", OpStop, OpSoftStop); err != nil {
		return err
	}
	if r.op == OpSoftStop {
		return r.w.signalReboot(ctx, r.op, models.RebootShutdown)
	}
	return r.w.hardStop(ctx)
}

// Restart runs a reserved hard or soft restart.
func (r *Reservation) Restart(ctx context.Context) error {
	defer r.Release()
	if err := r.use("restart", OpRestart, OpSoftRestart); err != nil {
		return err
	}
	if r.op == OpSoftRestart {
		return r.w.signalReboot(ctx, r.op, models.RebootRestart)
	}
	metrics.WatchdogRestarts.WithLabelValues(metrics.Instance(r.w.inst.ID), "manual").Inc()
	return r.w.relaunch(ctx, false)
}

// CreateDump runs a reserved dump.
func (r *Reservation) CreateDump(ctx context.Context) (string, error) {
	defer r.Release()
	if err := r.use("dump", OpDump); err != nil {
		return "", err
	}
	return r.w.dump(ctx)
}
