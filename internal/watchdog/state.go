package watchdog

import (
	"errors"

	"github.com/zulandar/roundhouse/internal/jobs"
	"github.com/zulandar/roundhouse/internal/models"
)

// State is the lifecycle position of a watchdog.
type State string

// Watchdog states.
const (
	StateOffline         State = "offline"
	StateStarting        State = "starting"
	StateRunning         State = "running"
	StateRestarting      State = "restarting"
	StateReattachPending State = "reattach_pending"
	StateStopped         State = "stopped"
)

var allStates = []string{
	string(StateOffline), string(StateStarting), string(StateRunning),
	string(StateRestarting), string(StateReattachPending), string(StateStopped),
}

// Health summarizes recent health checks of a running server.
type Health string

// Health values.
const (
	HealthHealthy Health = "healthy"
	HealthFailing Health = "failing"
)

var (
	// ErrBusy rejects a command that arrives while another is in flight.
	ErrBusy = &jobs.Error{Code: models.ErrorCodeWatchdogBusy, Err: errors.New("watchdog: another operation is in progress")}

	// ErrNotRunning is returned by commands that need a live server.
	ErrNotRunning = errors.New("watchdog: server is not running")

	// ErrAlreadyRunning is returned by Launch and Reattach when a server
	// is already supervised.
	ErrAlreadyRunning = errors.New("watchdog: server is already running")

	// ErrNoDeployment is returned by Launch when the instance has no build.
	ErrNoDeployment = &jobs.Error{Code: models.ErrorCodeNoDeployment, Err: errors.New("watchdog: no compile job to launch")}

	// ErrNoReattachInfo is returned by Reattach when nothing was persisted.
	ErrNoReattachInfo = errors.New("watchdog: no reattach information")

	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("watchdog: shut down")
)

// Status is a point-in-time view of a watchdog.
type Status struct {
	InstanceID         uint
	State              State
	Health             Health
	MissedHealthChecks int
	// Operation is the command in flight, empty when idle.
	Operation           string
	PID                 int
	CompileJobID        uint
	InitialCompileJobID uint
	RebootState         models.RebootState
	SecurityLevel       models.SecurityLevel
	Port                uint16
}
