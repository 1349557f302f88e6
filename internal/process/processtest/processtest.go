// Package processtest provides an in-memory process.Launcher for tests.
package processtest

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/roundhouse/internal/process"
)

// Handle is a fake process that exits when told to.
type Handle struct {
	pid  int
	done chan struct{}

	mu       sync.Mutex
	err      error
	exited   bool
	killed   bool
	released bool
	onExit   func()
}

// PID implements process.Handle.
func (h *Handle) PID() int { return h.pid }

// Done implements process.Handle.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err implements process.Handle.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Exit simulates the process exiting with err.
func (h *Handle) Exit(err error) {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return
	}
	h.exited = true
	h.err = err
	onExit := h.onExit
	h.mu.Unlock()
	if onExit != nil {
		onExit()
	}
	close(h.done)
}

// Terminate implements process.Handle.
func (h *Handle) Terminate(time.Duration) error {
	h.Exit(nil)
	return nil
}

// Kill implements process.Handle.
func (h *Handle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	h.Exit(fmt.Errorf("signal: killed"))
	return nil
}

// Release implements process.Handle.
func (h *Handle) Release() {
	h.mu.Lock()
	h.released = true
	h.mu.Unlock()
}

// Killed reports whether Kill was called.
func (h *Handle) Killed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

// Released reports whether Release was called.
func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Exited reports whether the process has exited.
func (h *Handle) Exited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

// Launcher records launches and hands out fake handles. OnLaunch, when set,
// runs for every launch and may stand up whatever the process would serve;
// the returned func runs when the process exits.
type Launcher struct {
	OnLaunch func(spec process.Spec) (stop func(), err error)

	mu       sync.Mutex
	nextPID  int
	launches []process.Spec
	handles  map[int]*Handle
	adopts   []int
}

// Launch implements process.Launcher.
func (l *Launcher) Launch(ctx context.Context, spec process.Spec) (process.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var stop func()
	if l.OnLaunch != nil {
		s, err := l.OnLaunch(spec)
		if err != nil {
			return nil, err
		}
		stop = s
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handles == nil {
		l.handles = make(map[int]*Handle)
		l.nextPID = 1000
	}
	l.nextPID++
	h := &Handle{pid: l.nextPID, done: make(chan struct{}), onExit: stop}
	l.handles[h.pid] = h
	l.launches = append(l.launches, spec)
	return h, nil
}

// Adopt implements process.Launcher. Only handles from this launcher that
// have not exited can be adopted.
func (l *Launcher) Adopt(pid int) (process.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.adopts = append(l.adopts, pid)
	h, ok := l.handles[pid]
	if !ok || h.Exited() {
		return nil, fmt.Errorf("processtest: adopt %d: %w", pid, process.ErrNotRunning)
	}
	return h, nil
}

// Launches returns every launched spec in order.
func (l *Launcher) Launches() []process.Spec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]process.Spec(nil), l.launches...)
}

// Adopts returns every PID passed to Adopt.
func (l *Launcher) Adopts() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.adopts...)
}

// Handle returns the fake for pid.
func (l *Launcher) Handle(pid int) *Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[pid]
}

// Last returns the most recently launched handle.
func (l *Launcher) Last() *Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[l.nextPID]
}

// Params decodes the -params argument of a launch spec.
func Params(spec process.Spec) url.Values {
	for i, arg := range spec.Args {
		if arg == "-params" && i+1 < len(spec.Args) {
			v, _ := url.ParseQuery(spec.Args[i+1])
			return v
		}
	}
	return url.Values{}
}

// HasArg reports whether spec carries arg verbatim.
func HasArg(spec process.Spec, arg string) bool {
	for _, a := range spec.Args {
		if strings.EqualFold(a, arg) {
			return true
		}
	}
	return false
}

// Dumper records dump requests.
type Dumper struct {
	Err error

	mu    sync.Mutex
	dumps []string
}

// Dump implements process.Dumper.
func (d *Dumper) Dump(_ context.Context, pid int, outPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dumps = append(d.dumps, fmt.Sprintf("%d:%s", pid, outPath))
	return d.Err
}

// Dumps returns "pid:path" for every dump request.
func (d *Dumper) Dumps() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dumps...)
}
