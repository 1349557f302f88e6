// Package process launches server processes that outlive the daemon and
// re-adopts them by PID after a daemon restart.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// ErrNotRunning is returned when adopting a PID that no longer exists.
var ErrNotRunning = errors.New("process: not running")

// Spec describes a process to launch.
type Spec struct {
	Binary string
	Args   []string
	Dir    string
	// LogPath receives stdout and stderr. Empty discards output.
	LogPath string
	Env     []string
}

// Handle is a live process, either launched or adopted.
type Handle interface {
	PID() int
	// Done is closed when the process exits.
	Done() <-chan struct{}
	// Err reports why the process exited. Only valid after Done is closed.
	Err() error
	// Terminate asks the process group to exit, killing it once grace expires.
	Terminate(grace time.Duration) error
	Kill() error
	// Release stops tracking the process without signalling it.
	Release()
}

// Launcher starts and adopts processes.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Handle, error)
	Adopt(pid int) (Handle, error)
}

// Exec is the Launcher backed by os/exec. Launched processes run in their
// own process group so the daemon's terminal signals do not reach them.
type Exec struct {
	// PollInterval is how often adopted processes are checked for exit.
	PollInterval time.Duration
}

// Launch starts spec. ctx bounds only the start itself; the process keeps
// running after ctx is cancelled.
func (e Exec) Launch(ctx context.Context, spec Spec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("process: launch %s: %w", spec.Binary, err)
	}
	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Dir = spec.Dir
	if spec.Env != nil {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var logFile *os.File
	if spec.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o755); err != nil {
			return nil, fmt.Errorf("process: log dir: %w", err)
		}
		f, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("process: open log: %w", err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("process: start %s: %w", spec.Binary, err)
	}

	h := &child{pid: cmd.Process.Pid, proc: cmd.Process, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
		h.exit(err)
	}()
	return h, nil
}

// Adopt attaches to a process started by an earlier daemon. Exit is detected
// by polling because the process is not our child.
func (e Exec) Adopt(pid int) (Handle, error) {
	if !Alive(pid) {
		return nil, fmt.Errorf("process: adopt %d: %w", pid, ErrNotRunning)
	}
	interval := e.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	h := &adopted{pid: pid, done: make(chan struct{}), stop: make(chan struct{})}
	go h.poll(interval)
	return h, nil
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// signalGroup signals the process group led by pid, falling back to the
// process itself when it is not a group leader.
func signalGroup(pid int, sig syscall.Signal) error {
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid == pid {
		if err := syscall.Kill(-pid, sig); err == nil {
			return nil
		}
	}
	if err := syscall.Kill(pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("process: signal %d: %w", pid, err)
	}
	return nil
}

func terminate(h Handle, grace time.Duration) error {
	if err := signalGroup(h.PID(), syscall.SIGTERM); err != nil {
		return err
	}
	select {
	case <-h.Done():
		return nil
	case <-time.After(grace):
	}
	if err := h.Kill(); err != nil {
		return err
	}
	select {
	case <-h.Done():
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("process: %d did not exit after SIGKILL", h.PID())
	}
}

type child struct {
	pid  int
	proc *os.Process
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (c *child) exit(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	close(c.done)
}

func (c *child) PID() int              { return c.pid }
func (c *child) Done() <-chan struct{} { return c.done }

func (c *child) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *child) Terminate(grace time.Duration) error { return terminate(c, grace) }

func (c *child) Kill() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	return signalGroup(c.pid, syscall.SIGKILL)
}

// Release leaves the child running. The Wait goroutine stays parked until
// the daemon exits.
func (c *child) Release() {}

type adopted struct {
	pid  int
	done chan struct{}
	stop chan struct{}
	once sync.Once
}

func (a *adopted) poll(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			if !Alive(a.pid) {
				close(a.done)
				return
			}
		}
	}
}

func (a *adopted) PID() int              { return a.pid }
func (a *adopted) Done() <-chan struct{} { return a.done }

// Err is always nil: the exit status of a non-child is not observable.
func (a *adopted) Err() error { return nil }

func (a *adopted) Terminate(grace time.Duration) error { return terminate(a, grace) }

func (a *adopted) Kill() error { return signalGroup(a.pid, syscall.SIGKILL) }

func (a *adopted) Release() {
	a.once.Do(func() { close(a.stop) })
}
