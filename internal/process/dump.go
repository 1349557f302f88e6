package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Dumper writes a memory dump of a running process.
type Dumper interface {
	Dump(ctx context.Context, pid int, outPath string) error
}

// CommandDumper runs an external tool as `<command...> <outPath> <pid>`.
type CommandDumper struct {
	Command []string
}

// Dump runs the configured dump command against pid.
func (d CommandDumper) Dump(ctx context.Context, pid int, outPath string) error {
	fields := d.Command
	if len(fields) == 0 {
		return fmt.Errorf("process: dump: no dump command configured")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("process: dump dir: %w", err)
	}

	args := append(append([]string{}, fields[1:]...), outPath, strconv.Itoa(pid))
	cmd := exec.CommandContext(ctx, fields[0], args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("process: dump %d: %s: %w", pid, strings.TrimSpace(string(out)), err)
	}
	return nil
}
