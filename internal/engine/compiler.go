package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// CompileRequest compiles Project.dme inside Dir.
type CompileRequest struct {
	Dir     string
	Project string
	Args    []string
}

// Compiler produces Project.dmb from sources.
type Compiler interface {
	Compile(ctx context.Context, req CompileRequest) (output string, err error)
}

// DreamMaker runs the engine's compiler binary.
type DreamMaker struct {
	Path string
}

// Compile runs the compiler and returns its combined output. The process
// group is terminated when ctx ends.
func (d DreamMaker) Compile(ctx context.Context, req CompileRequest) (string, error) {
	if d.Path == "" {
		return "", fmt.Errorf("engine: no compiler configured")
	}
	args := append(append([]string{}, req.Args...), req.Project+".dme")
	cmd := exec.CommandContext(ctx, d.Path, args...)
	cmd.Dir = req.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	out, err := cmd.CombinedOutput()
	output := string(out)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return output, fmt.Errorf("engine: compile %s: %w", req.Project, ctxErr)
		}
		return output, fmt.Errorf("engine: compile %s: %w", req.Project, err)
	}
	if _, err := os.Stat(DMBPath(req.Dir, req.Project)); err != nil {
		return output, fmt.Errorf("engine: compile %s: no %s.dmb produced: %w", req.Project, req.Project, err)
	}
	return output, nil
}

// ErrNoProject is returned when a source tree has no unique .dme file.
var ErrNoProject = errors.New("engine: project not found")

// DetectProject returns the name of the single .dme file in dir.
func DetectProject(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.dme"))
	if err != nil {
		return "", fmt.Errorf("engine: detect project: %w", err)
	}
	if len(matches) != 1 {
		return "", fmt.Errorf("engine: %d .dme files in %s: %w", len(matches), dir, ErrNoProject)
	}
	return strings.TrimSuffix(filepath.Base(matches[0]), ".dme"), nil
}
