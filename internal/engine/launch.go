// Package engine builds command lines for the game engine's compiler and
// server binaries.
package engine

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/process"
	"github.com/zulandar/roundhouse/internal/topic"
)

// Directory layout under an instance root.
const (
	GameDir        = "Game"
	LiveLink       = "Live"
	RepositoryDir  = "Repository"
	DiagnosticsDir = "Diagnostics"
	LogsDir        = "Logs"
)

// ServerOptions describes one server launch.
type ServerOptions struct {
	ServerPath string
	// DMB is the compiled world file to run.
	DMB        string
	Dir        string
	Port       uint16
	Security   models.SecurityLevel
	Visibility models.Visibility
	MapThreads uint32
	Profiler   bool
	Minidumps  bool
	// LogPath, when set, receives the server's own output.
	LogPath string
	// AdditionalParameters is a query string merged into -params.
	AdditionalParameters string
	AccessIdentifier     string
	ControlPort          uint16
	InstanceName         string
	HostVersion          string
}

// ServerSpec converts o into a process spec.
func ServerSpec(o ServerOptions) (process.Spec, error) {
	params, err := url.ParseQuery(strings.TrimPrefix(o.AdditionalParameters, "?"))
	if err != nil {
		return process.Spec{}, fmt.Errorf("engine: additional parameters %q: %w", o.AdditionalParameters, err)
	}
	params.Set(topic.ParamAccessID, o.AccessIdentifier)
	params.Set(topic.ParamControlPort, strconv.Itoa(int(o.ControlPort)))
	if o.InstanceName != "" {
		params.Set(topic.ParamInstanceName, o.InstanceName)
	}
	if o.HostVersion != "" {
		params.Set(topic.ParamHostVersion, o.HostVersion)
	}

	args := []string{
		o.DMB,
		"-port", strconv.Itoa(int(o.Port)),
		"-" + o.Security.String(),
		"-" + o.Visibility.String(),
		"-close",
	}
	if o.LogPath != "" {
		args = append(args, "-logself")
	}
	if o.MapThreads > 0 {
		args = append(args, "-map-threads", strconv.FormatUint(uint64(o.MapThreads), 10))
	}
	if o.Profiler {
		args = append(args, "-profile")
	}
	if !o.Minidumps {
		args = append(args, "-nominidumps")
	}
	args = append(args, "-params", params.Encode())

	return process.Spec{
		Binary:  o.ServerPath,
		Args:    args,
		Dir:     o.Dir,
		LogPath: o.LogPath,
	}, nil
}

// BuildDir returns the directory of a build under root.
func BuildDir(root, directoryName string) string {
	return filepath.Join(root, GameDir, directoryName)
}

// LivePath returns the symlink that points at the active build.
func LivePath(root string) string {
	return filepath.Join(root, GameDir, LiveLink)
}

// DMBPath returns the compiled world file of project inside dir.
func DMBPath(dir, project string) string {
	return filepath.Join(dir, project+".dmb")
}
