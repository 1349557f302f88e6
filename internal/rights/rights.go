// Package rights models caller capabilities as per-type bit flags. The
// core only ever asks "does this caller hold right X of type T".
package rights

import (
	"fmt"
	"sort"
	"strings"
)

// Type is the category a Right belongs to.
type Type uint64

// Right types.
const (
	TypeInstanceManager Type = iota
	TypeRepository
	TypeDreamMaker
	TypeDreamDaemon
)

// Right is a bit flag within a Type.
type Right uint64

// InstanceManager rights.
const (
	InstanceRead Right = 1 << iota
	InstanceCreate
	InstanceDetach
	InstanceSetOnline
	InstanceList
)

// Repository rights.
const (
	RepositoryRead Right = 1 << iota
	RepositoryUpdate
	RepositoryMergePullRequest
	RepositoryCancelPendingChanges
)

// DreamMaker rights.
const (
	DreamMakerRead Right = 1 << iota
	DreamMakerCompile
	DreamMakerCancelCompile
)

// DreamDaemon rights.
const (
	DreamDaemonRead Right = 1 << iota
	DreamDaemonStart
	DreamDaemonShutdown
	DreamDaemonRestart
	DreamDaemonSoftRestart
	DreamDaemonSoftShutdown
	DreamDaemonCreateDump
)

var typeNames = map[string]Type{
	"instance_manager": TypeInstanceManager,
	"repository":       TypeRepository,
	"dream_maker":      TypeDreamMaker,
	"dream_daemon":     TypeDreamDaemon,
}

var rightNames = map[Type]map[string]Right{
	TypeInstanceManager: {
		"read":       InstanceRead,
		"create":     InstanceCreate,
		"detach":     InstanceDetach,
		"set_online": InstanceSetOnline,
		"list":       InstanceList,
	},
	TypeRepository: {
		"read":                   RepositoryRead,
		"update":                 RepositoryUpdate,
		"merge_pull_request":     RepositoryMergePullRequest,
		"cancel_pending_changes": RepositoryCancelPendingChanges,
	},
	TypeDreamMaker: {
		"read":           DreamMakerRead,
		"compile":        DreamMakerCompile,
		"cancel_compile": DreamMakerCancelCompile,
	},
	TypeDreamDaemon: {
		"read":          DreamDaemonRead,
		"start":         DreamDaemonStart,
		"shutdown":      DreamDaemonShutdown,
		"restart":       DreamDaemonRestart,
		"soft_restart":  DreamDaemonSoftRestart,
		"soft_shutdown": DreamDaemonSoftShutdown,
		"create_dump":   DreamDaemonCreateDump,
	},
}

func (t Type) String() string {
	for name, v := range typeNames {
		if v == t {
			return name
		}
	}
	return fmt.Sprintf("type-%d", uint64(t))
}

// Checker answers capability queries for a caller.
type Checker interface {
	HasRight(t Type, r Right) bool
}

// Requirement is a single right a caller must hold, e.g. to cancel a job.
type Requirement struct {
	Type  Type
	Right Right
}

func (r Requirement) String() string {
	for name, v := range rightNames[r.Type] {
		if v == r.Right {
			return r.Type.String() + "." + name
		}
	}
	return fmt.Sprintf("%s.%d", r.Type, uint64(r.Right))
}

// Fields returns the requirement as the nullable column pair stored on a job.
func (r *Requirement) Fields() (rightsType, right *uint64) {
	if r == nil {
		return nil, nil
	}
	t, v := uint64(r.Type), uint64(r.Right)
	return &t, &v
}

// FromFields rebuilds a requirement from its stored column pair. A
// half-populated pair is treated as no requirement.
func FromFields(rightsType, right *uint64) *Requirement {
	if rightsType == nil || right == nil {
		return nil
	}
	return &Requirement{Type: Type(*rightsType), Right: Right(*right)}
}

// Satisfied reports whether c holds the requirement. A nil requirement is
// always satisfied.
func (r *Requirement) Satisfied(c Checker) bool {
	if r == nil {
		return true
	}
	if c == nil {
		return false
	}
	return c.HasRight(r.Type, r.Right)
}

// Set is a Checker backed by a map of granted flags.
type Set map[Type]Right

// HasRight implements Checker.
func (s Set) HasRight(t Type, r Right) bool {
	return s[t]&r == r
}

// Grant adds rights to the set.
func (s Set) Grant(t Type, r Right) {
	s[t] |= r
}

type all struct{}

func (all) HasRight(Type, Right) bool { return true }

// All is a Checker holding every right. It backs admin callers and the
// system identity used by schedules and recovery.
var All Checker = all{}

// Parse builds a Set from config-style names, e.g.
// {"dream_daemon": ["start", "shutdown"]}.
func Parse(names map[string][]string) (Set, error) {
	set := make(Set)
	var errs []string
	for typeName, list := range names {
		t, ok := typeNames[typeName]
		if !ok {
			errs = append(errs, fmt.Sprintf("unknown rights type %q", typeName))
			continue
		}
		for _, n := range list {
			r, ok := rightNames[t][n]
			if !ok {
				errs = append(errs, fmt.Sprintf("unknown %s right %q", typeName, n))
				continue
			}
			set.Grant(t, r)
		}
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		return nil, fmt.Errorf("rights: %s", strings.Join(errs, "; "))
	}
	return set, nil
}

// Caller identifies who is performing an operation.
type Caller struct {
	Name   string
	Rights Checker
}

// System is the caller used for work the daemon starts on its own.
var System = Caller{Name: "system", Rights: All}
