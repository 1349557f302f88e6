package models

import (
	"fmt"
	"strings"
)

// JobCode identifies the kind of work a Job performs.
type JobCode uint8

// Job kinds.
const (
	JobCodeUnknown JobCode = iota
	JobCodeDeployment
	JobCodeRepositoryUpdate
	JobCodeWatchdogLaunch
	JobCodeWatchdogRestart
	JobCodeWatchdogStop
	JobCodeWatchdogReattach
	JobCodeWatchdogDump
	JobCodeWatchdogCrash
	JobCodeAutoUpdate
)

var jobCodeNames = map[JobCode]string{
	JobCodeUnknown:          "unknown",
	JobCodeDeployment:       "deployment",
	JobCodeRepositoryUpdate: "repository-update",
	JobCodeWatchdogLaunch:   "watchdog-launch",
	JobCodeWatchdogRestart:  "watchdog-restart",
	JobCodeWatchdogStop:     "watchdog-stop",
	JobCodeWatchdogReattach: "watchdog-reattach",
	JobCodeWatchdogDump:     "watchdog-dump",
	JobCodeWatchdogCrash:    "watchdog-crash",
	JobCodeAutoUpdate:       "auto-update",
}

func (c JobCode) String() string {
	if s, ok := jobCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("job-code-%d", uint8(c))
}

// IsWatchdog reports whether jobs of this kind belong to the watchdog and
// are reconciled through reattachment after a daemon restart.
func (c JobCode) IsWatchdog() bool {
	switch c {
	case JobCodeWatchdogLaunch, JobCodeWatchdogRestart, JobCodeWatchdogStop,
		JobCodeWatchdogReattach, JobCodeWatchdogDump:
		return true
	}
	return false
}

// ErrorCode is the machine-readable failure reason stored on a Job.
type ErrorCode uint32

// Error codes.
const (
	ErrorCodeInternal ErrorCode = iota + 1
	ErrorCodeStartupTimeout
	ErrorCodeHandshakeRejected
	ErrorCodeHealthCheckMissed
	ErrorCodeProcessCrashed
	ErrorCodeCompileFailed
	ErrorCodeApiValidationFailed
	ErrorCodeDeploymentConflict
	ErrorCodeReattachFailed
	ErrorCodeJobLostOnRestart
	ErrorCodeRevisionFetchFailed
	ErrorCodeWatchdogBusy
	ErrorCodeNoDeployment
)

var errorCodeNames = map[ErrorCode]string{
	ErrorCodeInternal:            "Internal",
	ErrorCodeStartupTimeout:      "StartupTimeout",
	ErrorCodeHandshakeRejected:   "HandshakeRejected",
	ErrorCodeHealthCheckMissed:   "HealthCheckMissed",
	ErrorCodeProcessCrashed:      "ProcessCrashed",
	ErrorCodeCompileFailed:       "CompileFailed",
	ErrorCodeApiValidationFailed: "ApiValidationFailed",
	ErrorCodeDeploymentConflict:  "DeploymentConflict",
	ErrorCodeReattachFailed:      "ReattachFailed",
	ErrorCodeJobLostOnRestart:    "JobLostOnRestart",
	ErrorCodeRevisionFetchFailed: "RevisionFetchFailed",
	ErrorCodeWatchdogBusy:        "WatchdogBusy",
	ErrorCodeNoDeployment:        "NoDeployment",
}

func (c ErrorCode) String() string {
	if s, ok := errorCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("ErrorCode(%d)", uint32(c))
}

// SecurityLevel is the sandbox tier the server process runs under.
// Higher values grant the process more capabilities.
type SecurityLevel uint8

// Security levels, ordered from most to least restrictive.
const (
	SecurityUltrasafe SecurityLevel = iota
	SecuritySafe
	SecurityTrusted
)

func (s SecurityLevel) String() string {
	switch s {
	case SecurityUltrasafe:
		return "ultrasafe"
	case SecuritySafe:
		return "safe"
	case SecurityTrusted:
		return "trusted"
	}
	return fmt.Sprintf("security-%d", uint8(s))
}

// ParseSecurityLevel parses "ultrasafe", "safe" or "trusted".
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ultrasafe":
		return SecurityUltrasafe, nil
	case "safe", "":
		return SecuritySafe, nil
	case "trusted":
		return SecurityTrusted, nil
	}
	return 0, fmt.Errorf("models: unknown security level %q", s)
}

// Visibility controls whether the server advertises itself.
type Visibility uint8

// Visibility levels.
const (
	VisibilityPublic Visibility = iota
	VisibilityPrivate
	VisibilityInvisible
)

func (v Visibility) String() string {
	switch v {
	case VisibilityPublic:
		return "public"
	case VisibilityPrivate:
		return "private"
	case VisibilityInvisible:
		return "invisible"
	}
	return fmt.Sprintf("visibility-%d", uint8(v))
}

// ParseVisibility parses "public", "private" or "invisible".
func ParseVisibility(s string) (Visibility, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "public":
		return VisibilityPublic, nil
	case "private", "":
		return VisibilityPrivate, nil
	case "invisible":
		return VisibilityInvisible, nil
	}
	return 0, fmt.Errorf("models: unknown visibility %q", s)
}

// RebootState is the action the server process takes at its next safe
// reboot point.
type RebootState uint8

// Reboot states.
const (
	RebootNormal RebootState = iota
	RebootShutdown
	RebootRestart
)

func (r RebootState) String() string {
	switch r {
	case RebootNormal:
		return "normal"
	case RebootShutdown:
		return "shutdown"
	case RebootRestart:
		return "restart"
	}
	return fmt.Sprintf("reboot-%d", uint8(r))
}

// ValidationMode controls how the deployment pipeline treats the plugin
// API validation stage.
type ValidationMode uint8

// Validation modes.
const (
	ValidationRequired ValidationMode = iota
	ValidationOptional
	ValidationSkipped
)

func (m ValidationMode) String() string {
	switch m {
	case ValidationRequired:
		return "required"
	case ValidationOptional:
		return "optional"
	case ValidationSkipped:
		return "skipped"
	}
	return fmt.Sprintf("validation-%d", uint8(m))
}

// ParseValidationMode parses "required", "optional" (warn only) or "skipped".
func ParseValidationMode(s string) (ValidationMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "required", "":
		return ValidationRequired, nil
	case "optional", "warn":
		return ValidationOptional, nil
	case "skipped", "skip":
		return ValidationSkipped, nil
	}
	return 0, fmt.Errorf("models: unknown validation mode %q", s)
}
