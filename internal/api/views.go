package api

import (
	"time"

	"github.com/zulandar/roundhouse/internal/jobs"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/watchdog"
)

type instanceView struct {
	ID                uint   `json:"id"`
	Name              string `json:"name"`
	Path              string `json:"path"`
	Online            bool   `json:"online"`
	AutoUpdateCron    string `json:"auto_update_cron,omitempty"`
	AutoStartCron     string `json:"auto_start_cron,omitempty"`
	AutoStopCron      string `json:"auto_stop_cron,omitempty"`
	CurrentRevisionID *uint  `json:"current_revision_id,omitempty"`
}

func viewInstance(i models.Instance) instanceView {
	return instanceView{
		ID:                i.ID,
		Name:              i.Name,
		Path:              i.Path,
		Online:            i.Online,
		AutoUpdateCron:    i.AutoUpdateCron,
		AutoStartCron:     i.AutoStartCron,
		AutoStopCron:      i.AutoStopCron,
		CurrentRevisionID: i.CurrentRevisionID,
	}
}

type jobView struct {
	ID               uint       `json:"id"`
	InstanceID       uint       `json:"instance_id"`
	Code             string     `json:"code"`
	Description      string     `json:"description"`
	StartedBy        string     `json:"started_by,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	StoppedAt        *time.Time `json:"stopped_at,omitempty"`
	Running          bool       `json:"running"`
	Succeeded        bool       `json:"succeeded"`
	Cancelled        bool       `json:"cancelled"`
	CancelledBy      string     `json:"cancelled_by,omitempty"`
	ErrorCode        string     `json:"error_code,omitempty"`
	ExceptionDetails string     `json:"exception_details,omitempty"`
	Stage            string     `json:"stage,omitempty"`
	Percent          int        `json:"percent,omitempty"`
}

func viewJob(j models.Job) jobView {
	v := jobView{
		ID:               j.ID,
		InstanceID:       j.InstanceID,
		Code:             j.JobCode.String(),
		Description:      j.Description,
		StartedBy:        j.StartedBy,
		StartedAt:        j.StartedAt,
		StoppedAt:        j.StoppedAt,
		Running:          j.Running(),
		Succeeded:        j.Succeeded(),
		Cancelled:        j.Cancelled,
		CancelledBy:      j.CancelledBy,
		ExceptionDetails: j.ExceptionDetails,
	}
	if j.ErrorCode != nil {
		v.ErrorCode = j.ErrorCode.String()
	}
	return v
}

func viewStatus(s jobs.Status) jobView {
	v := viewJob(s.Job)
	v.Stage, v.Percent = s.Stage, s.Percent
	return v
}

type watchdogView struct {
	InstanceID          uint   `json:"instance_id"`
	State               string `json:"state"`
	Health              string `json:"health"`
	MissedHealthChecks  int    `json:"missed_health_checks"`
	Operation           string `json:"operation,omitempty"`
	PID                 int    `json:"pid,omitempty"`
	Port                uint16 `json:"port,omitempty"`
	CompileJobID        uint   `json:"compile_job_id,omitempty"`
	InitialCompileJobID uint   `json:"initial_compile_job_id,omitempty"`
	RebootState         string `json:"reboot_state"`
	SecurityLevel       string `json:"security_level"`
}

func viewWatchdog(s watchdog.Status) watchdogView {
	return watchdogView{
		InstanceID:          s.InstanceID,
		State:               string(s.State),
		Health:              string(s.Health),
		MissedHealthChecks:  s.MissedHealthChecks,
		Operation:           s.Operation,
		PID:                 s.PID,
		Port:                s.Port,
		CompileJobID:        s.CompileJobID,
		InitialCompileJobID: s.InitialCompileJobID,
		RebootState:         s.RebootState.String(),
		SecurityLevel:       s.SecurityLevel.String(),
	}
}

type testMergeRequest struct {
	Number          int    `json:"number"`
	TargetCommitSha string `json:"target_commit_sha"`
	Comment         string `json:"comment"`
}
