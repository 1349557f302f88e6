// Package events publishes job and watchdog lifecycle events to NATS.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/watchdog"
)

// JobSubject is where the completion of job id is published.
func JobSubject(prefix string, id uint) string {
	return fmt.Sprintf("%s.job.%d.completed", prefix, id)
}

// WatchdogSubject is where state changes of an instance's watchdog are published.
func WatchdogSubject(prefix string, instanceID uint) string {
	return fmt.Sprintf("%s.instance.%d.watchdog", prefix, instanceID)
}

// JobEvent is the payload of a job completion.
type JobEvent struct {
	JobID            uint       `json:"job_id"`
	InstanceID       uint       `json:"instance_id"`
	Code             string     `json:"code"`
	Description      string     `json:"description"`
	StartedBy        string     `json:"started_by,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	StoppedAt        *time.Time `json:"stopped_at,omitempty"`
	Succeeded        bool       `json:"succeeded"`
	Cancelled        bool       `json:"cancelled"`
	CancelledBy      string     `json:"cancelled_by,omitempty"`
	ErrorCode        string     `json:"error_code,omitempty"`
	ExceptionDetails string     `json:"exception_details,omitempty"`
}

// WatchdogEvent is the payload of a watchdog state change.
type WatchdogEvent struct {
	InstanceID   uint      `json:"instance_id"`
	State        string    `json:"state"`
	Health       string    `json:"health"`
	Operation    string    `json:"operation,omitempty"`
	PID          int       `json:"pid,omitempty"`
	CompileJobID uint      `json:"compile_job_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Publisher sends events over a NATS connection. Publishing never blocks
// the caller; failures are logged.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	log    zerolog.Logger
}

// Connect dials cfg.URL and returns a Publisher for it.
func Connect(cfg config.NATSConfig, log zerolog.Logger) (*Publisher, error) {
	log = log.With().Str("component", "events").Logger()
	nc, err := nats.Connect(cfg.URL,
		nats.Name("roundhouse"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect %s: %w", cfg.URL, err)
	}
	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected to nats")
	return New(nc, cfg.SubjectPrefix, log), nil
}

// New wraps an existing connection.
func New(nc *nats.Conn, prefix string, log zerolog.Logger) *Publisher {
	if prefix == "" {
		prefix = "roundhouse"
	}
	return &Publisher{nc: nc, prefix: prefix, log: log}
}

// JobCompleted publishes job's terminal row.
func (p *Publisher) JobCompleted(job models.Job) {
	ev := JobEvent{
		JobID:            job.ID,
		InstanceID:       job.InstanceID,
		Code:             job.JobCode.String(),
		Description:      job.Description,
		StartedBy:        job.StartedBy,
		StartedAt:        job.StartedAt,
		StoppedAt:        job.StoppedAt,
		Succeeded:        job.Succeeded(),
		Cancelled:        job.Cancelled,
		CancelledBy:      job.CancelledBy,
		ExceptionDetails: job.ExceptionDetails,
	}
	if job.ErrorCode != nil {
		ev.ErrorCode = job.ErrorCode.String()
	}
	p.publish(JobSubject(p.prefix, job.ID), ev)
}

// WatchdogChanged publishes a watchdog status after a transition.
func (p *Publisher) WatchdogChanged(st watchdog.Status) {
	p.publish(WatchdogSubject(p.prefix, st.InstanceID), WatchdogEvent{
		InstanceID:   st.InstanceID,
		State:        string(st.State),
		Health:       string(st.Health),
		Operation:    st.Operation,
		PID:          st.PID,
		CompileJobID: st.CompileJobID,
		Timestamp:    time.Now().UTC(),
	})
}

func (p *Publisher) publish(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Error().Err(err).Str("subject", subject).Msg("encode event")
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("publish event")
	}
}

// Close flushes pending events and closes the connection.
func (p *Publisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		return fmt.Errorf("events: drain: %w", err)
	}
	return nil
}

// Nop discards every event. It is used when no NATS URL is configured.
type Nop struct{}

func (Nop) JobCompleted(models.Job)         {}
func (Nop) WatchdogChanged(watchdog.Status) {}
func (Nop) Close() error                    { return nil }
