// Package cron implements the persistent time-based scheduler: one-shot
// (at), interval (every), and cron-expression jobs that wake agent
// sessions. Jobs survive restarts via jobs.json; runs of the same job
// never overlap and missed fires coalesce.
package cron

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ScheduleKind discriminates the schedule variant.
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"
	ScheduleEvery ScheduleKind = "every"
	ScheduleCron  ScheduleKind = "cron"
)

// Schedule is a tagged variant: exactly one of the field groups is
// meaningful, selected by Kind. Kind is inferred on normalize when omitted.
type Schedule struct {
	Kind ScheduleKind `json:"kind,omitempty"`

	// at
	AtMs int64 `json:"atMs,omitempty"`

	// every
	EveryMs  int64 `json:"everyMs,omitempty"`
	AnchorMs int64 `json:"anchorMs,omitempty"`

	// cron
	Expr string `json:"expr,omitempty"`
	TZ   string `json:"tz,omitempty"`
}

// SessionTarget selects which session a job wakes.
type SessionTarget string

const (
	TargetMain     SessionTarget = "main"
	TargetIsolated SessionTarget = "isolated"
)

// WakeMode selects when a main-session payload is processed.
type WakeMode string

const (
	WakeNow           WakeMode = "now"
	WakeNextHeartbeat WakeMode = "next-heartbeat"
)

// PayloadKind discriminates the payload variant.
type PayloadKind string

const (
	PayloadSystemEvent PayloadKind = "systemEvent"
	PayloadAgentTurn   PayloadKind = "agentTurn"
)

// Payload is what a firing delivers into admission.
type Payload struct {
	Kind PayloadKind `json:"kind,omitempty"`

	// systemEvent
	Text string `json:"text,omitempty"`

	// agentTurn
	Message           string `json:"message,omitempty"`
	Thinking          string `json:"thinking,omitempty"`
	TimeoutSeconds    int    `json:"timeoutSeconds,omitempty"`
	Deliver           *bool  `json:"deliver,omitempty"`
	Provider          string `json:"provider,omitempty"`
	To                string `json:"to,omitempty"`
	BestEffortDeliver bool   `json:"bestEffortDeliver,omitempty"`
}

// Isolation tunes isolated-session runs.
type Isolation struct {
	// PostToMainPrefix, when set, posts the isolated run's summary to
	// the main session with this prefix.
	PostToMainPrefix string `json:"postToMainPrefix,omitempty"`
}

// RunStatus is the outcome of one firing.
type RunStatus string

const (
	StatusOK      RunStatus = "ok"
	StatusError   RunStatus = "error"
	StatusSkipped RunStatus = "skipped"
)

// State is the mutable run bookkeeping of a job.
type State struct {
	NextRunAtMs    *int64    `json:"nextRunAtMs,omitempty"`
	RunningAtMs    *int64    `json:"runningAtMs,omitempty"`
	LastRunAtMs    *int64    `json:"lastRunAtMs,omitempty"`
	LastStatus     RunStatus `json:"lastStatus,omitempty"`
	LastError      string    `json:"lastError,omitempty"`
	LastDurationMs int64     `json:"lastDurationMs,omitempty"`
}

// Job is one scheduled task.
type Job struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Enabled     bool          `json:"enabled"`
	CreatedAtMs int64         `json:"createdAtMs"`
	UpdatedAtMs int64         `json:"updatedAtMs"`
	Schedule    Schedule      `json:"schedule"`
	Target      SessionTarget `json:"sessionTarget,omitempty"`
	Wake        WakeMode      `json:"wakeMode,omitempty"`
	Payload     Payload       `json:"payload"`
	Isolation   *Isolation    `json:"isolation,omitempty"`
	State       State         `json:"state"`
}

// Normalize infers omitted kinds and applies creation defaults. It is
// idempotent: Normalize(Normalize(j)) == Normalize(j).
func Normalize(j Job, nowMs int64) (Job, error) {
	if j.Schedule.Kind == "" {
		switch {
		case j.Schedule.AtMs != 0:
			j.Schedule.Kind = ScheduleAt
		case j.Schedule.EveryMs != 0:
			j.Schedule.Kind = ScheduleEvery
		case j.Schedule.Expr != "":
			j.Schedule.Kind = ScheduleCron
		default:
			return j, fmt.Errorf("schedule requires one of atMs, everyMs, expr")
		}
	}

	if j.Payload.Kind == "" {
		switch {
		case j.Payload.Text != "":
			j.Payload.Kind = PayloadSystemEvent
		case j.Payload.Message != "":
			j.Payload.Kind = PayloadAgentTurn
		default:
			return j, fmt.Errorf("payload requires one of text, message")
		}
	}

	if j.Wake == "" {
		j.Wake = WakeNextHeartbeat
	}
	if j.Target == "" {
		switch j.Payload.Kind {
		case PayloadAgentTurn:
			j.Target = TargetIsolated
		default:
			j.Target = TargetMain
		}
	}

	if err := validateSchedule(j.Schedule); err != nil {
		return j, err
	}

	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAtMs == 0 {
		j.CreatedAtMs = nowMs
	}
	j.UpdatedAtMs = nowMs
	return j, nil
}

func validateSchedule(s Schedule) error {
	switch s.Kind {
	case ScheduleAt:
		if s.AtMs <= 0 {
			return fmt.Errorf("at schedule requires atMs")
		}
	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return fmt.Errorf("every schedule requires everyMs > 0")
		}
	case ScheduleCron:
		if s.Expr == "" {
			return fmt.Errorf("cron schedule requires expr")
		}
		if _, err := parseCronExpr(s.Expr); err != nil {
			return fmt.Errorf("invalid cron expr %q: %w", s.Expr, err)
		}
		if s.TZ != "" {
			if _, err := time.LoadLocation(s.TZ); err != nil {
				return fmt.Errorf("invalid timezone %q: %w", s.TZ, err)
			}
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}
