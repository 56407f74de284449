// Package scheduler implements the persistent job scheduler: cron/every/at
// jobs dispatched by a single timer over a JSON-mirrored job list, with
// at-most-one execution per job and crash-safe state.
package scheduler

import (
	"errors"
	"fmt"
	"time"
)

// ScheduleKind selects the schedule variant.
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"
	ScheduleEvery ScheduleKind = "every"
	ScheduleCron  ScheduleKind = "cron"
)

// Schedule describes when a job fires. The yaml tags keep the same keys
// when a schedule is embedded in a workflow definition file.
type Schedule struct {
	Kind ScheduleKind `json:"kind" yaml:"kind"`
	// At is an RFC 3339 timestamp for one-shot jobs.
	At string `json:"at,omitempty" yaml:"at,omitempty"`
	// EveryMs / AnchorMs define fixed-interval jobs.
	EveryMs  int64 `json:"everyMs,omitempty" yaml:"everyMs,omitempty"`
	AnchorMs int64 `json:"anchorMs,omitempty" yaml:"anchorMs,omitempty"`
	// Expr is a five-field cron expression; TZ optionally names the
	// location it is evaluated in (local time when absent or unknown).
	Expr string `json:"expr,omitempty" yaml:"expr,omitempty"`
	TZ   string `json:"tz,omitempty" yaml:"tz,omitempty"`
}

// PayloadKind selects what a job does when it fires.
type PayloadKind string

const (
	// PayloadRun enqueues a Run through the run manager.
	PayloadRun PayloadKind = "run"
	// PayloadEvent publishes an event on the bus.
	PayloadEvent PayloadKind = "event"
)

// Payload is the work a job carries.
type Payload struct {
	Kind        PayloadKind    `json:"kind"`
	Instruction string         `json:"instruction,omitempty"`
	AgentID     string         `json:"agentId,omitempty"`
	Topic       string         `json:"topic,omitempty"`
	Event       map[string]any `json:"event,omitempty"`
}

// Job statuses recorded after an execution.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// State is the dynamic part of a job. Millisecond timestamps; zero means
// unset.
type State struct {
	NextRunAtMs       int64  `json:"nextRunAtMs,omitempty"`
	RunningAtMs       int64  `json:"runningAtMs,omitempty"`
	LastRunAtMs       int64  `json:"lastRunAtMs,omitempty"`
	LastStatus        string `json:"lastStatus,omitempty"`
	LastDurationMs    int64  `json:"lastDurationMs,omitempty"`
	LastError         string `json:"lastError,omitempty"`
	ConsecutiveErrors int    `json:"consecutiveErrors,omitempty"`
}

// Job is one persisted scheduler entry.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          State    `json:"state"`
	DeleteAfterRun bool     `json:"deleteAfterRun"`
	CreatedAtMs    int64    `json:"createdAtMs"`
	UpdatedAtMs    int64    `json:"updatedAtMs"`
}

var (
	ErrJobNotFound     = errors.New("scheduled job not found")
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrAlreadyRunning  = errors.New("job is already running")
	ErrJobDisabled     = errors.New("job is disabled")
)

// Validate checks the schedule variant.
func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleAt:
		if _, err := time.Parse(time.RFC3339, s.At); err != nil {
			return fmt.Errorf("%w: bad at timestamp %q", ErrInvalidSchedule, s.At)
		}
	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return fmt.Errorf("%w: everyMs must be positive", ErrInvalidSchedule)
		}
	case ScheduleCron:
		if _, err := cronSchedule(s); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, s.Kind)
	}
	return nil
}

// Validate checks the static parts of a job.
func (j *Job) Validate() error {
	if err := j.Schedule.Validate(); err != nil {
		return err
	}
	switch j.Payload.Kind {
	case PayloadRun:
		if j.Payload.Instruction == "" {
			return fmt.Errorf("%w: run payload needs an instruction", ErrInvalidPayload)
		}
	case PayloadEvent:
		if j.Payload.Topic == "" {
			return fmt.Errorf("%w: event payload needs a topic", ErrInvalidPayload)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, j.Payload.Kind)
	}
	return nil
}
