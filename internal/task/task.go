// Package task defines the task records managed by the scheduler: the
// closed set of task kinds, the task state machine, cron schedules,
// planned launch lists and run outcomes.
package task

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the three task variants. The set is closed;
// switches over Kind are exhaustive.
type Kind string

const (
	KindScheduled Kind = "scheduled"
	KindAdHoc     Kind = "adhoc"
	KindPlanned   Kind = "planned"
)

// State is the lifecycle state of a task.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDisabled State = "disabled"
)

// allowedTransitions defines the valid state machine edges.
// A disabled task must pass through idle before it can run again.
var allowedTransitions = map[State][]State{
	StateIdle:     {StateRunning, StateDisabled},
	StateRunning:  {StateIdle, StateDisabled},
	StateDisabled: {StateIdle},
}

// CanTransition reports whether moving from one state to another is valid.
func CanTransition(from, to State) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Task is a single persisted task record. Exactly one of Schedule,
// Token or Plan is populated, according to Kind.
type Task struct {
	Kind         Kind       `json:"type"`
	UUID         string     `json:"uuid"`
	State        State      `json:"state"`
	Name         string     `json:"name"`
	SystemPrompt string     `json:"system_prompt"`
	Prompt       string     `json:"prompt"`
	Attachments  []string   `json:"attachments"`
	ContextID    string     `json:"context_id"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	LastResult   string     `json:"last_result,omitempty"`

	Schedule *Schedule `json:"schedule,omitempty"`
	Token    string    `json:"token,omitempty"`
	Plan     *Plan     `json:"plan,omitempty"`
}

func newBase(kind Kind, name, systemPrompt, prompt string, attachments []string) Task {
	now := time.Now().UTC()
	id := uuid.NewString()
	return Task{
		Kind:         kind,
		UUID:         id,
		State:        StateIdle,
		Name:         name,
		SystemPrompt: systemPrompt,
		Prompt:       prompt,
		Attachments:  attachments,
		ContextID:    id,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// NewScheduled creates an idle cron-scheduled task. The schedule is
// validated before the task is handed out.
func NewScheduled(name, systemPrompt, prompt string, attachments []string, schedule Schedule) (*Task, error) {
	if name == "" {
		return nil, fmt.Errorf("task name is required")
	}
	if schedule.Timezone == "" {
		schedule.Timezone = "UTC"
	}
	if err := schedule.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}
	t := newBase(KindScheduled, name, systemPrompt, prompt, attachments)
	t.Schedule = &schedule
	return &t, nil
}

// NewAdHoc creates an idle ad-hoc task with a fresh trigger token.
// Ad-hoc tasks never fire from the scheduler loop.
func NewAdHoc(name, systemPrompt, prompt string, attachments []string) (*Task, error) {
	if name == "" {
		return nil, fmt.Errorf("task name is required")
	}
	t := newBase(KindAdHoc, name, systemPrompt, prompt, attachments)
	t.Token = NewToken()
	return &t, nil
}

// NewPlanned creates an idle planned task with the given launch times
// queued as todo entries.
func NewPlanned(name, systemPrompt, prompt string, attachments []string, todo []time.Time) (*Task, error) {
	if name == "" {
		return nil, fmt.Errorf("task name is required")
	}
	t := newBase(KindPlanned, name, systemPrompt, prompt, attachments)
	plan := &Plan{}
	for _, launch := range todo {
		plan.AddTodo(launch)
	}
	t.Plan = plan
	return &t, nil
}

// IsDue reports whether the task should fire at the given instant.
// Pure function of the task data and the clock; callers gate on State
// separately. Lookahead is the tick interval: a scheduled task is due
// when a cron fire time has arrived within the trailing lookahead
// window and after the last run, so each fire is dispatched by exactly
// one tick and none is double-counted.
func (t *Task) IsDue(now time.Time, lookahead time.Duration) bool {
	switch t.Kind {
	case KindAdHoc:
		return false
	case KindPlanned:
		return t.Plan != nil && t.Plan.ShouldLaunch(now)
	case KindScheduled:
		if t.Schedule == nil {
			return false
		}
		ref := now.Add(-lookahead)
		if t.CreatedAt.After(ref) {
			ref = t.CreatedAt
		}
		if t.LastRun != nil && t.LastRun.After(ref) {
			ref = *t.LastRun
		}
		next, err := t.Schedule.Next(ref)
		if err != nil {
			return false
		}
		return !next.After(now)
	}
	return false
}

// NextRun returns the next time the task would fire on its own, if any.
// Ad-hoc tasks have no next run.
func (t *Task) NextRun(now time.Time) (time.Time, bool) {
	switch t.Kind {
	case KindScheduled:
		if t.Schedule == nil {
			return time.Time{}, false
		}
		next, err := t.Schedule.Next(now)
		if err != nil {
			return time.Time{}, false
		}
		return next, true
	case KindPlanned:
		if t.Plan == nil {
			return time.Time{}, false
		}
		return t.Plan.NextLaunch()
	}
	return time.Time{}, false
}

// Clone returns a deep copy, so callers can hand out task records
// without exposing store-internal pointers.
func (t *Task) Clone() *Task {
	c := *t
	if t.Attachments != nil {
		c.Attachments = append([]string(nil), t.Attachments...)
	}
	if t.LastRun != nil {
		lr := *t.LastRun
		c.LastRun = &lr
	}
	if t.Schedule != nil {
		s := *t.Schedule
		c.Schedule = &s
	}
	if t.Plan != nil {
		c.Plan = t.Plan.clone()
	}
	return &c
}

// Touch bumps the modification timestamp.
func (t *Task) Touch() {
	t.UpdatedAt = time.Now().UTC()
}

// NewToken generates a random numeric bearer token for ad-hoc triggers.
func NewToken() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uuid.NewString()
	}
	n := binary.BigEndian.Uint64(b[:])
	const span = 9_000_000_000_000_000_000
	return strconv.FormatUint(1_000_000_000_000_000_000+n%span, 10)
}
