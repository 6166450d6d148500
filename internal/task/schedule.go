package task

import (
	"fmt"
	"sort"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Schedule is a 5-field cron specification evaluated in a named timezone.
type Schedule struct {
	Minute   string `json:"minute"`
	Hour     string `json:"hour"`
	Day      string `json:"day"`
	Month    string `json:"month"`
	Weekday  string `json:"weekday"`
	Timezone string `json:"timezone,omitempty"`
}

// ParseSchedule splits a space-separated cron expression into a Schedule.
func ParseSchedule(expr, timezone string) (Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return Schedule{}, fmt.Errorf("cron expression needs 5 fields, got %d: %q", len(fields), expr)
	}
	s := Schedule{
		Minute:   fields[0],
		Hour:     fields[1],
		Day:      fields[2],
		Month:    fields[3],
		Weekday:  fields[4],
		Timezone: timezone,
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	if err := s.Validate(); err != nil {
		return Schedule{}, err
	}
	return s, nil
}

// Expr returns the schedule as a 5-field cron expression.
func (s Schedule) Expr() string {
	return strings.Join([]string{s.Minute, s.Hour, s.Day, s.Month, s.Weekday}, " ")
}

// Validate checks the cron fields and the timezone name.
func (s Schedule) Validate() error {
	if _, err := cronParser.Parse(s.Expr()); err != nil {
		return fmt.Errorf("parse cron %q: %w", s.Expr(), err)
	}
	if _, err := s.Location(); err != nil {
		return fmt.Errorf("unknown timezone %q: %w", s.Timezone, err)
	}
	return nil
}

// Location resolves the schedule's timezone, defaulting to UTC.
func (s Schedule) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// Next returns the first fire time strictly after the given instant.
func (s Schedule) Next(after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(s.Expr())
	if err != nil {
		return time.Time{}, err
	}
	loc, err := s.Location()
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after.In(loc)), nil
}

// Plan tracks the launch times of a planned task as a strict
// three-bucket machine: queued todo times, at most one in-progress
// time, and completed times. Todo and done stay sorted ascending.
type Plan struct {
	Todo       []time.Time `json:"todo"`
	InProgress *time.Time  `json:"in_progress,omitempty"`
	Done       []time.Time `json:"done"`
}

// AddTodo queues a launch time, keeping the todo list sorted.
func (p *Plan) AddTodo(launch time.Time) {
	p.Todo = append(p.Todo, launch.UTC())
	sort.Slice(p.Todo, func(i, j int) bool { return p.Todo[i].Before(p.Todo[j]) })
}

// NextLaunch returns the earliest queued launch time.
func (p *Plan) NextLaunch() (time.Time, bool) {
	if len(p.Todo) == 0 {
		return time.Time{}, false
	}
	return p.Todo[0], true
}

// ShouldLaunch reports whether the earliest queued launch time has arrived.
func (p *Plan) ShouldLaunch(now time.Time) bool {
	next, ok := p.NextLaunch()
	return ok && !next.After(now)
}

// StartNext moves the given launch time from todo to in-progress.
// The time must be queued, and no other launch may be in progress.
func (p *Plan) StartNext(launch time.Time) error {
	launch = launch.UTC()
	if p.InProgress != nil {
		return fmt.Errorf("launch time %s is still in progress", p.InProgress.Format(time.RFC3339))
	}
	idx := -1
	for i, t := range p.Todo {
		if t.Equal(launch) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("launch time %s is not in the todo list", launch.Format(time.RFC3339))
	}
	p.Todo = append(p.Todo[:idx], p.Todo[idx+1:]...)
	p.InProgress = &launch
	return nil
}

// Finish moves the in-progress launch time to done. The time must match
// the in-progress entry and must not already be done.
func (p *Plan) Finish(launch time.Time) error {
	launch = launch.UTC()
	if p.InProgress == nil || !p.InProgress.Equal(launch) {
		return fmt.Errorf("launch time %s is not in progress", launch.Format(time.RFC3339))
	}
	for _, t := range p.Done {
		if t.Equal(launch) {
			return fmt.Errorf("launch time %s is already done", launch.Format(time.RFC3339))
		}
	}
	p.InProgress = nil
	p.Done = append(p.Done, launch)
	sort.Slice(p.Done, func(i, j int) bool { return p.Done[i].Before(p.Done[j]) })
	return nil
}

func (p *Plan) clone() *Plan {
	c := &Plan{
		Todo: append([]time.Time(nil), p.Todo...),
		Done: append([]time.Time(nil), p.Done...),
	}
	if p.InProgress != nil {
		ip := *p.InProgress
		c.InProgress = &ip
	}
	return c
}
