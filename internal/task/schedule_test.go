package task

import (
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	s, err := ParseSchedule("*/15 2 * * 1-5", "")
	if err != nil {
		t.Fatalf("ParseSchedule: %v", err)
	}
	if s.Minute != "*/15" || s.Hour != "2" || s.Weekday != "1-5" {
		t.Errorf("unexpected fields: %+v", s)
	}
	if s.Expr() != "*/15 2 * * 1-5" {
		t.Errorf("Expr() = %q", s.Expr())
	}

	if _, err := ParseSchedule("* * *", ""); err == nil {
		t.Error("expected error for 3-field expression")
	}
	if _, err := ParseSchedule("* * * * * *", ""); err == nil {
		t.Error("expected error for 6-field expression")
	}
	if _, err := ParseSchedule("* * * * *", "Mars/Olympus"); err == nil {
		t.Error("expected error for unknown timezone")
	}
}

func TestScheduleNext(t *testing.T) {
	s, err := ParseSchedule("30 9 * * *", "UTC")
	if err != nil {
		t.Fatalf("ParseSchedule: %v", err)
	}
	after := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	next, err := s.Next(after)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}
}

func TestPlanStateMachine(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	first := now.Add(-time.Minute)
	second := now.Add(time.Hour)

	p := &Plan{}
	p.AddTodo(second)
	p.AddTodo(first)
	if !p.Todo[0].Equal(first) {
		t.Fatal("todo list should stay sorted ascending")
	}

	if err := p.StartNext(second.Add(time.Minute)); err == nil {
		t.Error("StartNext should reject a time not in todo")
	}
	if err := p.StartNext(first); err != nil {
		t.Fatalf("StartNext: %v", err)
	}
	if len(p.Todo) != 1 || p.InProgress == nil || !p.InProgress.Equal(first) {
		t.Fatalf("unexpected plan after StartNext: %+v", p)
	}
	if err := p.StartNext(second); err == nil {
		t.Error("StartNext should reject while another launch is in progress")
	}

	if err := p.Finish(second); err == nil {
		t.Error("Finish should reject a time that is not in progress")
	}
	if err := p.Finish(first); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if p.InProgress != nil || len(p.Done) != 1 || !p.Done[0].Equal(first) {
		t.Fatalf("unexpected plan after Finish: %+v", p)
	}
	if err := p.Finish(first); err == nil {
		t.Error("Finish should reject when nothing is in progress")
	}
}

func TestPlanShouldLaunch(t *testing.T) {
	now := time.Now().UTC()
	p := &Plan{}
	if p.ShouldLaunch(now) {
		t.Error("empty plan should not launch")
	}
	p.AddTodo(now.Add(time.Hour))
	if p.ShouldLaunch(now) {
		t.Error("future-only plan should not launch")
	}
	p.AddTodo(now.Add(-time.Second))
	if !p.ShouldLaunch(now) {
		t.Error("plan with past head should launch")
	}
}
