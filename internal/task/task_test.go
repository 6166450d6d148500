package task

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateRunning, true},
		{StateRunning, StateIdle, true},
		{StateIdle, StateDisabled, true},
		{StateRunning, StateDisabled, true},
		{StateDisabled, StateIdle, true},
		{StateDisabled, StateRunning, false},
		{StateIdle, StateIdle, false},
		{StateRunning, StateRunning, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestNewScheduledValidatesCron(t *testing.T) {
	_, err := NewScheduled("bad", "", "do it", nil, Schedule{
		Minute: "61", Hour: "*", Day: "*", Month: "*", Weekday: "*",
	})
	if err == nil {
		t.Fatal("expected error for out-of-range minute field")
	}

	tk, err := NewScheduled("good", "sys", "do it", nil, Schedule{
		Minute: "*/5", Hour: "*", Day: "*", Month: "*", Weekday: "*",
	})
	if err != nil {
		t.Fatalf("NewScheduled: %v", err)
	}
	if tk.State != StateIdle {
		t.Errorf("new task state = %s, want idle", tk.State)
	}
	if tk.UUID == "" || tk.ContextID != tk.UUID {
		t.Errorf("context_id should default to uuid, got uuid=%q context_id=%q", tk.UUID, tk.ContextID)
	}
	if tk.Schedule.Timezone != "UTC" {
		t.Errorf("timezone should default to UTC, got %q", tk.Schedule.Timezone)
	}
}

func TestAdHocNeverDue(t *testing.T) {
	tk, err := NewAdHoc("manual", "", "run me", nil)
	if err != nil {
		t.Fatalf("NewAdHoc: %v", err)
	}
	if tk.Token == "" {
		t.Fatal("ad-hoc task should carry a trigger token")
	}
	now := time.Now().UTC()
	for i := 0; i < 100; i++ {
		if tk.IsDue(now.Add(time.Duration(i)*time.Hour), time.Minute) {
			t.Fatal("ad-hoc task reported due")
		}
	}
	if _, ok := tk.NextRun(now); ok {
		t.Error("ad-hoc task should have no next run")
	}
}

func TestScheduledDueEveryMinute(t *testing.T) {
	tk, err := NewScheduled("minutely", "", "p", nil, Schedule{
		Minute: "*", Hour: "*", Day: "*", Month: "*", Weekday: "*",
	})
	if err != nil {
		t.Fatalf("NewScheduled: %v", err)
	}
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tk.CreatedAt = created

	// 61 seconds after creation a minute boundary has passed.
	if !tk.IsDue(created.Add(61*time.Second), time.Minute) {
		t.Error("expected task to be due 61s after creation")
	}

	// Immediately after creation nothing has fired yet.
	if tk.IsDue(created.Add(5*time.Second), time.Minute) {
		t.Error("task should not be due 5s after creation")
	}
}

func TestScheduledQuarterHourSelectivity(t *testing.T) {
	tk, err := NewScheduled("quarterly", "", "p", nil, Schedule{
		Minute: "*/15", Hour: "*", Day: "*", Month: "*", Weekday: "*",
	})
	if err != nil {
		t.Fatalf("NewScheduled: %v", err)
	}
	tk.CreatedAt = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	day := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for minute := 0; minute < 60; minute++ {
		now := day.Add(time.Duration(minute)*time.Minute + 30*time.Second)
		due := tk.IsDue(now, time.Minute)
		boundary := minute%15 == 0
		if due != boundary {
			t.Errorf("minute %d: due = %v, want %v", minute, due, boundary)
		}
	}
}

func TestScheduledLastRunSuppressesRefire(t *testing.T) {
	tk, err := NewScheduled("minutely", "", "p", nil, Schedule{
		Minute: "*", Hour: "*", Day: "*", Month: "*", Weekday: "*",
	})
	if err != nil {
		t.Fatalf("NewScheduled: %v", err)
	}
	tk.CreatedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	now := time.Date(2026, 3, 1, 12, 2, 10, 0, time.UTC)
	if !tk.IsDue(now, time.Minute) {
		t.Fatal("expected due before first run")
	}
	lastRun := now
	tk.LastRun = &lastRun
	if tk.IsDue(now.Add(5*time.Second), time.Minute) {
		t.Error("task fired again within the same window after last_run was set")
	}
	if !tk.IsDue(now.Add(60*time.Second), time.Minute) {
		t.Error("task should be due again after the next minute boundary")
	}
}

func TestPlannedDueFromTodoHead(t *testing.T) {
	now := time.Now().UTC()
	tk, err := NewPlanned("planned", "", "p", nil, []time.Time{
		now.Add(time.Hour),
		now.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("NewPlanned: %v", err)
	}
	if !tk.IsDue(now, time.Minute) {
		t.Error("planned task with a past todo entry should be due")
	}
	next, ok := tk.NextRun(now)
	if !ok || !next.Equal(tk.Plan.Todo[0]) {
		t.Errorf("NextRun = %v, %v; want head of todo", next, ok)
	}

	empty, err := NewPlanned("empty", "", "p", nil, nil)
	if err != nil {
		t.Fatalf("NewPlanned: %v", err)
	}
	if empty.IsDue(now, time.Minute) {
		t.Error("planned task with no todo entries should not be due")
	}
}

func TestOutcomeString(t *testing.T) {
	if got := Success("42 files cleaned").String(); got != "42 files cleaned" {
		t.Errorf("success string = %q", got)
	}
	if got := Failure(errors.New("boom")).String(); got != "ERROR: boom" {
		t.Errorf("failure string = %q", got)
	}
	if Success("x").OK() != true || Failure(errors.New("x")).OK() != false {
		t.Error("OK() misclassified outcome")
	}
}

func TestNewTokenShape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		tok := NewToken()
		if len(tok) != 19 {
			t.Fatalf("token %q: want 19 digits", tok)
		}
		if seen[tok] {
			t.Fatalf("token %q repeated", tok)
		}
		seen[tok] = true
	}
}

func TestCloneIsDeep(t *testing.T) {
	tk, err := NewPlanned("planned", "", "p", []string{"/tmp/a.txt"}, []time.Time{time.Now().UTC()})
	if err != nil {
		t.Fatalf("NewPlanned: %v", err)
	}
	c := tk.Clone()
	c.Attachments[0] = "changed"
	c.Plan.Todo[0] = c.Plan.Todo[0].Add(time.Hour)
	if tk.Attachments[0] == "changed" {
		t.Error("clone shares attachments slice")
	}
	if tk.Plan.Todo[0].Equal(c.Plan.Todo[0]) {
		t.Error("clone shares plan todo slice")
	}
}
