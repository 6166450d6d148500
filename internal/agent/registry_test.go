package agent

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
)

func setupTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestResolveCreatesAndReuses(t *testing.T) {
	reg := setupTestRegistry(t)
	ctxID := uuid.NewString()

	s, err := reg.Resolve(ctxID, "task-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.ID != ctxID || s.TaskID != "task-1" {
		t.Fatalf("unexpected session: %+v", s)
	}
	if _, err := os.Stat(reg.path(ctxID)); err != nil {
		t.Fatalf("session file missing: %v", err)
	}

	again, err := reg.Resolve(ctxID, "task-1")
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if again != s {
		t.Error("Resolve should return the same in-memory session")
	}
}

func TestAppendPersistsTranscript(t *testing.T) {
	reg := setupTestRegistry(t)
	ctxID := uuid.NewString()
	if _, err := reg.Resolve(ctxID, "task-1"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if err := reg.Append(ctxID, "user", "run the cleanup"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := reg.Append(ctxID, "assistant", "done"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// A fresh registry must see the transcript from disk.
	reloaded, err := NewRegistry(reg.dir, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	s, err := reloaded.Resolve(ctxID, "task-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(s.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(s.Messages))
	}
	if s.Messages[0].Role != "user" || s.Messages[1].Role != "assistant" {
		t.Errorf("unexpected roles: %+v", s.Messages)
	}
}

func TestAppendRequiresLoadedSession(t *testing.T) {
	reg := setupTestRegistry(t)
	if err := reg.Append(uuid.NewString(), "user", "hello"); err == nil {
		t.Fatal("Append without Resolve should fail")
	}
}

func TestRemoveDeletesChatFile(t *testing.T) {
	reg := setupTestRegistry(t)
	ctxID := uuid.NewString()
	if _, err := reg.Resolve(ctxID, "task-1"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := reg.Remove(ctxID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(reg.path(ctxID)); !os.IsNotExist(err) {
		t.Fatalf("session file should be gone, stat err = %v", err)
	}
	// Removing again is fine.
	if err := reg.Remove(ctxID); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
}

func TestEchoRunnerPrependsExtraContext(t *testing.T) {
	out, err := EchoRunner{}.Run(context.Background(), Invocation{
		Prompt:       "clean the cache",
		ExtraContext: "only the tmp dir",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "only the tmp dir\n\nclean the cache" {
		t.Errorf("out = %q", out)
	}
}

func TestCommandRunnerRequiresCommand(t *testing.T) {
	_, err := CommandRunner{}.Run(context.Background(), Invocation{Prompt: "x"})
	if err == nil {
		t.Fatal("expected error for missing command")
	}
}
