package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Invocation is everything the agent needs to run one task body.
type Invocation struct {
	TaskID       string   `json:"task_id"`
	TaskName     string   `json:"task_name"`
	SessionID    string   `json:"session_id"`
	SystemPrompt string   `json:"system_prompt"`
	Prompt       string   `json:"prompt"`
	Attachments  []string `json:"attachments,omitempty"`
	ExtraContext string   `json:"extra_context,omitempty"`
}

// Message returns the user-turn text for this invocation. Extra context
// from a manual trigger is prepended to the task prompt.
func (inv Invocation) Message() string {
	if inv.ExtraContext == "" {
		return inv.Prompt
	}
	return inv.ExtraContext + "\n\n" + inv.Prompt
}

// Runner is the external collaborator that executes a task body and
// returns its textual result. The scheduler treats it as opaque.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (string, error)
}

// EchoRunner answers with the invocation message. Default stand-in
// when no external agent is wired, and the workhorse of tests.
type EchoRunner struct{}

func (EchoRunner) Run(_ context.Context, inv Invocation) (string, error) {
	return inv.Message(), nil
}

// CommandRunner delegates the task body to an external command: the
// invocation is written to stdin as JSON, stdout is the result.
type CommandRunner struct {
	Command string
	Args    []string
	Timeout time.Duration
}

func (r CommandRunner) Run(ctx context.Context, inv Invocation) (string, error) {
	if r.Command == "" {
		return "", fmt.Errorf("runner command is not configured")
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(inv)
	if err != nil {
		return "", fmt.Errorf("encode invocation: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.Command, r.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("runner command: %w: %s", err, msg)
		}
		return "", fmt.Errorf("runner command: %w", err)
	}
	return strings.TrimSpace(stdout.String()), nil
}
