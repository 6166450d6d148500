// Package agent holds the seam to the conversational agent that
// executes task bodies: the Runner interface, its built-in
// implementations, and the registry of persisted sessions keyed by the
// task's context id.
package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Message is one turn in a session transcript.
type Message struct {
	Role      string    `json:"role"` // system, user or assistant
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is a persisted conversation. Tasks sharing a context id share
// a session, so recurring runs keep their history.
type Session struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages"`
}

// Registry manages session lifecycles. Each session is one JSON file
// under the chats directory.
type Registry struct {
	mu       sync.Mutex
	dir      string
	logger   *slog.Logger
	sessions map[string]*Session
}

// NewRegistry creates a Registry persisting sessions under dir.
func NewRegistry(dir string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create chats directory: %w", err)
	}
	return &Registry{
		dir:      dir,
		logger:   logger,
		sessions: make(map[string]*Session),
	}, nil
}

func (r *Registry) path(contextID string) string {
	return filepath.Join(r.dir, contextID+".json")
}

// Resolve returns the session for the given context id, loading it from
// disk or creating it as needed.
func (r *Registry) Resolve(contextID, taskID string) (*Session, error) {
	if contextID == "" {
		return nil, fmt.Errorf("context id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[contextID]; ok {
		return s, nil
	}

	data, err := os.ReadFile(r.path(contextID))
	if err == nil {
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", contextID, err)
		}
		r.sessions[contextID] = &s
		return &s, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read session %s: %w", contextID, err)
	}

	now := time.Now().UTC()
	s := &Session{
		ID:        contextID,
		TaskID:    taskID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.sessions[contextID] = s
	if err := r.persistLocked(s); err != nil {
		delete(r.sessions, contextID)
		return nil, err
	}
	return s, nil
}

// Append adds a turn to the session transcript and persists it.
func (r *Registry) Append(contextID, role, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[contextID]
	if !ok {
		return fmt.Errorf("session %s is not loaded", contextID)
	}
	now := time.Now().UTC()
	s.Messages = append(s.Messages, Message{Role: role, Content: content, CreatedAt: now})
	s.UpdatedAt = now
	return r.persistLocked(s)
}

// Remove drops the session from memory and deletes its chat file.
// Called when the owning task is deleted.
func (r *Registry) Remove(contextID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, contextID)
	if err := os.Remove(r.path(contextID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}

// persistLocked writes the session file atomically. Callers hold r.mu.
func (r *Registry) persistLocked(s *Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	tmp, err := os.CreateTemp(r.dir, s.ID+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Rename(tmpName, r.path(s.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}
