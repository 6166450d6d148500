// Package scheduler ties the pieces together: it scans the task store
// on a fixed tick, dispatches due tasks to the deferred execution
// engine, and settles each run back into the store and the run journal.
// Manual triggers (by uuid, name or bearer token) go through the same
// dispatch path as the tick loop, so the single-flight guarantee holds
// no matter where a run came from.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-tasker/internal/agent"
	"github.com/basket/go-tasker/internal/bus"
	"github.com/basket/go-tasker/internal/deferred"
	"github.com/basket/go-tasker/internal/journal"
	"github.com/basket/go-tasker/internal/otel"
	"github.com/basket/go-tasker/internal/shared"
	"github.com/basket/go-tasker/internal/store"
	"github.com/basket/go-tasker/internal/task"
)

const defaultInterval = time.Minute

var (
	// ErrNotFound mirrors the store's not-found error.
	ErrNotFound = store.ErrNotFound
	// ErrAlreadyRunning is returned when a trigger loses the
	// idle-to-running race: exactly one caller dispatches a run.
	ErrAlreadyRunning = errors.New("task is already running")
	// ErrDisabled is returned when a trigger hits a disabled task.
	ErrDisabled = errors.New("task is disabled")
	// ErrAmbiguousName is returned when a name trigger matches more
	// than one task.
	ErrAmbiguousName = errors.New("task name matches more than one task")
	// ErrWaitTimeout is returned by Wait when the run has not settled
	// in time. Distinct from the run's own failure.
	ErrWaitTimeout = errors.New("timed out waiting for task")
)

// Config carries the scheduler's collaborators. Store is required;
// everything else has a working default or is optional.
type Config struct {
	Store    *store.Store
	Journal  *journal.Journal // optional run history
	Engine   *deferred.Engine
	Registry *agent.Registry // optional session persistence
	Runner   agent.Runner
	Bus      *bus.Bus
	Logger   *slog.Logger
	Metrics  *otel.Metrics // optional
	Tracer   trace.Tracer  // optional
	Interval time.Duration
}

// Scheduler owns the tick loop and the dispatch path.
type Scheduler struct {
	store    *store.Store
	journal  *journal.Journal
	engine   *deferred.Engine
	registry *agent.Registry
	runner   agent.Runner
	bus      *bus.Bus
	logger   *slog.Logger
	metrics  *otel.Metrics
	tracer   trace.Tracer
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]*deferred.Handle
	settled  map[string]task.Outcome
}

// New creates a scheduler from the given config.
func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Engine == nil {
		cfg.Engine = deferred.New(cfg.Logger)
	}
	if cfg.Runner == nil {
		cfg.Runner = agent.EchoRunner{}
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.New()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Scheduler{
		store:    cfg.Store,
		journal:  cfg.Journal,
		engine:   cfg.Engine,
		registry: cfg.Registry,
		runner:   cfg.Runner,
		bus:      cfg.Bus,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		interval: cfg.Interval,
		inflight: make(map[string]*deferred.Handle),
		settled:  make(map[string]task.Outcome),
	}
}

// Bus returns the event bus runs are announced on.
func (s *Scheduler) Bus() *bus.Bus {
	return s.bus
}

// Recover resets tasks stranded in the running state by a crashed
// process and closes their open journal runs. Call once at startup,
// before the first tick.
func (s *Scheduler) Recover(ctx context.Context) error {
	recovered, err := s.store.RecoverRunning()
	if err != nil {
		return fmt.Errorf("recover running tasks: %w", err)
	}
	if s.journal != nil {
		closed, jerr := s.journal.MarkInterrupted(ctx)
		if jerr != nil {
			s.logger.Warn("could not close interrupted journal runs", "error", jerr)
		} else if closed > 0 {
			s.logger.Info("closed interrupted journal runs", "count", closed)
		}
	}
	for _, id := range recovered {
		t, gerr := s.store.Get(id)
		if gerr != nil {
			continue
		}
		s.bus.Publish(bus.TopicTaskRecovered, bus.TaskEvent{
			TaskID: id, Name: t.Name, Kind: string(t.Kind),
		})
	}
	return nil
}

// Start launches the tick loop. The first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop shuts the scheduler down: the tick loop exits, the execution
// engine finishes its current run and drains the rest, and every
// in-flight settle completes before Stop returns.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.engine.Stop()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	s.logger.Info("scheduler loop started", "interval", s.interval.String())

	s.Tick(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler loop stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick makes one pass over the store and dispatches every due idle
// task. Safe to call concurrently with triggers; the store transition
// arbitrates.
func (s *Scheduler) Tick(ctx context.Context) {
	started := time.Now()
	now := started.UTC()

	for _, t := range s.store.All() {
		if !t.IsDue(now, s.interval) {
			continue
		}
		switch t.State {
		case task.StateDisabled:
			// Not due at all while disabled. Announcing the skip every
			// tick would flood the bus for as long as the task stays off.
			continue
		case task.StateRunning:
			s.skip(ctx, t, "already running")
			continue
		}
		if err := s.dispatch(ctx, t, journal.TriggerTick, ""); err != nil {
			switch {
			case errors.Is(err, ErrAlreadyRunning):
				s.skip(ctx, t, "already running")
			case errors.Is(err, deferred.ErrQueueFull), errors.Is(err, deferred.ErrStopped):
				s.skip(ctx, t, "execution engine unavailable")
			default:
				s.logger.Error("dispatch failed", "task_id", t.UUID, "task", t.Name, "error", err)
			}
		}
	}

	if s.metrics != nil {
		s.metrics.TickDuration.Record(ctx, time.Since(started).Seconds())
	}
}

func (s *Scheduler) skip(ctx context.Context, t *task.Task, reason string) {
	s.logger.Debug("due task skipped", "task_id", t.UUID, "task", t.Name, "reason", reason)
	s.bus.Publish(bus.TopicTaskSkipped, bus.TaskSkippedEvent{
		TaskID: t.UUID, Name: t.Name, Reason: reason,
	})
	if s.metrics != nil {
		s.metrics.TasksSkipped.Add(ctx, 1, metric.WithAttributes(
			otel.AttrTaskKind.String(string(t.Kind)),
		))
	}
}

// RunByUUID triggers a task manually. Extra context, when given, is
// prepended to the task prompt for this run only.
func (s *Scheduler) RunByUUID(ctx context.Context, uuid, extraContext string) error {
	t, err := s.store.Get(uuid)
	if err != nil {
		return err
	}
	return s.dispatch(ctx, t, journal.TriggerManual, extraContext)
}

// RunByName triggers a task by its name. Names are not unique, so a
// name matching several tasks is rejected rather than guessed at.
func (s *Scheduler) RunByName(ctx context.Context, name, extraContext string) (string, error) {
	matches := s.store.FindByName(name)
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("task %q: %w", name, ErrNotFound)
	case 1:
		return matches[0].UUID, s.dispatch(ctx, matches[0], journal.TriggerManual, extraContext)
	default:
		return "", fmt.Errorf("task %q: %w", name, ErrAmbiguousName)
	}
}

// RunByToken triggers an ad-hoc task by its bearer token. The token is
// the only credential; nothing else about the task needs to be known.
func (s *Scheduler) RunByToken(ctx context.Context, token, extraContext string) (string, error) {
	t, err := s.store.GetByToken(token)
	if err != nil {
		return "", err
	}
	return t.UUID, s.dispatch(ctx, t, journal.TriggerToken, extraContext)
}

// dispatch is the single path every run takes: win the idle-to-running
// transition, record the run, submit the body to the execution engine
// and watch for it to settle.
func (s *Scheduler) dispatch(ctx context.Context, t *task.Task, trigger, extraContext string) error {
	if t.State == task.StateDisabled {
		return fmt.Errorf("task %s: %w", t.UUID, ErrDisabled)
	}

	won, err := s.store.Transition(t.UUID, task.StateIdle, task.StateRunning)
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("task %s: %w", t.UUID, ErrAlreadyRunning)
	}

	// Planned tasks move their head launch time to in-progress when
	// the run starts; the settle moves it to done whatever the outcome.
	if t.Kind == task.KindPlanned {
		if _, uerr := s.store.Update(t.UUID, func(u *task.Task) error {
			if u.Plan == nil {
				return nil
			}
			if launch, ok := u.Plan.NextLaunch(); ok {
				return u.Plan.StartNext(launch)
			}
			return nil
		}); uerr != nil {
			s.logger.Warn("could not mark launch in progress", "task_id", t.UUID, "error", uerr)
		}
	}

	snap, err := s.store.Get(t.UUID)
	if err != nil {
		return err
	}

	runID := ""
	if s.journal != nil {
		runID, err = s.journal.RecordStart(ctx, snap.UUID, snap.Name, string(snap.Kind), trigger)
		if err != nil {
			s.logger.Warn("could not journal run start", "task_id", snap.UUID, "error", err)
			runID = ""
		}
	}

	handle, err := s.engine.Submit(s.body(snap, extraContext))
	if err != nil {
		s.rollbackDispatch(ctx, snap, runID, err)
		return err
	}

	s.mu.Lock()
	s.inflight[snap.UUID] = handle
	delete(s.settled, snap.UUID)
	s.mu.Unlock()

	s.logger.Info("task dispatched", "task_id", snap.UUID, "task", snap.Name,
		"kind", snap.Kind, "trigger", trigger, "run_id", runID)
	s.bus.Publish(bus.TopicTaskStarted, bus.TaskRunEvent{
		TaskID: snap.UUID, Name: snap.Name, Kind: string(snap.Kind),
		RunID: runID, Trigger: trigger,
	})
	if s.metrics != nil {
		attrs := metric.WithAttributes(otel.AttrTaskKind.String(string(snap.Kind)))
		s.metrics.TasksDispatched.Add(ctx, 1, attrs)
		s.metrics.ActiveRuns.Add(ctx, 1)
	}

	s.wg.Add(1)
	go s.await(snap, trigger, runID, handle, time.Now())
	return nil
}

// rollbackDispatch unwinds a won transition when the engine refuses the
// body, so the task does not stay stuck in running.
func (s *Scheduler) rollbackDispatch(ctx context.Context, t *task.Task, runID string, cause error) {
	if _, err := s.store.Update(t.UUID, func(u *task.Task) error {
		if u.State == task.StateRunning {
			u.State = task.StateIdle
		}
		if u.Plan != nil && u.Plan.InProgress != nil {
			launch := *u.Plan.InProgress
			u.Plan.InProgress = nil
			u.Plan.AddTodo(launch)
		}
		return nil
	}); err != nil {
		s.logger.Error("could not roll back dispatch", "task_id", t.UUID, "error", err)
	}
	if s.journal != nil && runID != "" {
		if err := s.journal.RecordFinish(ctx, runID, journal.StatusFailed, "", cause.Error()); err != nil {
			s.logger.Warn("could not journal rolled-back run", "run_id", runID, "error", err)
		}
	}
}

// body builds the unit of work handed to the execution engine: resolve
// the conversational session, append the user turn, run the agent,
// append its answer.
func (s *Scheduler) body(t *task.Task, extraContext string) deferred.Fn {
	return func(ctx context.Context) (any, error) {
		ctx = shared.WithTaskID(ctx, t.UUID)
		ctx = shared.WithSessionID(ctx, t.ContextID)
		if s.tracer != nil {
			var span trace.Span
			ctx, span = otel.StartClientSpan(ctx, s.tracer, "task.run",
				otel.AttrTaskID.String(t.UUID),
				otel.AttrTaskName.String(t.Name),
				otel.AttrTaskKind.String(string(t.Kind)),
				otel.AttrSessionID.String(t.ContextID),
			)
			defer span.End()
		}

		inv := agent.Invocation{
			TaskID:       t.UUID,
			TaskName:     t.Name,
			SystemPrompt: t.SystemPrompt,
			Prompt:       t.Prompt,
			Attachments:  t.Attachments,
			ExtraContext: extraContext,
		}
		if s.registry != nil {
			sess, err := s.registry.Resolve(t.ContextID, t.UUID)
			if err != nil {
				s.logger.Warn("could not resolve session", "task_id", t.UUID, "error", err)
			} else {
				inv.SessionID = sess.ID
				if aerr := s.registry.Append(t.ContextID, "user", inv.Message()); aerr != nil {
					s.logger.Warn("could not append user turn", "session_id", t.ContextID, "error", aerr)
				}
			}
		}

		result, err := s.runner.Run(ctx, inv)
		if err != nil {
			return nil, err
		}
		if s.registry != nil && inv.SessionID != "" {
			if aerr := s.registry.Append(t.ContextID, "assistant", result); aerr != nil {
				s.logger.Warn("could not append assistant turn", "session_id", t.ContextID, "error", aerr)
			}
		}
		return result, nil
	}
}

// await watches one in-flight run and settles it: last_result is
// tagged, planned launches complete, the state returns to idle and the
// journal run closes. Runs with context.Background so a shutdown still
// settles cleanly.
func (s *Scheduler) await(t *task.Task, trigger, runID string, handle *deferred.Handle, started time.Time) {
	defer s.wg.Done()
	<-handle.Done()
	value, err := handle.Result(time.Second)

	result, _ := value.(string)
	var outcome task.Outcome
	if err == nil {
		outcome = task.Success(result)
	} else {
		outcome = task.Failure(err)
	}

	ctx := context.Background()
	now := time.Now().UTC()
	_, uerr := s.store.Update(t.UUID, func(u *task.Task) error {
		if u.State == task.StateRunning {
			u.State = task.StateIdle
		}
		u.LastRun = &now
		u.LastResult = outcome.String()
		// The in-progress launch is consumed whether the run succeeded
		// or failed; the journal keeps the failure, and a stuck launch
		// would block every later one.
		if u.Kind == task.KindPlanned && u.Plan != nil && u.Plan.InProgress != nil {
			if ferr := u.Plan.Finish(*u.Plan.InProgress); ferr != nil {
				s.logger.Warn("could not complete launch", "task_id", u.UUID, "error", ferr)
			}
		}
		return nil
	})
	switch {
	case uerr == nil:
		if s.metrics != nil {
			s.metrics.StoreSaves.Add(ctx, 1)
		}
	case errors.Is(uerr, store.ErrNotFound):
		s.logger.Debug("task removed while running", "task_id", t.UUID)
	default:
		s.logger.Error("could not persist run result", "task_id", t.UUID, "error", uerr)
		if s.metrics != nil {
			s.metrics.StoreSaveErrors.Add(ctx, 1)
		}
	}

	s.mu.Lock()
	delete(s.inflight, t.UUID)
	s.settled[t.UUID] = outcome
	s.mu.Unlock()

	status := journal.StatusSucceeded
	topic := bus.TopicTaskSucceeded
	errMsg := ""
	if !outcome.OK() {
		status = journal.StatusFailed
		topic = bus.TopicTaskFailed
		errMsg = outcome.Message
		result = ""
	}
	if s.journal != nil && runID != "" {
		if jerr := s.journal.RecordFinish(ctx, runID, status, result, errMsg); jerr != nil {
			s.logger.Warn("could not journal run finish", "run_id", runID, "error", jerr)
		}
	}

	s.bus.Publish(topic, bus.TaskRunEvent{
		TaskID: t.UUID, Name: t.Name, Kind: string(t.Kind),
		RunID: runID, Trigger: trigger, Status: status,
		Result: result, Error: errMsg,
	})
	if s.metrics != nil {
		attrs := metric.WithAttributes(otel.AttrTaskKind.String(string(t.Kind)))
		s.metrics.RunDuration.Record(ctx, time.Since(started).Seconds(), attrs)
		s.metrics.ActiveRuns.Add(ctx, -1)
		if !outcome.OK() {
			s.metrics.RunErrors.Add(ctx, 1, attrs)
		}
	}

	if outcome.OK() {
		s.logger.Info("task succeeded", "task_id", t.UUID, "task", t.Name,
			"run_id", runID, "duration", time.Since(started).String())
	} else {
		s.logger.Error("task failed", "task_id", t.UUID, "task", t.Name,
			"run_id", runID, "error", errMsg)
	}
}

// Create adds a task to the store, warms its conversational session and
// announces it on the bus.
func (s *Scheduler) Create(t *task.Task) error {
	if err := s.store.Add(t); err != nil {
		return err
	}
	if s.registry != nil {
		if _, err := s.registry.Resolve(t.ContextID, t.UUID); err != nil {
			s.logger.Warn("could not create session", "task_id", t.UUID, "error", err)
		}
	}
	s.logger.Info("task created", "task_id", t.UUID, "task", t.Name, "kind", t.Kind)
	s.bus.Publish(bus.TopicTaskCreated, bus.TaskEvent{
		TaskID: t.UUID, Name: t.Name, Kind: string(t.Kind),
	})
	return nil
}

// Delete removes a task. A run in flight is killed first; its session
// file goes too, unless another task shares the context.
func (s *Scheduler) Delete(uuid string) error {
	t, err := s.store.Get(uuid)
	if err != nil {
		return err
	}

	s.mu.Lock()
	handle := s.inflight[uuid]
	delete(s.settled, uuid)
	s.mu.Unlock()
	if handle != nil {
		handle.Kill()
	}

	if err := s.store.Remove(uuid); err != nil {
		return err
	}
	if s.registry != nil && !s.contextShared(t.ContextID) {
		if rerr := s.registry.Remove(t.ContextID); rerr != nil {
			s.logger.Warn("could not remove session", "session_id", t.ContextID, "error", rerr)
		}
	}
	s.logger.Info("task removed", "task_id", uuid, "task", t.Name)
	s.bus.Publish(bus.TopicTaskRemoved, bus.TaskEvent{
		TaskID: uuid, Name: t.Name, Kind: string(t.Kind),
	})
	return nil
}

func (s *Scheduler) contextShared(contextID string) bool {
	for _, t := range s.store.All() {
		if t.ContextID == contextID {
			return true
		}
	}
	return false
}

// Disable stops a task from firing. A run already in flight finishes;
// it settles back to disabled, not idle.
func (s *Scheduler) Disable(uuid string) error {
	t, err := s.store.Get(uuid)
	if err != nil {
		return err
	}
	if t.State == task.StateDisabled {
		return nil
	}
	won, err := s.store.Transition(uuid, t.State, task.StateDisabled)
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("task %s changed state concurrently", uuid)
	}
	return nil
}

// Enable returns a disabled task to idle.
func (s *Scheduler) Enable(uuid string) error {
	t, err := s.store.Get(uuid)
	if err != nil {
		return err
	}
	if t.State != task.StateDisabled {
		return nil
	}
	won, err := s.store.Transition(uuid, task.StateDisabled, task.StateIdle)
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("task %s changed state concurrently", uuid)
	}
	return nil
}

// Wait blocks until the task is no longer running or the timeout
// passes. Bus events give low latency; a slow poll backs them up in
// case an event is dropped. Timing out is its own error, distinct from
// the run failing.
func (s *Scheduler) Wait(ctx context.Context, uuid string, timeout time.Duration) (task.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Subscribe before the terminal check so a settle between the two
	// cannot be missed.
	sub := s.bus.Subscribe("task.")
	defer s.bus.Unsubscribe(sub)

	outcome, settled, err := s.checkSettled(ctx, uuid)
	if err != nil || settled {
		return outcome, err
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return task.Outcome{}, fmt.Errorf("task %s: %w", uuid, ErrWaitTimeout)
		case <-ticker.C:
			outcome, settled, err := s.checkSettled(ctx, uuid)
			if err != nil || settled {
				return outcome, err
			}
		case ev := <-sub.Ch():
			run, ok := ev.Payload.(bus.TaskRunEvent)
			if !ok || run.TaskID != uuid {
				continue
			}
			// The settle events carry the structured outcome.
			switch run.Status {
			case journal.StatusSucceeded:
				return task.Success(run.Result), nil
			case journal.StatusFailed:
				return task.Outcome{Status: task.OutcomeFailure, Message: run.Error}, nil
			}
		}
	}
}

// checkSettled reports whether the task is out of flight, and if so
// reconstructs the last outcome. The outcome recorded at settle time is
// authoritative; for runs settled by another process the journal's
// status is consulted, and only when neither exists does the persisted
// last_result string decide.
func (s *Scheduler) checkSettled(ctx context.Context, uuid string) (task.Outcome, bool, error) {
	s.mu.Lock()
	_, running := s.inflight[uuid]
	out, recorded := s.settled[uuid]
	s.mu.Unlock()
	if running {
		return task.Outcome{}, false, nil
	}

	t, err := s.store.Get(uuid)
	if err != nil {
		return task.Outcome{}, false, err
	}
	if t.State == task.StateRunning {
		return task.Outcome{}, false, nil
	}
	if recorded {
		return out, true, nil
	}

	if s.journal != nil {
		runs, jerr := s.journal.ListRuns(ctx, uuid, 1)
		if jerr == nil && len(runs) == 1 {
			switch runs[0].Status {
			case journal.StatusSucceeded:
				return task.Success(runs[0].Result), true, nil
			case journal.StatusFailed:
				return task.Outcome{Status: task.OutcomeFailure, Message: runs[0].Error}, true, nil
			}
		}
	}

	if msg, failed := strings.CutPrefix(t.LastResult, "ERROR: "); failed {
		return task.Outcome{Status: task.OutcomeFailure, Message: msg}, true, nil
	}
	return task.Success(t.LastResult), true, nil
}
