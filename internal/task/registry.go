// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package task

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/muster/internal/clock"
	"grimm.is/muster/internal/errors"
	"grimm.is/muster/internal/logging"
	"grimm.is/muster/internal/metrics"
	"grimm.is/muster/internal/wire"
)

// Options configures a Registry.
type Options struct {
	Logger     *logging.Logger
	Clock      clock.Clock
	Metrics    *metrics.Collector
	PollPeriod time.Duration // timeout supervisor evaluation period
}

// Registry owns every task and serializes all task mutation behind one
// lock. Tasks are never deleted automatically; they persist for result
// retrieval until Shutdown.
type Registry struct {
	logger    *logging.Logger
	clock     clock.Clock
	collector *metrics.Collector
	poll      time.Duration

	mu       sync.RWMutex
	tasks    map[uuid.UUID]*Task
	byClient map[uuid.UUID][]uuid.UUID

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRegistry creates an empty task registry.
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("task")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.PollPeriod <= 0 {
		opts.PollPeriod = 5 * time.Second
	}
	return &Registry{
		logger:    opts.Logger,
		clock:     opts.Clock,
		collector: opts.Metrics,
		poll:      opts.PollPeriod,
		tasks:     make(map[uuid.UUID]*Task),
		byClient:  make(map[uuid.UUID][]uuid.UUID),
	}
}

// Create adds a task in state Created. A timeout of zero means the
// task is never auto-expired. The payload buffer is owned by the task
// from this point on.
func (r *Registry) Create(clientID uuid.UUID, taskType Type, payload []byte, timeout time.Duration) (uuid.UUID, error) {
	if timeout < 0 {
		return uuid.Nil, errors.New(errors.KindValidation, "task timeout must not be negative")
	}
	t := &Task{
		id:       uuid.New(),
		clientID: clientID,
		taskType: taskType,
		state:    StateCreated,
		created:  r.clock.Now(),
		timeout:  timeout,
		payload:  payload,
	}

	r.mu.Lock()
	r.tasks[t.id] = t
	r.byClient[clientID] = append(r.byClient[clientID], t.id)
	r.mu.Unlock()

	r.collector.TaskStateChange("", StateCreated.String())
	r.logger.Info("Task created", "id", t.id, "client", clientID, "type", taskType.String(), "timeout", timeout.String())
	return t.id, nil
}

// CreateModuleCall creates a Module task whose payload encodes the
// module name, command, and argument string, each length-prefixed.
func (r *Registry) CreateModuleCall(clientID uuid.UUID, call wire.ModuleCall, timeout time.Duration) (uuid.UUID, error) {
	payload, err := wire.EncodeModuleCall(call)
	if err != nil {
		return uuid.Nil, err
	}
	return r.Create(clientID, TypeModule, payload, timeout)
}

// MarkSent records the hand-off to the transport layer.
func (r *Registry) MarkSent(id uuid.UUID) error {
	return r.advance(id, StateSent)
}

// MarkRunning records the first progress signal from the client.
func (r *Registry) MarkRunning(id uuid.UUID) error {
	return r.advance(id, StateRunning)
}

// advance moves a task forward through the non-terminal states. Any
// backward or terminal-re-entering transition is rejected.
func (r *Registry) advance(id uuid.UUID, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return errors.Errorf(errors.KindNotFound, "task %s not found", id)
	}
	if t.state.Terminal() {
		return errors.Errorf(errors.KindConflict, "task %s is already %s", id, t.state)
	}
	if to <= t.state {
		return errors.Errorf(errors.KindConflict, "task %s cannot move %s -> %s", id, t.state, to)
	}

	from := t.state
	now := r.clock.Now()
	switch to {
	case StateSent:
		t.sent = now
	case StateRunning:
		// Created -> Running is allowed when the client reports
		// progress before the send is recorded.
		if t.sent.IsZero() {
			t.sent = now
		}
		t.started = now
	default:
		return errors.Errorf(errors.KindValidation, "advance cannot enter state %s", to)
	}
	t.state = to

	r.collector.TaskStateChange(from.String(), to.String())
	return nil
}

// SetResult resolves the task as Completed, taking ownership of the
// result buffer. Exactly one of SetResult and SetError wins; a second
// terminal write of either kind is rejected, never overwritten.
func (r *Registry) SetResult(id uuid.UUID, result []byte) error {
	return r.finish(id, StateCompleted, result, "")
}

// SetError resolves the task as Failed with an error string.
func (r *Registry) SetError(id uuid.UUID, msg string) error {
	return r.finish(id, StateFailed, nil, msg)
}

func (r *Registry) finish(id uuid.UUID, to State, result []byte, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return errors.Errorf(errors.KindNotFound, "task %s not found", id)
	}
	if t.state.Terminal() {
		return errors.Errorf(errors.KindConflict, "task %s is already %s", id, t.state)
	}

	from := t.state
	t.state = to
	t.ended = r.clock.Now()
	t.result = result
	t.errMsg = errMsg

	r.collector.TaskStateChange(from.String(), to.String())
	r.collector.TaskOutcome(to.String())
	r.logger.Info("Task resolved", "id", id, "outcome", to.String())
	return nil
}

// Find returns a snapshot of the task.
func (r *Registry) Find(id uuid.UUID) (Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return Snapshot{}, errors.Errorf(errors.KindNotFound, "task %s not found", id)
	}
	return t.snapshot(), nil
}

// ForClient returns snapshots of every task addressed to the session,
// in creation order, regardless of state.
func (r *Registry) ForClient(clientID uuid.UUID) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byClient[clientID]
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if t, ok := r.tasks[id]; ok {
			out = append(out, t.snapshot())
		}
	}
	return out
}

// Snapshots returns every task, newest first.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.After(out[j].Created) })
	return out
}

// Count returns the number of tasks held.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// Payload returns a copy of the task's input payload, for re-dispatch
// after a protocol switch.
func (r *Registry) Payload(id uuid.UUID) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, errors.Errorf(errors.KindNotFound, "task %s not found", id)
	}
	return append([]byte(nil), t.payload...), nil
}

// Start launches the timeout supervisor.
func (r *Registry) Start() {
	r.mu.Lock()
	if r.stopCh != nil {
		r.mu.Unlock()
		return
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	stop, done := r.stopCh, r.doneCh
	r.mu.Unlock()

	go r.supervise(stop, done)
	r.logger.Info("Task timeout supervisor started", "poll", r.poll.String())
}

// Stop signals the supervisor and joins it.
func (r *Registry) Stop() {
	r.mu.Lock()
	stop, done := r.stopCh, r.doneCh
	r.stopCh, r.doneCh = nil, nil
	r.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	r.logger.Info("Task timeout supervisor stopped")
}

// Shutdown stops the supervisor, then releases the task table.
func (r *Registry) Shutdown() {
	r.Stop()
	r.mu.Lock()
	r.tasks = make(map[uuid.UUID]*Task)
	r.byClient = make(map[uuid.UUID][]uuid.UUID)
	r.mu.Unlock()
}

func (r *Registry) supervise(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := r.clock.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.expire()
		case <-stop:
			return
		}
	}
}

// expire runs one supervisor pass: every non-terminal task with a
// positive timeout whose elapsed time since sent (or created, if never
// sent) exceeds it is forced to Timeout. A task with timeout zero is
// never auto-expired.
func (r *Registry) expire() {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.tasks {
		if t.timeout == 0 || t.state.Terminal() {
			continue
		}
		since := t.sent
		if since.IsZero() {
			since = t.created
		}
		if now.Sub(since) <= t.timeout {
			continue
		}
		from := t.state
		t.state = StateTimeout
		t.ended = now

		r.collector.TaskStateChange(from.String(), StateTimeout.String())
		r.collector.TaskOutcome(StateTimeout.String())
		r.logger.Warn("Task timed out", "id", t.id, "client", t.clientID, "timeout", t.timeout.String())
	}
}
