// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package session

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
	PollPeriod time.Duration // heartbeat supervisor evaluation period

	// Defaults applied to every new session.
	HeartbeatInterval time.Duration
	HeartbeatJitter   time.Duration

	// ProbeICMP additionally pings an idle session's address when the
	// transport-level probe is fired.
	ProbeICMP bool
}

// DefaultOptions returns registry defaults matching the daemon's
// built-in configuration.
func DefaultOptions() Options {
	return Options{
		PollPeriod:        5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatJitter:   10 * time.Second,
	}
}

// Prober sends one transport-level heartbeat probe to a session. Set by
// the coordinator once the listener manager exists.
type Prober func(s *Session) error

// Registry is the authoritative session table. All table mutation is
// serialized behind one lock; per-session field mutation is serialized
// behind the session's own lock.
type Registry struct {
	opts      Options
	logger    *logging.Logger
	clock     clock.Clock
	collector *metrics.Collector

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session

	prober Prober

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRegistry creates an empty registry. Start begins heartbeat
// supervision.
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("session")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.PollPeriod <= 0 {
		opts.PollPeriod = 5 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.HeartbeatJitter < 0 {
		opts.HeartbeatJitter = 0
	}
	return &Registry{
		opts:      opts,
		logger:    opts.Logger,
		clock:     opts.Clock,
		collector: opts.Metrics,
		sessions:  make(map[uuid.UUID]*Session),
	}
}

// SetProber installs the transport-level heartbeat probe used for idle
// sessions. Replaces any previous prober.
func (r *Registry) SetProber(p Prober) {
	r.mu.Lock()
	r.prober = p
	r.mu.Unlock()
}

// Register creates a session bound to the given listener and transport
// context, with a fresh identifier and default heartbeat parameters.
func (r *Registry) Register(listenerName string, tctx TransportContext, cipher byte) (*Session, error) {
	if tctx == nil {
		return nil, errors.New(errors.KindValidation, "session requires a transport context")
	}
	now := r.clock.Now()
	s := &Session{
		ID:                uuid.New(),
		state:             StateConnected,
		listener:          listenerName,
		tctx:              tctx,
		cipher:            cipher,
		heartbeatInterval: r.opts.HeartbeatInterval,
		heartbeatJitter:   r.opts.HeartbeatJitter,
		firstSeen:         now,
		lastSeen:          now,
		lastHeartbeat:     now,
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.collector.SessionRegistered()
	r.collector.SessionStateChange("", StateConnected.String())
	r.logger.Info("Session registered", "id", s.ID, "listener", listenerName, "transport", tctx.Transport().String(), "peer", tctx.Peer())
	return s, nil
}

// Find returns the live session handle for id.
func (r *Registry) Find(id uuid.UUID) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf(errors.KindNotFound, "session %s not found", id)
	}
	return s, nil
}

// All returns a copy of the current session handles, never the live
// table.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// ForListener returns the sessions currently bound to a listener.
func (r *Registry) ForListener(name string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.Listener() == name {
			out = append(out, s)
		}
	}
	return out
}

// Snapshots returns value copies of every session, ordered by first
// contact.
func (r *Registry) Snapshots() []Snapshot {
	sessions := r.All()
	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeen.Before(out[j].FirstSeen) })
	return out
}

// UpdateInfo records client metadata. Fields are last-write-wins;
// empty strings leave the previous value in place. A session still in
// Connected advances to Registered.
func (r *Registry) UpdateInfo(id uuid.UUID, hostname, address, osInfo string) error {
	s, err := r.Find(id)
	if err != nil {
		return err
	}
	now := r.clock.Now()

	s.mu.Lock()
	if hostname != "" {
		s.hostname = hostname
	}
	if address != "" {
		s.address = address
	}
	if osInfo != "" {
		s.osInfo = osInfo
	}
	old := s.state
	if s.state == StateConnected {
		s.state = StateRegistered
	}
	s.lastSeen = now
	st := s.state
	s.mu.Unlock()

	if st != old {
		r.collector.SessionStateChange(old.String(), st.String())
	}
	return nil
}

// Touch records inbound traffic: Connected, Registered, and Idle all
// move to Active; last-seen is refreshed.
func (r *Registry) Touch(id uuid.UUID) error {
	s, err := r.Find(id)
	if err != nil {
		return err
	}
	now := r.clock.Now()

	s.mu.Lock()
	old := s.state
	switch s.state {
	case StateConnected, StateRegistered, StateIdle:
		s.state = StateActive
	}
	s.lastSeen = now
	st := s.state
	s.mu.Unlock()

	if st != old {
		r.collector.SessionStateChange(old.String(), st.String())
	}
	return nil
}

// Heartbeat records a liveness frame: last-heartbeat and last-seen are
// refreshed and the session follows the same transition as Touch.
func (r *Registry) Heartbeat(id uuid.UUID) error {
	s, err := r.Find(id)
	if err != nil {
		return err
	}
	now := r.clock.Now()

	s.mu.Lock()
	old := s.state
	switch s.state {
	case StateConnected, StateRegistered, StateIdle:
		s.state = StateActive
	}
	s.lastSeen = now
	s.lastHeartbeat = now
	st := s.state
	s.mu.Unlock()

	r.collector.Heartbeat()
	if st != old {
		r.collector.SessionStateChange(old.String(), st.String())
	}
	return nil
}

// SetHeartbeatWindow overrides a session's heartbeat interval and
// jitter bound.
func (r *Registry) SetHeartbeatWindow(id uuid.UUID, interval, jitter time.Duration) error {
	s, err := r.Find(id)
	if err != nil {
		return err
	}
	if interval <= 0 || jitter < 0 {
		return errors.New(errors.KindValidation, "heartbeat interval must be positive and jitter non-negative")
	}
	s.mu.Lock()
	s.heartbeatInterval = interval
	s.heartbeatJitter = jitter
	s.mu.Unlock()
	return nil
}

// Disconnect transitions the session to Disconnected, removes it from
// the table, and returns the handle so the caller can fire events.
// Only transport-level events and listener stop reach this path;
// heartbeat absence alone never does.
func (r *Registry) Disconnect(id uuid.UUID) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil, errors.Errorf(errors.KindNotFound, "session %s not found", id)
	}

	s.mu.Lock()
	old := s.state
	s.state = StateDisconnected
	s.tctx = nil
	s.mu.Unlock()

	r.collector.SessionStateChange(old.String(), "")
	r.logger.Info("Session disconnected", "id", s.ID, "previous_state", old.String())
	return s, nil
}

// Rebind moves a session's transport binding to another listener while
// preserving its identity. Used when a protocol switch is applied.
func (r *Registry) Rebind(id uuid.UUID, listenerName string, tctx TransportContext) error {
	if tctx == nil {
		return errors.New(errors.KindValidation, "rebind requires a transport context")
	}
	s, err := r.Find(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listenerName
	s.tctx = tctx
	s.mu.Unlock()
	r.logger.Info("Session rebound", "id", id, "listener", listenerName, "transport", tctx.Transport().String())
	return nil
}

// RecordSwitch stores a validated switch intent against the session,
// replacing any previous intent.
func (r *Registry) RecordSwitch(id uuid.UUID, req *wire.SwitchRequest) error {
	s, err := r.Find(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pendingSwitch = req
	s.mu.Unlock()
	return nil
}

// TakeSwitch consumes and returns the session's pending switch intent,
// if any.
func (r *Registry) TakeSwitch(id uuid.UUID) *wire.SwitchRequest {
	s, err := r.Find(id)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	req := s.pendingSwitch
	s.pendingSwitch = nil
	s.mu.Unlock()
	return req
}

// Shutdown stops the supervisor and releases the backing table. The
// supervisor is joined first so it can never touch the freed table.
func (r *Registry) Shutdown() {
	r.Stop()
	r.mu.Lock()
	r.sessions = make(map[uuid.UUID]*Session)
	r.mu.Unlock()
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
