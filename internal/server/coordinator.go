// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package server wires the listener manager, session registry, and task
// registry into one coordinator. The coordinator owns the callback set
// every listener drives and the per-session cipher contexts.
package server

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/muster/internal/clock"
	"grimm.is/muster/internal/config"
	"grimm.is/muster/internal/crypto"
	"grimm.is/muster/internal/errors"
	"grimm.is/muster/internal/listener"
	"grimm.is/muster/internal/logging"
	"grimm.is/muster/internal/metrics"
	"grimm.is/muster/internal/session"
	"grimm.is/muster/internal/task"
	"grimm.is/muster/internal/wire"
)

// defaultSwitchWindow bounds how long a recorded transport switch waits
// for the client to appear on the target listener when the request
// carries no timeout.
const defaultSwitchWindow = 30 * time.Second

// MessageFunc receives decrypted opaque payloads that the coordinator
// does not consume itself.
type MessageFunc func(s *session.Session, payload []byte)

// pendingSwitch is a switch that has been acknowledged to the client
// and now waits for first contact on the target transport.
type pendingSwitch struct {
	req      wire.SwitchRequest
	peerHost string
	deadline time.Time
}

// Coordinator composes the registries and the listener manager and
// implements the server side of the session protocol.
type Coordinator struct {
	cfg       *config.Config
	logger    *logging.Logger
	clk       clock.Clock
	collector *metrics.Collector

	sessions  *session.Registry
	tasks     *task.Registry
	listeners *listener.Manager

	// Cipher tag each configured listener applies to new sessions.
	tagMu        sync.RWMutex
	listenerTags map[string]byte

	cipherMu sync.RWMutex
	ciphers  map[uuid.UUID]crypto.Cipher

	pendMu  sync.Mutex
	pending map[uuid.UUID]pendingSwitch

	msgMu     sync.RWMutex
	onMessage MessageFunc
}

// New builds a coordinator from configuration. Listeners are created
// but not started; Start brings the whole assembly up.
func New(cfg *config.Config, logger *logging.Logger) (*Coordinator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}

	collector := metrics.NewCollector()
	clk := clock.New()

	c := &Coordinator{
		cfg:       cfg,
		logger:    logger.WithComponent("coordinator"),
		clk:       clk,
		collector: collector,
		sessions: session.NewRegistry(session.Options{
			Logger:            logger,
			Clock:             clk,
			Metrics:           collector,
			PollPeriod:        cfg.HeartbeatPoll(),
			HeartbeatInterval: time.Duration(cfg.Server.HeartbeatIntervalSeconds) * time.Second,
			HeartbeatJitter:   time.Duration(cfg.Server.HeartbeatJitterSeconds) * time.Second,
			ProbeICMP:         cfg.Server.ProbeIdleSessions,
		}),
		tasks: task.NewRegistry(task.Options{
			Logger:     logger,
			Clock:      clk,
			Metrics:    collector,
			PollPeriod: cfg.TaskPoll(),
		}),
		listeners:    listener.NewManager(logger, collector),
		listenerTags: make(map[string]byte),
		ciphers:      make(map[uuid.UUID]crypto.Cipher),
		pending:      make(map[uuid.UUID]pendingSwitch),
	}

	c.listeners.RegisterCallbacks(listener.Callbacks{
		OnConnect:    c.handleConnect,
		OnDisconnect: c.handleDisconnect,
		OnMessage:    c.handleMessage,
		OnHeartbeat:  c.handleHeartbeat,
		OnSwitch:     c.handleSwitch,
	})
	// Idle sessions are probed with a heartbeat frame over their own
	// transport binding.
	c.sessions.SetProber(func(s *session.Session) error {
		return c.listeners.Send(s, wire.Heartbeat())
	})

	for _, lc := range cfg.Listeners {
		if _, err := c.CreateListener(lc); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SetMessageHandler installs the consumer for opaque payloads.
func (c *Coordinator) SetMessageHandler(fn MessageFunc) {
	c.msgMu.Lock()
	c.onMessage = fn
	c.msgMu.Unlock()
}

// Start brings up the supervisors and then every configured listener.
// A listener that fails to start is logged and skipped; its error is
// visible in its status.
func (c *Coordinator) Start() {
	c.sessions.Start()
	c.tasks.Start()
	c.listeners.StartAll()
	c.logger.Info("Coordinator started", "listeners", len(c.listeners.Statuses()))
}

// Stop tears the assembly down in reverse order: listeners first so no
// new events arrive, then the registries and their supervisors.
func (c *Coordinator) Stop() {
	c.listeners.StopAll()
	c.tasks.Shutdown()
	c.sessions.Shutdown()
	c.logger.Info("Coordinator stopped")
}

// CreateListener registers a new listener from config and remembers its
// cipher tag. The listener is not started.
func (c *Coordinator) CreateListener(lc config.ListenerConfig) (listener.Status, error) {
	l, err := c.listeners.Create(lc)
	if err != nil {
		return listener.Status{}, err
	}
	c.tagMu.Lock()
	c.listenerTags[lc.Name] = lc.Cipher
	c.tagMu.Unlock()
	return l.Status(), nil
}

// Listeners reports every listener's status.
func (c *Coordinator) Listeners() []listener.Status { return c.listeners.Statuses() }

// StartListener starts the named listener.
func (c *Coordinator) StartListener(name string) error { return c.listeners.Start(name) }

// StopListener stops the named listener.
func (c *Coordinator) StopListener(name string) error { return c.listeners.Stop(name) }

// DestroyListener stops and removes the named listener.
func (c *Coordinator) DestroyListener(name string) error {
	err := c.listeners.Destroy(name)
	if err == nil {
		c.tagMu.Lock()
		delete(c.listenerTags, name)
		c.tagMu.Unlock()
	}
	return err
}

// Sessions returns snapshots of every live session.
func (c *Coordinator) Sessions() []session.Snapshot { return c.sessions.Snapshots() }

// Session returns a snapshot of one session.
func (c *Coordinator) Session(id uuid.UUID) (session.Snapshot, error) {
	s, err := c.sessions.Find(id)
	if err != nil {
		return session.Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// Tasks returns snapshots of every task, newest first.
func (c *Coordinator) Tasks() []task.Snapshot { return c.tasks.Snapshots() }

// Task returns a snapshot of one task.
func (c *Coordinator) Task(id uuid.UUID) (task.Snapshot, error) { return c.tasks.Find(id) }

// TasksFor returns the tasks addressed to one session in creation
// order.
func (c *Coordinator) TasksFor(clientID uuid.UUID) []task.Snapshot {
	return c.tasks.ForClient(clientID)
}

// TaskRegistry exposes the task registry for result writers.
func (c *Coordinator) TaskRegistry() *task.Registry { return c.tasks }

// Metrics exposes the collector for the management API.
func (c *Coordinator) Metrics() *metrics.Collector { return c.collector }

// Disconnect removes a session: the registry transitions it to
// Disconnected, then the owning listener drops the binding. The
// registry goes first so that the teardown the listener fires while
// closing the connection finds the session already gone instead of
// racing this removal.
func (c *Coordinator) Disconnect(id uuid.UUID) error {
	s, err := c.sessions.Find(id)
	if err != nil {
		return err
	}
	lname, tctx := s.Listener(), s.Context()
	if _, err := c.sessions.Disconnect(id); err != nil && !errors.IsKind(err, errors.KindNotFound) {
		return err
	}
	if l, lerr := c.listeners.Get(lname); lerr == nil {
		l.Forget(s, tctx)
	}
	c.forgetSession(id)
	return nil
}

// Send encrypts payload for the session and writes it over the
// session's current transport binding. A deferred transport switch is
// acknowledged after the write succeeds, completing the exchange that
// deferred it.
func (c *Coordinator) Send(id uuid.UUID, payload []byte) error {
	return c.send(id, payload, 0)
}

func (c *Coordinator) send(id uuid.UUID, payload []byte, flags uint16) error {
	s, err := c.sessions.Find(id)
	if err != nil {
		return err
	}
	cipher := c.cipherFor(id)
	sealed, err := cipher.Encrypt(payload)
	if err != nil {
		return err
	}
	frame, err := wire.EncodeFrame(cipher.Algorithm(), flags, sealed)
	if err != nil {
		return err
	}
	if err := c.listeners.Send(s, frame); err != nil {
		return err
	}
	c.acknowledgeSwitch(s)
	return nil
}

// DispatchModule creates a module-call task for the session and sends
// it. The task is marked Sent only after the transport accepted the
// frame; on a failed write it stays Created for a later retry.
func (c *Coordinator) DispatchModule(sessionID uuid.UUID, call wire.ModuleCall, timeout time.Duration) (uuid.UUID, error) {
	if _, err := c.sessions.Find(sessionID); err != nil {
		return uuid.Nil, err
	}
	taskID, err := c.tasks.CreateModuleCall(sessionID, call, timeout)
	if err != nil {
		return uuid.Nil, err
	}
	return taskID, c.sendTask(sessionID, taskID)
}

// DispatchTask creates a task carrying an opaque payload and sends it.
func (c *Coordinator) DispatchTask(sessionID uuid.UUID, typ task.Type, payload []byte, timeout time.Duration) (uuid.UUID, error) {
	if _, err := c.sessions.Find(sessionID); err != nil {
		return uuid.Nil, err
	}
	taskID, err := c.tasks.Create(sessionID, typ, payload, timeout)
	if err != nil {
		return uuid.Nil, err
	}
	return taskID, c.sendTask(sessionID, taskID)
}

func (c *Coordinator) sendTask(sessionID, taskID uuid.UUID) error {
	payload, err := c.tasks.Payload(taskID)
	if err != nil {
		return err
	}
	if err := c.send(sessionID, payload, 0); err != nil {
		return err
	}
	return c.tasks.MarkSent(taskID)
}

func (c *Coordinator) cipherFor(id uuid.UUID) crypto.Cipher {
	c.cipherMu.RLock()
	defer c.cipherMu.RUnlock()
	if ci, ok := c.ciphers[id]; ok {
		return ci
	}
	ci, _ := crypto.New(crypto.TagNone)
	return ci
}

// SetSessionKey installs the shared key for a session's cipher.
func (c *Coordinator) SetSessionKey(id uuid.UUID, key []byte) error {
	c.cipherMu.RLock()
	ci, ok := c.ciphers[id]
	c.cipherMu.RUnlock()
	if !ok {
		return errors.Errorf(errors.KindNotFound, "no session %s", id)
	}
	return ci.SetKey(key)
}

func (c *Coordinator) forgetSession(id uuid.UUID) {
	c.cipherMu.Lock()
	delete(c.ciphers, id)
	c.cipherMu.Unlock()
	c.pendMu.Lock()
	delete(c.pending, id)
	c.pendMu.Unlock()
}

// --- listener callbacks ---

func (c *Coordinator) handleConnect(listenerName string, tctx session.TransportContext) (*session.Session, error) {
	// A peer arriving on the target transport of a pending switch
	// resumes its existing session instead of starting a new one.
	if s := c.completeSwitch(listenerName, tctx); s != nil {
		return s, nil
	}

	c.tagMu.RLock()
	tag := c.listenerTags[listenerName]
	c.tagMu.RUnlock()

	s, err := c.sessions.Register(listenerName, tctx, tag)
	if err != nil {
		return nil, err
	}
	ci, err := crypto.New(tag)
	if err != nil {
		c.sessions.Disconnect(s.ID)
		return nil, err
	}
	c.cipherMu.Lock()
	c.ciphers[s.ID] = ci
	c.cipherMu.Unlock()
	return s, nil
}

func (c *Coordinator) handleDisconnect(listenerName string, s *session.Session) {
	// Teardown of a binding the session already switched away from is
	// not a disconnect.
	if s.Listener() != listenerName {
		return
	}
	if _, err := c.sessions.Disconnect(s.ID); err != nil && !errors.IsKind(err, errors.KindNotFound) {
		c.logger.WithError(err).Warn("Disconnect failed", "id", s.ID)
	}
	c.forgetSession(s.ID)
}

func (c *Coordinator) handleHeartbeat(s *session.Session) {
	if err := c.sessions.Heartbeat(s.ID); err != nil {
		c.logger.WithError(err).Debug("Heartbeat for unknown session", "id", s.ID)
	}
}

func (c *Coordinator) handleMessage(s *session.Session, hdr wire.Header, payload []byte) {
	if hdr.Cipher != crypto.TagNone {
		plain, err := c.cipherFor(s.ID).Decrypt(payload)
		if err != nil {
			c.logger.WithError(err).Warn("Dropping undecryptable frame", "id", s.ID, "cipher", hdr.Cipher)
			return
		}
		payload = plain
	}

	// Registration owns its own liveness transition: UpdateInfo moves
	// Connected to Registered and refreshes last-seen, where Touch
	// would jump straight to Active.
	if len(payload) > 0 && hdr.Flags&wire.FlagResponse == 0 && payload[0] == wire.PayloadRegister {
		reg, err := wire.DecodeRegistration(payload)
		if err != nil {
			c.logger.WithError(err).Warn("Malformed registration", "id", s.ID)
			return
		}
		if err := c.sessions.UpdateInfo(s.ID, reg.Hostname, reg.Address, reg.OSInfo); err != nil {
			c.logger.WithError(err).Warn("Registration update failed", "id", s.ID)
		}
		return
	}

	if err := c.sessions.Touch(s.ID); err != nil {
		c.logger.WithError(err).Debug("Message for unknown session", "id", s.ID)
		return
	}
	if len(payload) == 0 {
		return
	}

	if hdr.Flags&wire.FlagResponse != 0 {
		res, err := wire.DecodeTaskResult(payload)
		if err != nil {
			c.logger.WithError(err).Warn("Malformed task result", "id", s.ID)
			return
		}
		c.applyResult(s, res)
		return
	}

	switch payload[0] {
	case wire.PayloadResult:
		res, err := wire.DecodeTaskResult(payload)
		if err != nil {
			c.logger.WithError(err).Warn("Malformed task result", "id", s.ID)
			return
		}
		c.applyResult(s, res)

	default:
		c.msgMu.RLock()
		fn := c.onMessage
		c.msgMu.RUnlock()
		if fn != nil {
			fn(s, payload)
		} else {
			c.logger.Debug("Unconsumed payload", "id", s.ID, "tag", payload[0], "bytes", len(payload))
		}
	}
}

// applyResult resolves a task from a client result frame. The first
// progress signal from the client moves the task to Running before the
// terminal write; a result for an already-terminal task is dropped.
func (c *Coordinator) applyResult(s *session.Session, res wire.TaskResult) {
	taskID := uuid.UUID(res.TaskID)
	if err := c.tasks.MarkRunning(taskID); err != nil && !errors.IsKind(err, errors.KindConflict) {
		c.logger.WithError(err).Warn("Result for unknown task", "id", s.ID, "task", taskID)
		return
	}

	var err error
	if res.Failed {
		err = c.tasks.SetError(taskID, string(res.Data))
	} else {
		err = c.tasks.SetResult(taskID, res.Data)
	}
	if err != nil {
		c.logger.WithError(err).Warn("Result rejected", "task", taskID)
	}
}

// --- protocol switch ---

// handleSwitch validates a switch request against the running listener
// set and records the intent. An immediate switch is acknowledged right
// away; a deferred one is acknowledged after the next successful send
// to the session.
func (c *Coordinator) handleSwitch(s *session.Session, req *wire.SwitchRequest) {
	if err := c.RequestSwitch(s.ID, *req); err != nil {
		c.logger.WithError(err).Warn("Switch rejected", "id", s.ID, "transport", req.Transport.String())
	}
}

// RequestSwitch records a transport switch for the session. A switch to
// DNS without a domain, or to a transport with no running listener, is
// rejected and the session's binding is left unchanged.
func (c *Coordinator) RequestSwitch(id uuid.UUID, req wire.SwitchRequest) error {
	s, err := c.sessions.Find(id)
	if err != nil {
		return err
	}
	if req.Transport == wire.TransportDNS && req.Domain == "" {
		return errors.New(errors.KindValidation, "switch to dns requires a domain")
	}
	if c.listeners.Running(req.Transport) == nil {
		return errors.Errorf(errors.KindValidation, "no running listener for transport %s", req.Transport.String())
	}
	if err := c.sessions.RecordSwitch(id, &req); err != nil {
		return err
	}
	c.collector.ProtocolSwitch()
	c.logger.Info("Switch recorded", "id", id, "transport", req.Transport.String(), "immediate", req.Immediate)
	if req.Immediate {
		c.acknowledgeSwitch(s)
	}
	return nil
}

// acknowledgeSwitch consumes a recorded switch intent: the request is
// echoed to the client as the go-ahead and the session starts waiting
// for first contact on the target transport. The current binding stays
// in place until then.
func (c *Coordinator) acknowledgeSwitch(s *session.Session) {
	req := c.sessions.TakeSwitch(s.ID)
	if req == nil {
		return
	}

	frame, err := wire.EncodeSwitchRequest(*req)
	if err != nil {
		c.logger.WithError(err).Warn("Switch encode failed", "id", s.ID)
		return
	}
	if err := c.listeners.Send(s, frame); err != nil {
		c.logger.WithError(err).Warn("Switch acknowledgment failed", "id", s.ID)
		return
	}

	window := req.Timeout
	if window <= 0 {
		window = defaultSwitchWindow
	}
	c.pendMu.Lock()
	c.pending[s.ID] = pendingSwitch{
		req:      *req,
		peerHost: peerHost(s.Context()),
		deadline: c.clk.Now().Add(window),
	}
	c.pendMu.Unlock()
}

// completeSwitch matches a new transport peer against pending switches
// and rebinds the existing session when the transport and peer host
// line up. Expired pendings are pruned on the way through.
func (c *Coordinator) completeSwitch(listenerName string, tctx session.TransportContext) *session.Session {
	host := peerHost(tctx)
	now := c.clk.Now()

	c.pendMu.Lock()
	var matched uuid.UUID
	found := false
	for id, p := range c.pending {
		if now.After(p.deadline) {
			delete(c.pending, id)
			continue
		}
		if p.req.Transport == tctx.Transport() && p.peerHost == host {
			matched = id
			found = true
		}
	}
	if found {
		delete(c.pending, matched)
	}
	c.pendMu.Unlock()
	if !found {
		return nil
	}

	s, err := c.sessions.Find(matched)
	if err != nil {
		return nil
	}

	// Rebind before releasing the old binding so its teardown events
	// are recognized as stale and ignored.
	oldName, oldCtx := s.Listener(), s.Context()
	if err := c.sessions.Rebind(matched, listenerName, tctx); err != nil {
		c.logger.WithError(err).Warn("Rebind failed", "id", matched)
		return nil
	}
	if l, lerr := c.listeners.Get(oldName); lerr == nil {
		l.Forget(s, oldCtx)
	}
	c.logger.Info("Session switched transport", "id", matched, "listener", listenerName, "transport", tctx.Transport().String())
	return s
}

// peerHost reduces a transport peer string to its host portion so a
// client switching transports can be recognized across ports.
func peerHost(tctx session.TransportContext) string {
	if tctx == nil {
		return ""
	}
	peer := tctx.Peer()
	if host, _, err := net.SplitHostPort(peer); err == nil {
		return host
	}
	// ICMP peers are "host#id".
	if i := strings.IndexByte(peer, '#'); i >= 0 {
		return peer[:i]
	}
	return peer
}
