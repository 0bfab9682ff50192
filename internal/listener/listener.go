// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package listener implements the transport adapters. Five variants of
// one interface own the accept/receive mechanics for TCP, UDP,
// WebSocket, ICMP, and DNS and present a uniform session/message
// contract to the coordinator.
package listener

import (
	"sync"

	"grimm.is/muster/internal/config"
	"grimm.is/muster/internal/logging"
	"grimm.is/muster/internal/metrics"
	"grimm.is/muster/internal/session"
	"grimm.is/muster/internal/wire"
)

// Callbacks is the single set of hooks a listener drives. Heartbeat and
// protocol-switch frames are classified in the receive loop and never
// reach OnMessage.
type Callbacks struct {
	// OnConnect creates and returns the session for a new transport
	// peer. Returning an error drops the peer.
	OnConnect func(listenerName string, tctx session.TransportContext) (*session.Session, error)

	// OnDisconnect is fired when the transport tears the session down
	// or the listener stops. The listener name lets the handler ignore
	// teardown of a binding the session has already switched away from.
	OnDisconnect func(listenerName string, s *session.Session)

	// OnMessage delivers one ordinary frame. The payload is still
	// encrypted per the header's cipher tag.
	OnMessage func(s *session.Session, hdr wire.Header, payload []byte)

	// OnHeartbeat is fired for the heartbeat sentinel.
	OnHeartbeat func(s *session.Session)

	// OnSwitch hands a protocol-switch control message to the switch
	// handler.
	OnSwitch func(s *session.Session, req *wire.SwitchRequest)
}

// Status describes a listener for the management layer.
type Status struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Running   bool   `json:"running"`
	Addr      string `json:"addr,omitempty"`
	Error     string `json:"error,omitempty"`
	Sessions  int    `json:"sessions"`
}

// Listener is one transport adapter instance. Implementations share the
// same lifecycle: Start spawns a dedicated receive loop bounded by the
// configured timeout, Stop closes the transport, joins the loop, and
// disconnects every bound session, and Destroy additionally releases
// adapter-owned resources.
type Listener interface {
	Name() string
	Transport() wire.Transport

	Start() error
	Stop() error
	Destroy() error

	// Send writes one framed message to the session's peer. The
	// session must be bound to this listener.
	Send(s *session.Session, frame []byte) error

	// Forget releases the binding held in tctx without firing the
	// disconnect callback. Used when the session moves to another
	// transport or is disconnected by the coordinator; tctx is passed
	// explicitly because the session may already be rebound.
	Forget(s *session.Session, tctx session.TransportContext)

	// RegisterCallbacks installs the callback set. Re-registration
	// replaces; it never accumulates.
	RegisterCallbacks(cb Callbacks)

	Status() Status
}

// base carries the state every adapter shares.
type base struct {
	name      string
	transport wire.Transport
	cfg       config.ListenerConfig
	logger    *logging.Logger
	collector *metrics.Collector

	mu      sync.Mutex
	running bool
	lastErr string

	cbMu sync.RWMutex
	cb   Callbacks

	// sessions bound to this listener, drained on Stop.
	sessMu   sync.Mutex
	sessions map[*session.Session]struct{}
}

func newBase(transport wire.Transport, cfg config.ListenerConfig, logger *logging.Logger, collector *metrics.Collector) base {
	if logger == nil {
		logger = logging.WithComponent("listener")
	}
	return base{
		name:      cfg.Name,
		transport: transport,
		cfg:       cfg,
		logger:    logger.WithComponent(transport.String() + ":" + cfg.Name),
		collector: collector,
		sessions:  make(map[*session.Session]struct{}),
	}
}

func (b *base) Name() string              { return b.name }
func (b *base) Transport() wire.Transport { return b.transport }

func (b *base) RegisterCallbacks(cb Callbacks) {
	b.cbMu.Lock()
	b.cb = cb
	b.cbMu.Unlock()
}

func (b *base) callbacks() Callbacks {
	b.cbMu.RLock()
	defer b.cbMu.RUnlock()
	return b.cb
}

func (b *base) isRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *base) track(s *session.Session) {
	b.sessMu.Lock()
	b.sessions[s] = struct{}{}
	b.sessMu.Unlock()
}

func (b *base) untrack(s *session.Session) {
	b.sessMu.Lock()
	delete(b.sessions, s)
	b.sessMu.Unlock()
}

// drain fires the disconnect callback for every session still bound to
// this listener and forgets them.
func (b *base) drain() {
	b.sessMu.Lock()
	bound := make([]*session.Session, 0, len(b.sessions))
	for s := range b.sessions {
		bound = append(bound, s)
	}
	b.sessions = make(map[*session.Session]struct{})
	b.sessMu.Unlock()

	cb := b.callbacks()
	for _, s := range bound {
		if cb.OnDisconnect != nil {
			cb.OnDisconnect(b.name, s)
		}
	}
}

func (b *base) sessionCount() int {
	b.sessMu.Lock()
	defer b.sessMu.Unlock()
	return len(b.sessions)
}

func (b *base) status(addr string) Status {
	b.mu.Lock()
	running, lastErr := b.running, b.lastErr
	b.mu.Unlock()
	return Status{
		Name:      b.name,
		Transport: b.transport.String(),
		Running:   running,
		Addr:      addr,
		Error:     lastErr,
		Sessions:  b.sessionCount(),
	}
}

// msgSize is the on-wire size of a decoded message, for metrics.
func msgSize(msg wire.Message) int {
	switch msg.Kind {
	case wire.KindHeartbeat:
		return 4
	case wire.KindSwitch:
		return wire.SwitchFrameSize
	default:
		return wire.HeaderSize + len(msg.Payload)
	}
}

// dispatch routes one decoded message through the callback set.
func (b *base) dispatch(s *session.Session, msg wire.Message, size int) {
	cb := b.callbacks()
	b.collector.Frame(b.transport.String(), "rx", size)
	switch msg.Kind {
	case wire.KindHeartbeat:
		if cb.OnHeartbeat != nil {
			cb.OnHeartbeat(s)
		}
	case wire.KindSwitch:
		if cb.OnSwitch != nil {
			cb.OnSwitch(s, msg.Switch)
		}
	case wire.KindFrame:
		if cb.OnMessage != nil {
			cb.OnMessage(s, msg.Header, msg.Payload)
		}
	}
}
