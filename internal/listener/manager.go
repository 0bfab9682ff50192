// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package listener

import (
	"sort"
	"sync"

	"grimm.is/muster/internal/config"
	"grimm.is/muster/internal/errors"
	"grimm.is/muster/internal/logging"
	"grimm.is/muster/internal/metrics"
	"grimm.is/muster/internal/session"
	"grimm.is/muster/internal/wire"
)

// Manager owns the set of configured listeners and routes outbound
// frames to whichever adapter holds a session's transport binding.
type Manager struct {
	logger    *logging.Logger
	collector *metrics.Collector

	mu        sync.RWMutex
	listeners map[string]Listener
	cb        Callbacks
}

// NewManager creates an empty listener manager.
func NewManager(logger *logging.Logger, collector *metrics.Collector) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		logger:    logger.WithComponent("listeners"),
		collector: collector,
		listeners: make(map[string]Listener),
	}
}

// RegisterCallbacks stores the coordinator hooks and applies them to
// every listener created so far. Later Create calls inherit them.
func (m *Manager) RegisterCallbacks(cb Callbacks) {
	m.mu.Lock()
	m.cb = cb
	for _, l := range m.listeners {
		l.RegisterCallbacks(cb)
	}
	m.mu.Unlock()
}

// Create builds a listener from config and registers it under its
// name. The listener is not started. Names must be unique.
func (m *Manager) Create(cfg config.ListenerConfig) (Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.listeners[cfg.Name]; ok {
		return nil, errors.Errorf(errors.KindConflict, "listener %q already exists", cfg.Name)
	}

	var (
		l   Listener
		err error
	)
	switch cfg.Type {
	case "tcp":
		l, err = NewTCP(cfg, m.logger, m.collector)
	case "udp":
		l, err = NewUDP(cfg, m.logger, m.collector)
	case "websocket":
		l, err = NewWebSocket(cfg, m.logger, m.collector)
	case "icmp":
		l, err = NewICMP(cfg, m.logger, m.collector)
	case "dns":
		l, err = NewDNS(cfg, m.logger, m.collector)
	default:
		return nil, errors.Errorf(errors.KindValidation, "unknown listener type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	l.RegisterCallbacks(m.cb)
	m.listeners[cfg.Name] = l
	return l, nil
}

// Get returns the listener registered under name.
func (m *Manager) Get(name string) (Listener, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listeners[name]
	if !ok {
		return nil, errors.Errorf(errors.KindNotFound, "no listener named %q", name)
	}
	return l, nil
}

// Start starts the named listener.
func (m *Manager) Start(name string) error {
	l, err := m.Get(name)
	if err != nil {
		return err
	}
	return l.Start()
}

// Stop stops the named listener without removing it.
func (m *Manager) Stop(name string) error {
	l, err := m.Get(name)
	if err != nil {
		return err
	}
	return l.Stop()
}

// Destroy stops the named listener and removes it from the manager.
func (m *Manager) Destroy(name string) error {
	m.mu.Lock()
	l, ok := m.listeners[name]
	if ok {
		delete(m.listeners, name)
	}
	m.mu.Unlock()
	if !ok {
		return errors.Errorf(errors.KindNotFound, "no listener named %q", name)
	}
	return l.Destroy()
}

// StartAll starts every registered listener. A listener that fails to
// start is logged and left stopped; the rest keep going.
func (m *Manager) StartAll() {
	for _, l := range m.snapshot() {
		if err := l.Start(); err != nil {
			m.logger.WithError(err).Error("Listener failed to start", "name", l.Name())
		}
	}
}

// StopAll stops every registered listener.
func (m *Manager) StopAll() {
	for _, l := range m.snapshot() {
		if err := l.Stop(); err != nil {
			m.logger.WithError(err).Warn("Listener failed to stop", "name", l.Name())
		}
	}
}

// Running returns a running listener for the given transport, or nil
// when none is up. Used to validate protocol switch targets.
func (m *Manager) Running(t wire.Transport) Listener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.listeners {
		if l.Transport() == t && l.Status().Running {
			return l
		}
	}
	return nil
}

// Send routes one framed message through the listener that owns the
// session's transport binding.
func (m *Manager) Send(s *session.Session, frame []byte) error {
	l, err := m.Get(s.Listener())
	if err != nil {
		return err
	}
	return l.Send(s, frame)
}

// Statuses reports every listener's status, sorted by name.
func (m *Manager) Statuses() []Status {
	listeners := m.snapshot()
	statuses := make([]Status, 0, len(listeners))
	for _, l := range listeners {
		statuses = append(statuses, l.Status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

func (m *Manager) snapshot() []Listener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	return listeners
}
