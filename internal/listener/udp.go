// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package listener

import (
	"fmt"
	"net"
	"sync"
	"time"

	"grimm.is/muster/internal/config"
	"grimm.is/muster/internal/errors"
	"grimm.is/muster/internal/logging"
	"grimm.is/muster/internal/metrics"
	"grimm.is/muster/internal/session"
	"grimm.is/muster/internal/wire"
)

// udpContext is the adapter-owned transport context for one UDP peer.
type udpContext struct {
	owner string
	addr  *net.UDPAddr
}

func (c *udpContext) Transport() wire.Transport { return wire.TransportUDP }
func (c *udpContext) Peer() string              { return c.addr.String() }

// UDP is the connectionless datagram adapter. Sessions are keyed by
// the peer address and found-or-created per datagram; they are never
// destroyed on this path except by listener stop.
type UDP struct {
	base
	timeout time.Duration

	conn   *net.UDPConn
	stopCh chan struct{}
	wg     sync.WaitGroup

	peerMu sync.Mutex
	peers  map[string]*session.Session
}

// NewUDP creates a UDP listener from config.
func NewUDP(cfg config.ListenerConfig, logger *logging.Logger, collector *metrics.Collector) (*UDP, error) {
	if cfg.Port == 0 {
		return nil, errors.Errorf(errors.KindValidation, "udp listener %q requires a port", cfg.Name)
	}
	if cfg.Bind == "" {
		cfg.Bind = "0.0.0.0"
	}
	return &UDP{
		base:    newBase(wire.TransportUDP, cfg, logger, collector),
		timeout: cfg.Timeout(),
		peers:   make(map[string]*session.Session),
	}, nil
}

// Start binds the socket and spawns the receive loop.
func (u *UDP) Start() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.running {
		return errors.Errorf(errors.KindAlreadyRunning, "listener %q is already running", u.name)
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(u.cfg.Bind, fmt.Sprintf("%d", u.cfg.Port)))
	if err != nil {
		u.lastErr = err.Error()
		return errors.Wrapf(err, errors.KindSocket, "resolving %s:%d", u.cfg.Bind, u.cfg.Port)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		u.lastErr = err.Error()
		return errors.Wrapf(err, errors.KindBind, "binding %s", addr)
	}

	u.conn = conn
	u.stopCh = make(chan struct{})
	u.running = true
	u.lastErr = ""

	u.wg.Add(1)
	go u.receiveLoop()

	u.logger.Info("Listener started", "addr", conn.LocalAddr().String())
	return nil
}

// Stop closes the socket, joins the receive loop, and disconnects all
// peer sessions. Idempotent.
func (u *UDP) Stop() error {
	u.mu.Lock()
	if !u.running {
		u.mu.Unlock()
		return nil
	}
	u.running = false
	close(u.stopCh)
	conn := u.conn
	u.conn = nil
	u.mu.Unlock()

	conn.Close()
	u.wg.Wait()

	u.peerMu.Lock()
	u.peers = make(map[string]*session.Session)
	u.peerMu.Unlock()
	u.drain()
	u.logger.Info("Listener stopped")
	return nil
}

// Destroy stops the listener and releases the peer table.
func (u *UDP) Destroy() error { return u.Stop() }

func (u *UDP) Status() Status {
	addr := ""
	u.mu.Lock()
	if u.conn != nil {
		addr = u.conn.LocalAddr().String()
	}
	u.mu.Unlock()
	return u.status(addr)
}

func (u *UDP) receiveLoop() {
	defer u.wg.Done()
	buf := make([]byte, 64*1024)

	for {
		select {
		case <-u.stopCh:
			return
		default:
		}

		u.mu.Lock()
		conn := u.conn
		u.mu.Unlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(u.timeout))
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-u.stopCh:
			default:
				u.logger.WithError(err).Warn("Receive failed")
			}
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		u.handleDatagram(peer, data)
	}
}

func (u *UDP) handleDatagram(peer *net.UDPAddr, data []byte) {
	s := u.findOrCreate(peer)
	if s == nil {
		return
	}
	msg, err := wire.Decode(data)
	if err != nil {
		u.logger.WithError(err).Debug("Dropping malformed datagram", "peer", peer.String())
		return
	}
	u.dispatch(s, msg, len(data))
}

// findOrCreate derives the session key from the peer address and
// returns the bound session, creating one on first contact.
func (u *UDP) findOrCreate(peer *net.UDPAddr) *session.Session {
	key := peer.String()

	u.peerMu.Lock()
	s, ok := u.peers[key]
	u.peerMu.Unlock()
	if ok {
		return s
	}

	cb := u.callbacks()
	if cb.OnConnect == nil {
		return nil
	}
	s, err := cb.OnConnect(u.name, &udpContext{owner: u.name, addr: peer})
	if err != nil || s == nil {
		u.logger.WithError(err).Warn("Rejected datagram peer", "peer", key)
		return nil
	}

	u.peerMu.Lock()
	// A concurrent datagram may have won the race.
	if existing, ok := u.peers[key]; ok {
		u.peerMu.Unlock()
		return existing
	}
	u.peers[key] = s
	u.peerMu.Unlock()

	u.track(s)
	return s
}

// Forget drops the peer mapping held in tctx without firing the
// disconnect callback, so a future datagram from the same address
// starts a fresh session.
func (u *UDP) Forget(s *session.Session, tctx session.TransportContext) {
	ctx, ok := tctx.(*udpContext)
	if !ok || ctx.owner != u.name {
		return
	}
	u.peerMu.Lock()
	delete(u.peers, ctx.addr.String())
	u.peerMu.Unlock()
	u.untrack(s)
}

// Send writes one framed datagram to the session's peer.
func (u *UDP) Send(s *session.Session, frame []byte) error {
	if !u.isRunning() {
		return errors.Errorf(errors.KindNotRunning, "listener %q is stopped", u.name)
	}
	tctx, ok := s.Context().(*udpContext)
	if !ok || tctx.owner != u.name {
		return errors.Errorf(errors.KindValidation, "session %s is not bound to listener %q", s.ID, u.name)
	}

	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return errors.Errorf(errors.KindNotRunning, "listener %q is stopped", u.name)
	}

	n, err := conn.WriteToUDP(frame, tctx.addr)
	if err != nil {
		return errors.Wrapf(err, errors.KindSend, "writing to %s", tctx.addr)
	}
	if n != len(frame) {
		return errors.Errorf(errors.KindSend, "short write to %s: %d of %d bytes", tctx.addr, n, len(frame))
	}
	u.collector.Frame(u.transport.String(), "tx", len(frame))
	return nil
}
