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

// tcpContext is the adapter-owned transport context for one TCP
// connection.
type tcpContext struct {
	owner string
	conn  *net.TCPConn
	peer  string

	writeMu sync.Mutex
}

func (c *tcpContext) Transport() wire.Transport { return wire.TransportTCP }
func (c *tcpContext) Peer() string              { return c.peer }

// TCP is the connection-oriented stream adapter: one accept loop plus
// one read loop per live connection.
type TCP struct {
	base
	timeout time.Duration

	lis    *net.TCPListener
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewTCP creates a TCP listener from config.
func NewTCP(cfg config.ListenerConfig, logger *logging.Logger, collector *metrics.Collector) (*TCP, error) {
	if cfg.Port == 0 {
		return nil, errors.Errorf(errors.KindValidation, "tcp listener %q requires a port", cfg.Name)
	}
	if cfg.Bind == "" {
		cfg.Bind = "0.0.0.0"
	}
	return &TCP{
		base:    newBase(wire.TransportTCP, cfg, logger, collector),
		timeout: cfg.Timeout(),
	}, nil
}

// Start binds the socket and spawns the accept loop. On failure the
// listener stays stopped and the error names the failing step.
func (t *TCP) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.Errorf(errors.KindAlreadyRunning, "listener %q is already running", t.name)
	}

	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(t.cfg.Bind, fmt.Sprintf("%d", t.cfg.Port)))
	if err != nil {
		t.lastErr = err.Error()
		return errors.Wrapf(err, errors.KindSocket, "resolving %s:%d", t.cfg.Bind, t.cfg.Port)
	}
	lis, err := net.ListenTCP("tcp", addr)
	if err != nil {
		t.lastErr = err.Error()
		return errors.Wrapf(err, errors.KindListen, "listening on %s", addr)
	}

	t.lis = lis
	t.stopCh = make(chan struct{})
	t.running = true
	t.lastErr = ""

	t.wg.Add(1)
	go t.acceptLoop()

	t.logger.Info("Listener started", "addr", lis.Addr().String())
	return nil
}

// Stop closes the socket, joins every loop, and disconnects all bound
// sessions. Idempotent.
func (t *TCP) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	close(t.stopCh)
	lis := t.lis
	t.lis = nil
	t.mu.Unlock()

	lis.Close()
	t.wg.Wait()
	t.drain()
	t.logger.Info("Listener stopped")
	return nil
}

// Destroy stops the listener if still running. TCP holds no resources
// beyond the socket and its loops.
func (t *TCP) Destroy() error { return t.Stop() }

func (t *TCP) Status() Status {
	addr := ""
	t.mu.Lock()
	if t.lis != nil {
		addr = t.lis.Addr().String()
	}
	t.mu.Unlock()
	return t.status(addr)
}

func (t *TCP) acceptLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		t.mu.Lock()
		lis := t.lis
		t.mu.Unlock()
		if lis == nil {
			return
		}

		// Bounded accept so a stop request is observed within the
		// configured timeout.
		lis.SetDeadline(time.Now().Add(t.timeout))
		conn, err := lis.AcceptTCP()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-t.stopCh:
			default:
				t.logger.WithError(err).Warn("Accept failed")
			}
			return
		}
		t.handleConn(conn)
	}
}

func (t *TCP) handleConn(conn *net.TCPConn) {
	cb := t.callbacks()
	if cb.OnConnect == nil {
		conn.Close()
		return
	}
	tctx := &tcpContext{owner: t.name, conn: conn, peer: conn.RemoteAddr().String()}
	s, err := cb.OnConnect(t.name, tctx)
	if err != nil || s == nil {
		t.logger.WithError(err).Warn("Rejected connection", "peer", tctx.peer)
		conn.Close()
		return
	}
	t.track(s)

	t.wg.Add(1)
	go t.readLoop(conn, s)
}

func (t *TCP) readLoop(conn *net.TCPConn, s *session.Session) {
	defer t.wg.Done()
	defer conn.Close()

	for {
		select {
		case <-t.stopCh:
			// Stop drains and disconnects every tracked session.
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(t.timeout))
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// One client's read failure is contained to that
			// connection: disconnect the session, keep the listener.
			t.untrack(s)
			if cb := t.callbacks(); cb.OnDisconnect != nil {
				cb.OnDisconnect(t.name, s)
			}
			return
		}
		t.dispatch(s, msg, msgSize(msg))
	}
}

// Forget closes the binding's connection and drops it without firing
// the disconnect callback.
func (t *TCP) Forget(s *session.Session, tctx session.TransportContext) {
	t.untrack(s)
	if ctx, ok := tctx.(*tcpContext); ok && ctx.owner == t.name {
		ctx.conn.Close()
	}
}

// Send writes one framed message over the session's connection.
func (t *TCP) Send(s *session.Session, frame []byte) error {
	if !t.isRunning() {
		return errors.Errorf(errors.KindNotRunning, "listener %q is stopped", t.name)
	}
	tctx, ok := s.Context().(*tcpContext)
	if !ok || tctx.owner != t.name {
		return errors.Errorf(errors.KindValidation, "session %s is not bound to listener %q", s.ID, t.name)
	}

	tctx.writeMu.Lock()
	defer tctx.writeMu.Unlock()
	tctx.conn.SetWriteDeadline(time.Now().Add(t.timeout))
	n, err := tctx.conn.Write(frame)
	if err != nil {
		return errors.Wrapf(err, errors.KindSend, "writing to %s", tctx.peer)
	}
	if n != len(frame) {
		return errors.Errorf(errors.KindSend, "short write to %s: %d of %d bytes", tctx.peer, n, len(frame))
	}
	t.collector.Frame(t.transport.String(), "tx", len(frame))
	return nil
}
