// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package listener

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/muster/internal/config"
	"grimm.is/muster/internal/errors"
	"grimm.is/muster/internal/logging"
	"grimm.is/muster/internal/metrics"
	"grimm.is/muster/internal/session"
	"grimm.is/muster/internal/wire"
)

// wsContext is the adapter-owned transport context for one WebSocket
// connection. gorilla/websocket allows a single concurrent writer, so
// writes are serialized here.
type wsContext struct {
	owner string
	conn  *websocket.Conn
	peer  string

	writeMu sync.Mutex
}

func (c *wsContext) Transport() wire.Transport { return wire.TransportWebSocket }
func (c *wsContext) Peer() string              { return c.peer }

// WebSocket serves the configured HTTP path and upgrades each request
// into a message-oriented session connection.
type WebSocket struct {
	base
	timeout time.Duration

	server *http.Server
	lis    net.Listener
	wg     sync.WaitGroup

	// open connections, closed on Stop to unblock their read loops.
	connMu sync.Mutex
	conns  map[*websocket.Conn]struct{}

	upgrader websocket.Upgrader
}

// NewWebSocket creates a WebSocket listener from config.
func NewWebSocket(cfg config.ListenerConfig, logger *logging.Logger, collector *metrics.Collector) (*WebSocket, error) {
	if cfg.Port == 0 {
		return nil, errors.Errorf(errors.KindValidation, "websocket listener %q requires a port", cfg.Name)
	}
	if cfg.Bind == "" {
		cfg.Bind = "0.0.0.0"
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	return &WebSocket{
		base:    newBase(wire.TransportWebSocket, cfg, logger, collector),
		timeout: cfg.Timeout(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are agents, not browsers; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// Start binds the HTTP listener and begins serving upgrades.
func (w *WebSocket) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.Errorf(errors.KindAlreadyRunning, "listener %q is already running", w.name)
	}

	addr := net.JoinHostPort(w.cfg.Bind, fmt.Sprintf("%d", w.cfg.Port))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		w.lastErr = err.Error()
		return errors.Wrapf(err, errors.KindListen, "listening on %s", addr)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(w.cfg.Path, w.handleUpgrade)
	w.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	w.lis = lis
	w.conns = make(map[*websocket.Conn]struct{})
	w.running = true
	w.lastErr = ""

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.server.Serve(lis); err != nil && err != http.ErrServerClosed {
			w.logger.WithError(err).Error("HTTP serve failed")
		}
	}()

	w.logger.Info("Listener started", "addr", lis.Addr().String(), "path", w.cfg.Path)
	return nil
}

// Stop shuts the HTTP server down, joins every connection loop, and
// disconnects all bound sessions. Idempotent.
func (w *WebSocket) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	server := w.server
	w.server = nil
	w.lis = nil
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(ctx)

	// Shutdown does not touch upgraded connections; close them so the
	// read loops unblock.
	w.connMu.Lock()
	for c := range w.conns {
		c.Close()
	}
	w.conns = nil
	w.connMu.Unlock()
	w.wg.Wait()
	w.drain()
	w.logger.Info("Listener stopped")
	return nil
}

// Destroy stops the listener.
func (w *WebSocket) Destroy() error { return w.Stop() }

func (w *WebSocket) Status() Status {
	addr := ""
	w.mu.Lock()
	if w.lis != nil {
		addr = w.lis.Addr().String()
	}
	w.mu.Unlock()
	st := w.status(addr)
	if st.Addr != "" {
		st.Addr += w.cfg.Path
	}
	return st
}

func (w *WebSocket) handleUpgrade(rw http.ResponseWriter, req *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, req, nil)
	if err != nil {
		w.logger.WithError(err).Warn("Upgrade failed", "peer", req.RemoteAddr)
		return
	}

	cb := w.callbacks()
	if cb.OnConnect == nil {
		conn.Close()
		return
	}
	tctx := &wsContext{owner: w.name, conn: conn, peer: req.RemoteAddr}
	s, err := cb.OnConnect(w.name, tctx)
	if err != nil || s == nil {
		w.logger.WithError(err).Warn("Rejected connection", "peer", req.RemoteAddr)
		conn.Close()
		return
	}
	if !w.addConn(conn) {
		// Lost the race with Stop.
		conn.Close()
		if cb.OnDisconnect != nil {
			cb.OnDisconnect(w.name, s)
		}
		return
	}
	w.track(s)

	w.wg.Add(1)
	go w.readLoop(conn, s)
}

func (w *WebSocket) addConn(c *websocket.Conn) bool {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conns == nil {
		return false
	}
	w.conns[c] = struct{}{}
	return true
}

func (w *WebSocket) dropConn(c *websocket.Conn) {
	w.connMu.Lock()
	delete(w.conns, c)
	w.connMu.Unlock()
}

func (w *WebSocket) readLoop(conn *websocket.Conn, s *session.Session) {
	defer w.wg.Done()
	defer conn.Close()
	defer w.dropConn(conn)

	for {
		// Blocking read with no deadline. A quiet peer is not an
		// error on this transport; the read unblocks when Stop or
		// Forget closes the connection. Any read error poisons the
		// connection permanently, so all of them mean teardown.
		mt, data, err := conn.ReadMessage()
		if err != nil {
			w.untrack(s)
			if cb := w.callbacks(); cb.OnDisconnect != nil {
				cb.OnDisconnect(w.name, s)
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}

		msg, err := wire.Decode(data)
		if err != nil {
			w.logger.WithError(err).Debug("Dropping malformed message", "peer", s.Address())
			continue
		}
		w.dispatch(s, msg, len(data))
	}
}

// Forget closes the binding's connection and drops it without firing
// the disconnect callback.
func (w *WebSocket) Forget(s *session.Session, tctx session.TransportContext) {
	w.untrack(s)
	if ctx, ok := tctx.(*wsContext); ok && ctx.owner == w.name {
		ctx.conn.Close()
	}
}

// Send writes one framed message as a binary WebSocket frame.
func (w *WebSocket) Send(s *session.Session, frame []byte) error {
	if !w.isRunning() {
		return errors.Errorf(errors.KindNotRunning, "listener %q is stopped", w.name)
	}
	tctx, ok := s.Context().(*wsContext)
	if !ok || tctx.owner != w.name {
		return errors.Errorf(errors.KindValidation, "session %s is not bound to listener %q", s.ID, w.name)
	}

	tctx.writeMu.Lock()
	defer tctx.writeMu.Unlock()
	tctx.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	if err := tctx.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return errors.Wrapf(err, errors.KindSend, "writing to %s", tctx.peer)
	}
	w.collector.Frame(w.transport.String(), "tx", len(frame))
	return nil
}
