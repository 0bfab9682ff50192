// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package listener

import (
	"fmt"
	"net"
	"sync"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcap"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"grimm.is/muster/internal/config"
	"grimm.is/muster/internal/errors"
	"grimm.is/muster/internal/logging"
	"grimm.is/muster/internal/metrics"
	"grimm.is/muster/internal/session"
	"grimm.is/muster/internal/wire"
)

const icmpSnapLen = 65535

// icmpContext is the adapter-owned transport context for one ICMP
// peer. Echo identifier and sequence track the peer's most recent
// request so replies pair up with what the client sent.
type icmpContext struct {
	owner string
	ip    net.IP
	key   string // source address plus the echo identifier at first contact

	mu  sync.Mutex
	id  uint16
	seq uint16
}

func (c *icmpContext) Transport() wire.Transport { return wire.TransportICMP }
func (c *icmpContext) Peer() string              { return c.key }

func (c *icmpContext) observe(id, seq uint16) {
	c.mu.Lock()
	c.id = id
	c.seq = seq
	c.mu.Unlock()
}

func (c *icmpContext) echoPair() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.id), int(c.seq)
}

// ICMP captures echo requests on a device and answers with echo
// replies. There are no ports; peers are keyed by source address plus
// echo identifier. Requires capture and raw-socket privileges.
type ICMP struct {
	base

	handle *pcap.Handle
	rconn  *icmp.PacketConn
	wg     sync.WaitGroup

	peerMu sync.Mutex
	peers  map[string]*session.Session

	writeMu sync.Mutex
}

// NewICMP creates an ICMP listener from config. The capture device is
// required.
func NewICMP(cfg config.ListenerConfig, logger *logging.Logger, collector *metrics.Collector) (*ICMP, error) {
	if cfg.Device == "" {
		return nil, errors.Errorf(errors.KindValidation, "icmp listener %q requires a capture device", cfg.Name)
	}
	return &ICMP{
		base:  newBase(wire.TransportICMP, cfg, logger, collector),
		peers: make(map[string]*session.Session),
	}, nil
}

// Start opens the capture handle and the raw reply socket.
func (l *ICMP) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return errors.Errorf(errors.KindAlreadyRunning, "listener %q is already running", l.name)
	}

	handle, err := pcap.OpenLive(l.cfg.Device, icmpSnapLen, false, l.cfg.Timeout())
	if err != nil {
		l.lastErr = err.Error()
		return errors.Wrapf(err, errors.KindSocket, "opening capture on %s", l.cfg.Device)
	}
	if err := handle.SetBPFFilter("icmp"); err != nil {
		handle.Close()
		l.lastErr = err.Error()
		return errors.Wrap(err, errors.KindSocket, "installing capture filter")
	}

	rconn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		handle.Close()
		l.lastErr = err.Error()
		return errors.Wrap(err, errors.KindSocket, "opening raw reply socket")
	}

	l.handle = handle
	l.rconn = rconn
	l.running = true
	l.lastErr = ""

	l.wg.Add(1)
	go l.captureLoop(handle)

	l.logger.Info("Listener started", "device", l.cfg.Device)
	return nil
}

// Stop closes the capture handle and reply socket, joins the capture
// loop, and disconnects all peer sessions. Idempotent.
func (l *ICMP) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	handle := l.handle
	rconn := l.rconn
	l.handle = nil
	l.rconn = nil
	l.mu.Unlock()

	handle.Close()
	rconn.Close()
	l.wg.Wait()

	l.peerMu.Lock()
	l.peers = make(map[string]*session.Session)
	l.peerMu.Unlock()
	l.drain()
	l.logger.Info("Listener stopped")
	return nil
}

// Destroy stops the listener and releases the peer table.
func (l *ICMP) Destroy() error { return l.Stop() }

func (l *ICMP) Status() Status { return l.status(l.cfg.Device) }

func (l *ICMP) captureLoop(handle *pcap.Handle) {
	defer l.wg.Done()

	source := gopacket.NewPacketSource(handle, handle.LinkType())
	for packet := range source.Packets() {
		l.handlePacket(packet)
	}
}

func (l *ICMP) handlePacket(packet gopacket.Packet) {
	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	icmpLayer := packet.Layer(layers.LayerTypeICMPv4)
	if ipLayer == nil || icmpLayer == nil {
		return
	}
	ip := ipLayer.(*layers.IPv4)
	echo := icmpLayer.(*layers.ICMPv4)
	if echo.TypeCode.Type() != layers.ICMPv4TypeEchoRequest {
		return
	}

	s := l.findOrCreate(ip.SrcIP, echo.Id)
	if s == nil {
		return
	}
	if tctx, ok := s.Context().(*icmpContext); ok {
		tctx.observe(echo.Id, echo.Seq)
	}

	if len(echo.Payload) == 0 {
		return
	}
	msg, err := wire.Decode(echo.Payload)
	if err != nil {
		l.logger.WithError(err).Debug("Dropping malformed echo payload", "peer", ip.SrcIP.String())
		return
	}
	l.dispatch(s, msg, len(echo.Payload))
}

// findOrCreate keys peers by source address plus echo identifier, so
// multiple clients behind one address stay distinct.
func (l *ICMP) findOrCreate(src net.IP, id uint16) *session.Session {
	key := fmt.Sprintf("%s#%d", src, id)

	l.peerMu.Lock()
	s, ok := l.peers[key]
	l.peerMu.Unlock()
	if ok {
		return s
	}

	cb := l.callbacks()
	if cb.OnConnect == nil {
		return nil
	}
	peerIP := make(net.IP, len(src))
	copy(peerIP, src)
	s, err := cb.OnConnect(l.name, &icmpContext{owner: l.name, ip: peerIP, key: key, id: id})
	if err != nil || s == nil {
		l.logger.WithError(err).Warn("Rejected echo peer", "peer", key)
		return nil
	}

	l.peerMu.Lock()
	if existing, ok := l.peers[key]; ok {
		l.peerMu.Unlock()
		return existing
	}
	l.peers[key] = s
	l.peerMu.Unlock()

	l.track(s)
	return s
}

// Forget drops the peer mapping held in tctx without firing the
// disconnect callback.
func (l *ICMP) Forget(s *session.Session, tctx session.TransportContext) {
	ctx, ok := tctx.(*icmpContext)
	if !ok || ctx.owner != l.name {
		return
	}
	l.peerMu.Lock()
	delete(l.peers, ctx.key)
	l.peerMu.Unlock()
	l.untrack(s)
}

// Send carries one framed message to the peer inside an echo reply,
// mirroring the identifier and sequence of the peer's last request.
func (l *ICMP) Send(s *session.Session, frame []byte) error {
	if !l.isRunning() {
		return errors.Errorf(errors.KindNotRunning, "listener %q is stopped", l.name)
	}
	tctx, ok := s.Context().(*icmpContext)
	if !ok || tctx.owner != l.name {
		return errors.Errorf(errors.KindValidation, "session %s is not bound to listener %q", s.ID, l.name)
	}

	id, seq := tctx.echoPair()
	reply := icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Code: 0,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: frame},
	}
	buf, err := reply.Marshal(nil)
	if err != nil {
		return errors.Wrap(err, errors.KindSend, "encoding echo reply")
	}

	l.mu.Lock()
	rconn := l.rconn
	l.mu.Unlock()
	if rconn == nil {
		return errors.Errorf(errors.KindNotRunning, "listener %q is stopped", l.name)
	}

	l.writeMu.Lock()
	_, err = rconn.WriteTo(buf, &net.IPAddr{IP: tctx.ip})
	l.writeMu.Unlock()
	if err != nil {
		return errors.Wrapf(err, errors.KindSend, "sending to %s", tctx.ip)
	}
	l.collector.Frame(l.transport.String(), "tx", len(frame))
	return nil
}
