// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package listener

import (
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/miekg/dns"

	"grimm.is/muster/internal/config"
	"grimm.is/muster/internal/errors"
	"grimm.is/muster/internal/logging"
	"grimm.is/muster/internal/metrics"
	"grimm.is/muster/internal/session"
	"grimm.is/muster/internal/wire"
)

// dataEncoding carries inbound payload bytes in query labels.
var dataEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// maxTXTChunk is the per-string limit in a TXT record.
const maxTXTChunk = 255

// dnsContext is the adapter-owned transport context for one DNS peer.
// DNS is response-driven: outbound frames queue here until the peer's
// next query picks them up.
type dnsContext struct {
	owner string
	key   string

	queueMu sync.Mutex
	queue   [][]byte
}

func (c *dnsContext) Transport() wire.Transport { return wire.TransportDNS }
func (c *dnsContext) Peer() string              { return c.key }

func (c *dnsContext) enqueue(frame []byte) {
	c.queueMu.Lock()
	c.queue = append(c.queue, frame)
	c.queueMu.Unlock()
}

func (c *dnsContext) dequeue() []byte {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	frame := c.queue[0]
	c.queue = c.queue[1:]
	return frame
}

// DNS serves the configured domain. Clients tunnel framed messages in
// base32 query labels; the server answers TXT queries with base64
// chunks of the next queued outbound frame. A query for the bare
// domain polls without carrying data.
type DNS struct {
	base
	domain string // fully qualified, lower case

	server *dns.Server
	pconn  net.PacketConn
	wg     sync.WaitGroup

	peerMu sync.Mutex
	peers  map[string]*session.Session
}

// NewDNS creates a DNS listener from config. The served domain is
// required.
func NewDNS(cfg config.ListenerConfig, logger *logging.Logger, collector *metrics.Collector) (*DNS, error) {
	if cfg.Domain == "" {
		return nil, errors.Errorf(errors.KindValidation, "dns listener %q requires a domain", cfg.Name)
	}
	if cfg.Port == 0 {
		cfg.Port = 53
	}
	if cfg.Bind == "" {
		cfg.Bind = "0.0.0.0"
	}
	return &DNS{
		base:   newBase(wire.TransportDNS, cfg, logger, collector),
		domain: dns.Fqdn(strings.ToLower(cfg.Domain)),
		peers:  make(map[string]*session.Session),
	}, nil
}

// Start binds the UDP socket and begins serving the domain.
func (d *DNS) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.Errorf(errors.KindAlreadyRunning, "listener %q is already running", d.name)
	}

	addr := net.JoinHostPort(d.cfg.Bind, fmt.Sprintf("%d", d.cfg.Port))
	pconn, err := net.ListenPacket("udp", addr)
	if err != nil {
		d.lastErr = err.Error()
		return errors.Wrapf(err, errors.KindBind, "binding %s", addr)
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(d.domain, d.handleQuery)
	d.server = &dns.Server{
		PacketConn:  pconn,
		Handler:     mux,
		ReadTimeout: d.cfg.Timeout(),
	}
	d.pconn = pconn
	d.running = true
	d.lastErr = ""

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.server.ActivateAndServe(); err != nil {
			d.logger.WithError(err).Error("DNS serve failed")
		}
	}()

	d.logger.Info("Listener started", "addr", pconn.LocalAddr().String(), "domain", d.domain)
	return nil
}

// Stop shuts the server down, joins the serve loop, and disconnects
// all peer sessions. Idempotent.
func (d *DNS) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	server := d.server
	d.server = nil
	d.pconn = nil
	d.mu.Unlock()

	server.Shutdown()
	d.wg.Wait()

	d.peerMu.Lock()
	d.peers = make(map[string]*session.Session)
	d.peerMu.Unlock()
	d.drain()
	d.logger.Info("Listener stopped")
	return nil
}

// Destroy stops the listener and releases the peer table.
func (d *DNS) Destroy() error { return d.Stop() }

func (d *DNS) Status() Status {
	addr := ""
	d.mu.Lock()
	if d.pconn != nil {
		addr = d.pconn.LocalAddr().String()
	}
	d.mu.Unlock()
	st := d.status(addr)
	if st.Addr != "" {
		st.Addr += " (" + d.domain + ")"
	}
	return st
}

func (d *DNS) handleQuery(w dns.ResponseWriter, r *dns.Msg) {
	if len(r.Question) == 0 {
		return
	}
	q := r.Question[0]

	s := d.findOrCreate(w.RemoteAddr())
	if s == nil {
		return
	}

	if data, ok := d.extractData(q.Name); ok && len(data) > 0 {
		if msg, err := wire.Decode(data); err == nil {
			d.dispatch(s, msg, len(data))
		} else {
			d.logger.WithError(err).Debug("Dropping malformed query payload", "peer", s.Address())
		}
	}

	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	if q.Qtype == dns.TypeTXT {
		if tctx, ok := s.Context().(*dnsContext); ok {
			if frame := tctx.dequeue(); frame != nil {
				m.Answer = append(m.Answer, &dns.TXT{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 0},
					Txt: chunkBase64(frame),
				})
				d.collector.Frame(d.transport.String(), "tx", len(frame))
			}
		}
	}

	if err := w.WriteMsg(m); err != nil {
		d.logger.WithError(err).Debug("Reply failed", "peer", s.Address())
	}
}

// extractData strips the served domain from the query name and decodes
// the remaining labels as one base32 blob. A bare-domain query carries
// no data and is a poll.
func (d *DNS) extractData(name string) ([]byte, bool) {
	name = strings.ToLower(name)
	if !strings.HasSuffix(name, d.domain) {
		return nil, false
	}
	sub := strings.TrimSuffix(name, d.domain)
	sub = strings.TrimSuffix(sub, ".")
	if sub == "" {
		return nil, true
	}
	encoded := strings.ToUpper(strings.ReplaceAll(sub, ".", ""))
	data, err := dataEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false
	}
	return data, true
}

func chunkBase64(frame []byte) []string {
	encoded := base64.StdEncoding.EncodeToString(frame)
	var chunks []string
	for len(encoded) > maxTXTChunk {
		chunks = append(chunks, encoded[:maxTXTChunk])
		encoded = encoded[maxTXTChunk:]
	}
	return append(chunks, encoded)
}

// findOrCreate derives the session key from the query's source host.
// Resolvers rotate source ports between queries, so the port is not
// part of the peer identity.
func (d *DNS) findOrCreate(peer net.Addr) *session.Session {
	key := peer.String()
	if host, _, err := net.SplitHostPort(key); err == nil {
		key = host
	}

	d.peerMu.Lock()
	s, ok := d.peers[key]
	d.peerMu.Unlock()
	if ok {
		return s
	}

	cb := d.callbacks()
	if cb.OnConnect == nil {
		return nil
	}
	s, err := cb.OnConnect(d.name, &dnsContext{owner: d.name, key: key})
	if err != nil || s == nil {
		d.logger.WithError(err).Warn("Rejected query peer", "peer", key)
		return nil
	}

	d.peerMu.Lock()
	if existing, ok := d.peers[key]; ok {
		d.peerMu.Unlock()
		return existing
	}
	d.peers[key] = s
	d.peerMu.Unlock()

	d.track(s)
	return s
}

// Forget drops the peer mapping held in tctx without firing the
// disconnect callback.
func (d *DNS) Forget(s *session.Session, tctx session.TransportContext) {
	ctx, ok := tctx.(*dnsContext)
	if !ok || ctx.owner != d.name {
		return
	}
	d.peerMu.Lock()
	delete(d.peers, ctx.key)
	d.peerMu.Unlock()
	d.untrack(s)
}

// Send queues one framed message for delivery in the peer's next TXT
// response. DNS is best-effort and response-driven; queuing succeeds
// even if the peer never polls again.
func (d *DNS) Send(s *session.Session, frame []byte) error {
	if !d.isRunning() {
		return errors.Errorf(errors.KindNotRunning, "listener %q is stopped", d.name)
	}
	tctx, ok := s.Context().(*dnsContext)
	if !ok || tctx.owner != d.name {
		return errors.Errorf(errors.KindValidation, "session %s is not bound to listener %q", s.ID, d.name)
	}
	tctx.enqueue(frame)
	return nil
}
