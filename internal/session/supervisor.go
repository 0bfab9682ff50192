// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package session

import (
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// pingFunc checks reachability of an idle session's address with a
// single unprivileged ICMP echo. Overridable in tests.
var pingFunc = func(addr string) error {
	pinger, err := probing.NewPinger(addr)
	if err != nil {
		return err
	}
	pinger.Count = 1
	pinger.Timeout = 2 * time.Second
	pinger.SetPrivileged(false)
	if err := pinger.Run(); err != nil {
		return err
	}
	if pinger.Statistics().PacketsRecv == 0 {
		return errPacketLoss
	}
	return nil
}

var errPacketLoss = packetLossError{}

type packetLossError struct{}

func (packetLossError) Error() string { return "packet loss" }

// Start launches the heartbeat supervisor. It evaluates every session
// on a fixed polling period, independent of any one session's own
// heartbeat interval. Idempotent with Stop.
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
	r.logger.Info("Heartbeat supervisor started", "poll", r.opts.PollPeriod.String())
}

// Stop signals the supervisor and joins it before returning, so no
// evaluation runs after Stop. The session table itself is left intact.
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
	r.logger.Info("Heartbeat supervisor stopped")
}

func (r *Registry) supervise(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := r.clock.NewTicker(r.opts.PollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.evaluate()
		case <-stop:
			return
		}
	}
}

// evaluate runs one supervisor pass. A session whose heartbeat window
// (interval + jitter) has lapsed moves Active -> Idle and receives one
// probe before the next evaluation. The supervisor never disconnects a
// session on heartbeat absence alone: best-effort transports have no
// teardown signal, so that transition is reserved for transport-level
// events and listener stop.
func (r *Registry) evaluate() {
	now := r.clock.Now()

	r.mu.RLock()
	prober := r.prober
	r.mu.RUnlock()

	for _, s := range r.All() {
		s.mu.Lock()
		if s.state != StateActive {
			s.mu.Unlock()
			continue
		}
		window := s.heartbeatInterval + s.heartbeatJitter
		if now.Sub(s.lastHeartbeat) <= window {
			s.mu.Unlock()
			continue
		}
		s.state = StateIdle
		addr := s.address
		if addr == "" && s.tctx != nil {
			addr = s.tctx.Peer()
		}
		s.mu.Unlock()

		r.collector.SessionStateChange(StateActive.String(), StateIdle.String())
		r.logger.Warn("Session heartbeat lapsed", "id", s.ID, "window", window.String())
		r.probe(s, addr, prober)
	}
}

func (r *Registry) probe(s *Session, addr string, prober Prober) {
	if prober != nil {
		if err := prober(s); err != nil {
			r.collector.IdleProbe("failed")
			r.logger.WithError(err).Debug("Heartbeat probe failed", "id", s.ID)
		} else {
			r.collector.IdleProbe("sent")
		}
	}
	if r.opts.ProbeICMP && addr != "" {
		// Reachability check only; the result never changes session state.
		go func() {
			if err := pingFunc(addr); err == nil {
				r.collector.IdleProbe("reachable")
			}
		}()
	}
}
