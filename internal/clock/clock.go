// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package clock abstracts time so that supervisors and registries can be
// tested without sleeping.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time and periodic ticks.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers ticks on a channel until stopped.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) Chan() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()                  { r.t.Stop() }

// New returns the system clock.
func New() Clock { return RealClock{} }

// MockClock is a manually advanced clock for tests. Advance moves the
// clock and fires every ticker whose period has elapsed.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*mockTicker
}

// NewMock returns a MockClock starting at the given instant.
func NewMock(start time.Time) *MockClock {
	return &MockClock{now: start}
}

func (m *MockClock) NewTicker(d time.Duration) Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTicker{
		clock:  m,
		period: d,
		next:   m.now.Add(d),
		ch:     make(chan time.Time, 1),
	}
	m.tickers = append(m.tickers, t)
	return t
}

type mockTicker struct {
	clock   *MockClock
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func (t *mockTicker) Chan() <-chan time.Time { return t.ch }

func (t *mockTicker) Stop() {
	t.clock.mu.Lock()
	t.stopped = true
	t.clock.mu.Unlock()
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock clock forward by d.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	due := m.dueTickersLocked()
	m.mu.Unlock()
	for _, t := range due {
		select {
		case t.ch <- t.fireAt:
		default:
		}
	}
}

type firedTicker struct {
	ch     chan time.Time
	fireAt time.Time
}

// dueTickersLocked collapses all elapsed periods per ticker into one
// pending tick, the way a real ticker coalesces missed ticks.
func (m *MockClock) dueTickersLocked() []firedTicker {
	var due []firedTicker
	for _, t := range m.tickers {
		if t.stopped || t.period <= 0 {
			continue
		}
		if !m.now.Before(t.next) {
			due = append(due, firedTicker{ch: t.ch, fireAt: t.next})
			for !m.now.Before(t.next) {
				t.next = t.next.Add(t.period)
			}
		}
	}
	return due
}

// Set pins the mock clock to a specific instant.
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}
