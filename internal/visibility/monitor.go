// Package visibility publishes debounced foreground/background edges.
package visibility

import (
	"sync"
	"time"

	"github.com/bep/debounce"
)

// Listener receives one callback per logical visibility transition.
type Listener interface {
	BecameHidden()
	BecameVisible()
}

// ListenerFuncs adapts plain functions to the Listener interface.
type ListenerFuncs struct {
	Hidden  func()
	Visible func()
}

func (l ListenerFuncs) BecameHidden() {
	if l.Hidden != nil {
		l.Hidden()
	}
}

func (l ListenerFuncs) BecameVisible() {
	if l.Visible != nil {
		l.Visible()
	}
}

// Monitor tracks whether the hosting surface is foregrounded and notifies
// subscribers on edges. Rapid flicker within the debounce window collapses
// into at most one edge per logical transition.
type Monitor struct {
	mu        sync.Mutex
	debounced func(func())
	visible   bool
	pending   bool
	listeners []Listener
}

// NewMonitor returns a monitor that starts visible. A non-positive window
// disables debouncing and publishes edges synchronously.
func NewMonitor(window time.Duration) *Monitor {
	m := &Monitor{visible: true, pending: true}
	if window > 0 {
		m.debounced = debounce.New(window)
	}
	return m
}

// Subscribe registers a listener for future edges.
func (m *Monitor) Subscribe(listener Listener) {
	if listener == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// Visible reports the last published visibility state.
func (m *Monitor) Visible() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.visible
}

// Set feeds a raw visibility observation into the monitor.
func (m *Monitor) Set(visible bool) {
	m.mu.Lock()
	m.pending = visible
	debounced := m.debounced
	m.mu.Unlock()

	if debounced == nil {
		m.flush()
		return
	}
	debounced(m.flush)
}

// flush publishes the settled observation when it differs from the last
// published state.
func (m *Monitor) flush() {
	m.mu.Lock()
	if m.pending == m.visible {
		m.mu.Unlock()
		return
	}
	m.visible = m.pending
	visible := m.visible
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, listener := range listeners {
		if visible {
			listener.BecameVisible()
		} else {
			listener.BecameHidden()
		}
	}
}
