// Package debounce settles a rapidly changing string once it has been quiet
// for a fixed interval. It follows the bubbles component shape: a value-type
// Model updated by messages it schedules itself.
package debounce

import (
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

const DefaultDelay = 300 * time.Millisecond

var lastID atomic.Int64

// TickMsg fires when a debounce window may have closed.
type TickMsg struct {
	id  int64
	seq int
}

type Model struct {
	id      int64
	delay   time.Duration
	seq     int
	value   string
	settled string
}

func New(delay time.Duration) Model {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return Model{id: lastID.Add(1), delay: delay}
}

// Push records the latest input and restarts the window.
func (m Model) Push(value string) (Model, tea.Cmd) {
	if value == m.value && m.seq > 0 {
		return m, nil
	}
	m.value = value
	m.seq++
	id, seq := m.id, m.seq
	return m, tea.Tick(m.delay, func(time.Time) tea.Msg {
		return TickMsg{id: id, seq: seq}
	})
}

// Update settles the value when msg belongs to the latest window. changed is
// true only when the settled value is different afterwards.
func (m Model) Update(msg tea.Msg) (Model, bool) {
	tick, ok := msg.(TickMsg)
	if !ok || tick.id != m.id || tick.seq != m.seq {
		return m, false
	}
	if m.settled == m.value {
		return m, false
	}
	m.settled = m.value
	return m, true
}

func (m Model) Value() string   { return m.value }
func (m Model) Settled() string { return m.settled }

// Pending is true while the input has not settled yet.
func (m Model) Pending() bool { return m.value != m.settled }

func (m Model) Delay() time.Duration { return m.delay }
