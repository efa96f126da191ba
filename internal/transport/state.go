// Package transport holds the connection state machine and backoff/watchdog
// helpers shared by the MQTT-class and SignalR-class ingest/egress clients
//.
package transport

import (
	"sync"
	"time"
)

// State is a connection's position in the shared state machine.
type State int

const (
	Disconnected State = iota
	Connecting
	JoinedPending
	Ready
	Backoff
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case JoinedPending:
		return "joined_pending"
	case Ready:
		return "ready"
	case Backoff:
		return "backoff"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// StateMachine tracks the current State under a mutex and notifies an
// optional observer (typically a metrics gauge) on every transition.
type StateMachine struct {
	mu      sync.Mutex
	state   State
	observe func(State)
}

// NewStateMachine creates a machine starting Disconnected. observe may be
// nil.
func NewStateMachine(observe func(State)) *StateMachine {
	return &StateMachine{state: Disconnected, observe: observe}
}

// Set transitions to s and notifies the observer.
func (m *StateMachine) Set(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	if m.observe != nil {
		m.observe(s)
	}
}

// Get returns the current state.
func (m *StateMachine) Get() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// BackoffSchedule implements the reconnect schedule: starts at Min,
// doubles on each call to Next, caps at Max, and resets to Min on Reset
// (called when the state machine successfully reaches Ready).
type BackoffSchedule struct {
	Min, Max time.Duration
	current  time.Duration
}

// NewBackoffSchedule builds a BackoffSchedule with the default 1s/30s schedule.
func NewBackoffSchedule() *BackoffSchedule {
	return &BackoffSchedule{Min: time.Second, Max: 30 * time.Second}
}

// Next returns the delay to sleep before the next reconnect attempt and
// advances the schedule.
func (b *BackoffSchedule) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Min
	}
	d := b.current
	b.current *= 2
	if b.current > b.Max {
		b.current = b.Max
	}
	return d
}

// Reset restores the schedule to Min, called on every successful Ready.
func (b *BackoffSchedule) Reset() {
	b.current = 0
}

// Watchdog fires fn if no Touch call occurs within timeout. A zero timeout
// disables the watchdog entirely.
type Watchdog struct {
	timeout time.Duration
	fn      func()

	mu     sync.Mutex
	timer  *time.Timer
	active bool
}

// NewWatchdog creates a (stopped) watchdog. Call Arm to start it.
func NewWatchdog(timeout time.Duration, fn func()) *Watchdog {
	return &Watchdog{timeout: timeout, fn: fn}
}

// Arm (re)starts the idle timer. No-op if the watchdog is disabled.
func (w *Watchdog) Arm() {
	if w.timeout <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.active = true
	w.timer = time.AfterFunc(w.timeout, func() {
		w.mu.Lock()
		fired := w.active
		w.mu.Unlock()
		if fired {
			w.fn()
		}
	})
}

// Touch resets the idle timer; call on every successful frame/send.
func (w *Watchdog) Touch() {
	w.Arm()
}

// Disarm stops the watchdog until the next Arm.
func (w *Watchdog) Disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active = false
	if w.timer != nil {
		w.timer.Stop()
	}
}
