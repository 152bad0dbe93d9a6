package voice

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voicedesk/internal/observe"
)

// State is the recording state of the voice interface.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StatePlaying    State = "playing"
	StateError      State = "error"
)

// ErrInvalidTransition is returned for a transition the machine does not
// allow. The state is left unchanged.
var ErrInvalidTransition = errors.New("voice: invalid state transition")

// allowed lists the legal targets per state. Every state may also move to
// [StateError].
var allowed = map[State][]State{
	StateIdle:       {StateListening, StateProcessing, StatePlaying},
	StateListening:  {StateProcessing, StateIdle},
	StateProcessing: {StatePlaying, StateIdle},
	StatePlaying:    {StateIdle, StateListening},
	StateError:      {StateIdle},
}

// CanTransition reports whether from → to is legal.
func CanTransition(from, to State) bool {
	if to == StateError {
		_, known := allowed[from]
		return known
	}
	return slices.Contains(allowed[from], to)
}

// Transition is one state change.
type Transition struct {
	From  State     `json:"from"`
	To    State     `json:"to"`
	Cause string    `json:"cause"`
	At    time.Time `json:"at"`
}

// Machine holds the current [State] and enforces the transition table.
type Machine struct {
	now     func() time.Time
	metrics *observe.Metrics

	mu    sync.Mutex
	state State
	subs  map[int]func(Transition)
	next  int
}

// NewMachine returns a machine in [StateIdle].
func NewMachine(now func() time.Time, m *observe.Metrics) *Machine {
	if now == nil {
		now = time.Now
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Machine{now: now, metrics: m, state: StateIdle, subs: make(map[int]func(Transition))}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Is reports whether the current state is one of states.
func (m *Machine) Is(states ...State) bool {
	return slices.Contains(states, m.State())
}

// Transition moves to the given state. Moving to the current state is a
// no-op. Subscribers run after the lock is released.
func (m *Machine) Transition(ctx context.Context, to State, cause string) error {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		m.mu.Unlock()
		observe.Logger(ctx).Warn("rejected state transition", "from", string(from), "to", string(to), "cause", cause)
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	tr := Transition{From: from, To: to, Cause: cause, At: m.now()}
	subs := slices.Collect(maps.Values(m.subs))
	m.mu.Unlock()

	m.metrics.RecordTransition(ctx, string(from), string(to))
	observe.Logger(ctx).Debug("state transition", "from", string(from), "to", string(to), "cause", cause)
	for _, fn := range subs {
		fn(tr)
	}
	return nil
}

// Subscribe registers fn for every transition. The returned function
// unregisters it.
func (m *Machine) Subscribe(fn func(Transition)) (cancel func()) {
	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}
