package session

import (
	"sync"
	"time"
)

// State is the lifecycle state of a session id.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
)

// Transition records a state change for debugging.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// StateCallback is called after a session's state changes.
type StateCallback func(sessionID string, from, to State)

const maxTransitionsPerSession = 50

// stateTracker keeps the current state and bounded transition history per
// session id. History survives disconnects.
type stateTracker struct {
	mu          sync.RWMutex
	states      map[string]State
	transitions map[string][]Transition
	callbacks   []StateCallback
}

func newStateTracker() *stateTracker {
	return &stateTracker{
		states:      make(map[string]State),
		transitions: make(map[string][]Transition),
	}
}

func (t *stateTracker) get(id string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.states[id]; ok {
		return s
	}
	return StateDisconnected
}

// set records a transition when the state actually changes and fires
// callbacks outside the lock. It returns the previous state.
func (t *stateTracker) set(id string, to State) State {
	t.mu.Lock()
	from, ok := t.states[id]
	if !ok {
		from = StateDisconnected
	}
	if from == to {
		t.mu.Unlock()
		return from
	}
	t.states[id] = to

	trans := append(t.transitions[id], Transition{From: from, To: to, Timestamp: time.Now()})
	if len(trans) > maxTransitionsPerSession {
		trans = trans[len(trans)-maxTransitionsPerSession:]
	}
	t.transitions[id] = trans

	cbs := make([]StateCallback, len(t.callbacks))
	copy(cbs, t.callbacks)
	t.mu.Unlock()

	for _, cb := range cbs {
		cb(id, from, to)
	}
	return from
}

func (t *stateTracker) history(id string) []Transition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Transition, len(t.transitions[id]))
	copy(out, t.transitions[id])
	return out
}

func (t *stateTracker) onChange(cb StateCallback) {
	t.mu.Lock()
	t.callbacks = append(t.callbacks, cb)
	t.mu.Unlock()
}
