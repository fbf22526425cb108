// Package signals accumulates implicit quality signals for one session:
// retries, compactions, abandonment, and error kinds. The tracker is a
// small state machine with two states, idle and turn-in-progress.
package signals

import (
	"sort"
	"sync"
)

// FinalState classifies how a session ended.
type FinalState string

const (
	StateCompleted FinalState = "completed"
	StateAbandoned FinalState = "abandoned"
	StateError     FinalState = "error"
)

// Signals is the projection of the accumulated tracker state, computed
// once at session end.
type Signals struct {
	Retries          int        `json:"retries"`
	Compactions      int        `json:"compactions"`
	AbandonedMidTurn bool       `json:"abandoned_mid_turn"`
	FinalState       FinalState `json:"final_state"`
	ErrorKinds       []string   `json:"error_kinds,omitempty"`
}

// Tracker accumulates signals for a single session. The zero value is not
// usable; call NewTracker.
type Tracker struct {
	mu             sync.Mutex
	turnInProgress bool
	retries        int
	compactions    int
	errorKinds     map[string]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{errorKinds: make(map[string]struct{})}
}

// StartTurn transitions idle -> turn-in-progress. Starting a turn that
// is already in progress is a no-op.
func (t *Tracker) StartTurn() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turnInProgress = true
}

// EndTurn transitions turn-in-progress -> idle.
func (t *Tracker) EndTurn() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turnInProgress = false
}

// RecordRetry counts a user retry. Valid in either state.
func (t *Tracker) RecordRetry() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retries++
}

// RecordCompaction counts a history compaction. Valid in either state.
func (t *Tracker) RecordCompaction() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.compactions++
}

// RecordError adds an error kind to the set. Duplicate kinds collapse.
func (t *Tracker) RecordError(kind string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorKinds[kind] = struct{}{}
}

// Reset returns the tracker to its initial state for a new session.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turnInProgress = false
	t.retries = 0
	t.compactions = 0
	t.errorKinds = make(map[string]struct{})
}

// Signals projects the accumulated state. Error takes precedence over
// abandonment: a session with any recorded error ends in StateError even
// if it was also abandoned mid-turn. A session still in turn-in-progress,
// or one the caller reports as not explicitly ended, is abandoned.
func (t *Tracker) Signals(explicitlyEnded bool) Signals {
	t.mu.Lock()
	defer t.mu.Unlock()

	abandonedMidTurn := t.turnInProgress

	var kinds []string
	for kind := range t.errorKinds {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	finalState := StateCompleted
	switch {
	case len(kinds) > 0:
		finalState = StateError
	case abandonedMidTurn || !explicitlyEnded:
		finalState = StateAbandoned
	}

	return Signals{
		Retries:          t.retries,
		Compactions:      t.compactions,
		AbandonedMidTurn: abandonedMidTurn,
		FinalState:       finalState,
		ErrorKinds:       kinds,
	}
}
