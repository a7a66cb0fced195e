package fsm

import (
	"github.com/courseforge/courseforge-backend/internal/jobs/stagedef"
)

// The stage-state table is built once from the stage registry. States form a
// strict linear path; every non-terminal state may additionally move to
// failed or cancelled. No state is reachable except through its declared
// predecessor.

var (
	pathOrder map[string]int
	nextState map[string]string
)

func init() {
	path := []string{stagedef.StatePending}
	for _, s := range stagedef.Stages() {
		path = append(path, s.InitState, s.ProcessingState, s.CompleteState)
	}
	path = append(path, stagedef.StateFinalizing, stagedef.StateCompleted)

	pathOrder = make(map[string]int, len(path))
	nextState = make(map[string]string, len(path))
	for i, st := range path {
		pathOrder[st] = i
		if i+1 < len(path) {
			nextState[st] = path[i+1]
		}
	}
}

func Terminal(state string) bool {
	return state == stagedef.StateCompleted ||
		state == stagedef.StateFailed ||
		state == stagedef.StateCancelled
}

// Allowed reports whether from -> to is in the transition table.
func Allowed(from, to string) bool {
	if Terminal(from) {
		return false
	}
	if to == stagedef.StateFailed || to == stagedef.StateCancelled {
		return true
	}
	return nextState[from] == to
}

// AtOrBeyond reports whether state is the target state or any later state on
// the happy path. Used to classify a lost conditional-update race as a
// benign no-op instead of an invalid transition.
func AtOrBeyond(state, target string) bool {
	si, ok1 := pathOrder[state]
	ti, ok2 := pathOrder[target]
	if !ok1 || !ok2 {
		return false
	}
	return si >= ti
}

// Predecessor returns the declared predecessor of a happy-path state.
func Predecessor(state string) (string, bool) {
	ti, ok := pathOrder[state]
	if !ok || ti == 0 {
		return "", false
	}
	for st, i := range pathOrder {
		if i == ti-1 {
			return st, true
		}
	}
	return "", false
}
