package orchestrator

import "fmt"

// State is the lifecycle state of a run.
type State string

const (
	StateIdle              State = "idle"
	StateInitializing      State = "initializing"
	StateScanningChunks    State = "scanning_chunks"
	StateResolvingTimeline State = "resolving_timeline"
	StateCompleted         State = "completed"
	StateFailed            State = "failed"
)

var allowedTransitions = map[State]map[State]struct{}{
	StateIdle: {
		StateInitializing: {},
	},
	StateInitializing: {
		StateScanningChunks: {},
		StateFailed:         {},
	},
	StateScanningChunks: {
		StateResolvingTimeline: {},
		StateFailed:            {},
	},
	StateResolvingTimeline: {
		StateCompleted: {},
		StateFailed:    {},
	},
	StateCompleted: {},
	StateFailed:    {},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

func ValidateState(s State) error {
	if _, ok := allowedTransitions[s]; !ok {
		return fmt.Errorf("invalid run state: %q", s)
	}
	return nil
}

func ValidateTransition(from, to State) error {
	if err := ValidateState(from); err != nil {
		return err
	}
	if err := ValidateState(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("invalid run transition: %s -> %s", from, to)
	}
	return nil
}
