package api

import "fmt"

// runTransitions lists the allowed next states for each run state.
// An empty "from" state represents a run that has not been accepted yet.
var runTransitions = map[RunState][]RunState{
	"":                       {RunStateRequested},
	RunStateRequested:        {RunStateAllocating, RunStateFailed},
	RunStateAllocating:       {RunStateInvoking, RunStateFailed},
	RunStateInvoking:         {RunStateParsingArtifacts, RunStateFailed},
	RunStateParsingArtifacts: {RunStateRegistering, RunStateFailed},
	RunStateRegistering:      {RunStateCompleted, RunStateFailed},
	RunStateCompleted:        {}, // terminal
	RunStateFailed:           {}, // terminal
}

// ValidateRunTransition checks whether a run state transition is valid.
// Terminal states (completed, failed) do not allow outgoing transitions.
func ValidateRunTransition(from, to RunState) *APIError {
	allowed, exists := runTransitions[from]
	if !exists {
		return NewServerError(fmt.Sprintf("invalid run transition from %s to %s", from, to))
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return NewServerError(fmt.Sprintf("invalid run transition from %s to %s", from, to))
}

// IsTerminal reports whether the state ends the run.
func (s RunState) IsTerminal() bool {
	return s == RunStateCompleted || s == RunStateFailed
}
