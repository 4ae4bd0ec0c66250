// Package lifecycle implements the per-table-per-run state machine driven by
// the incremental sync orchestrator (C8): idle -> leased -> reading ->
// writing -> advancing -> done | aborted.
package lifecycle

import (
	"fmt"

	"github.com/oakhealth/syncpipe/pkg/domain"
)

var validTransitions = map[domain.RunState][]domain.RunState{
	domain.RunIdle:      {domain.RunLeased, domain.RunAborted},
	domain.RunLeased:    {domain.RunReading, domain.RunAborted},
	domain.RunReading:   {domain.RunWriting, domain.RunAdvancing, domain.RunAborted},
	domain.RunWriting:   {domain.RunAdvancing, domain.RunAborted},
	domain.RunAdvancing: {domain.RunReading, domain.RunDone, domain.RunAborted},
	domain.RunDone:      {},
	domain.RunAborted:   {},
}

// CanTransition reports whether moving from one run state to another is valid.
func CanTransition(from, to domain.RunState) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates a state change, returning an error if it is invalid.
func Transition(from, to domain.RunState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminal reports whether status is a final state for the run.
func IsTerminal(status domain.RunState) bool {
	return status == domain.RunDone || status == domain.RunAborted
}
