package model

import (
	"fmt"
	"strings"
)

// UnitState represents the lifecycle state of a WorkUnit.
type UnitState string

const (
	UnitStatePending   UnitState = "PENDING"
	UnitStateReady     UnitState = "READY"
	UnitStateSubmitted UnitState = "SUBMITTED"
	UnitStateSucceeded UnitState = "SUCCEEDED"
	UnitStateFailed    UnitState = "FAILED"
	UnitStateSkipped   UnitState = "SKIPPED"
)

// String returns the string representation of the unit state.
func (s UnitState) String() string {
	return string(s)
}

// IsTerminal returns true if the unit is in a final state.
func (s UnitState) IsTerminal() bool {
	switch s {
	case UnitStateSucceeded, UnitStateFailed, UnitStateSkipped:
		return true
	}
	return false
}

// ValidUnitTransitions defines the allowed state transitions for WorkUnits.
// A Ready unit whose submission fails goes straight to Failed.
var ValidUnitTransitions = map[UnitState][]UnitState{
	UnitStatePending:   {UnitStateReady, UnitStateSkipped},
	UnitStateReady:     {UnitStateSubmitted, UnitStateFailed},
	UnitStateSubmitted: {UnitStateSucceeded, UnitStateFailed},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s UnitState) CanTransitionTo(next UnitState) bool {
	for _, allowed := range ValidUnitTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RunState represents the lifecycle state of a whole orchestration run.
type RunState string

const (
	RunStateRunning   RunState = "RUNNING"
	RunStateCompleted RunState = "COMPLETED"
	RunStateFailed    RunState = "FAILED"
	RunStateCancelled RunState = "CANCELLED"
)

// String returns the string representation of the run state.
func (s RunState) String() string {
	return string(s)
}

// IsTerminal returns true if the run is in a final state.
func (s RunState) IsTerminal() bool {
	return s != RunStateRunning
}

// ParseRunState accepts a run state in any letter case.
func ParseRunState(s string) (RunState, error) {
	st := RunState(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case RunStateRunning, RunStateCompleted, RunStateFailed, RunStateCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown run state %q", s)
}

// CompletionKind selects the predicate that marks a submitted unit as done.
type CompletionKind string

const (
	// CompletionScheduler waits until the scheduler no longer lists the job
	// and, where it can tell, reports it finished without error.
	CompletionScheduler CompletionKind = "scheduler"
	// CompletionBarrier waits until the unit's filesystem barrier holds.
	CompletionBarrier CompletionKind = "barrier"
)
