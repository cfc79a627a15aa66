package engine

import (
	"encoding/json"
	"fmt"
)

// ExecutionStatus is the outcome of satisfying a goal at one recursion level.
type ExecutionStatus string

const (
	// StatusNoFlaw indicates the goal already holds; nothing was done.
	StatusNoFlaw ExecutionStatus = "no_flaw"

	// StatusFailure indicates the goal cannot be satisfied on this attempt.
	StatusFailure ExecutionStatus = "failure"

	// StatusPending indicates a selected operator is already running elsewhere.
	StatusPending ExecutionStatus = "pending"

	// StatusRepaired indicates progress was made; more flaws may remain.
	StatusRepaired ExecutionStatus = "repaired"
)

// IsSuccess returns true for NoFlaw and Repaired.
func (s ExecutionStatus) IsSuccess() bool {
	return s == StatusNoFlaw || s == StatusRepaired
}

// Validate checks if the execution status is valid.
func (s ExecutionStatus) Validate() error {
	switch s {
	case StatusNoFlaw, StatusFailure, StatusPending, StatusRepaired:
		return nil
	default:
		return fmt.Errorf("invalid execution status: %s", s)
	}
}

// aggregate folds per-operator results: any Failure wins, then any Pending, else Repaired.
func aggregate(results []ExecutionStatus) ExecutionStatus {
	pending := false
	for _, r := range results {
		switch r {
		case StatusFailure:
			return StatusFailure
		case StatusPending:
			pending = true
		}
	}
	if pending {
		return StatusPending
	}
	return StatusRepaired
}

// Mode identifies which entry point started a repair.
type Mode string

const (
	// ModeMain is the autonomous local driver.
	ModeMain Mode = "main"

	// ModeSatisfier is a repair performed on behalf of a peer's delegated goal.
	ModeSatisfier Mode = "satisfier"
)

// Validate checks if the mode is valid.
func (m Mode) Validate() error {
	switch m {
	case ModeMain, ModeSatisfier:
		return nil
	default:
		return fmt.Errorf("invalid mode: %s", m)
	}
}

// MarshalJSON implements json.Marshaler.
func (s ExecutionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *ExecutionStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := ExecutionStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}
