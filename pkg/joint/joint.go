// Package joint holds the per-joint value types shared by the feedback cache, planner, control
// loop and transports.
package joint

import (
	"errors"
	"fmt"
	"time"
)

// ErrDimensionMismatch is returned whenever a joint vector does not match the arm's DoF.
var ErrDimensionMismatch = errors.New("joint vector length does not match degrees of freedom")

// State is one complete feedback sample. All joints update together; a State is never partially
// written once published.
type State struct {
	Position  []float64
	Velocity  []float64
	Effort    []float64
	Timestamp time.Time
	// Seq increases by one with every published sample.
	Seq uint64
}

// DoF returns the number of joints in the state.
func (s State) DoF() int {
	return len(s.Position)
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	return State{
		Position:  Copy(s.Position),
		Velocity:  Copy(s.Velocity),
		Effort:    Copy(s.Effort),
		Timestamp: s.Timestamp,
		Seq:       s.Seq,
	}
}

// Command is built fresh each tick. Position and Velocity are nil when the command carries no
// reference (pure gravity compensation or zero torque).
type Command struct {
	Position []float64
	Velocity []float64
	Effort   []float64
}

// HasReference reports whether the command carries a position reference.
func (c Command) HasReference() bool {
	return c.Position != nil
}

// Clone returns a deep copy of c.
func (c Command) Clone() Command {
	return Command{
		Position: Copy(c.Position),
		Velocity: Copy(c.Velocity),
		Effort:   Copy(c.Effort),
	}
}

// Equal reports whether two commands carry identical values.
func (c Command) Equal(other Command) bool {
	return equal(c.Position, other.Position) &&
		equal(c.Velocity, other.Velocity) &&
		equal(c.Effort, other.Effort)
}

// CheckDoF returns ErrDimensionMismatch if v does not have dof elements.
func CheckDoF(v []float64, dof int) error {
	if len(v) != dof {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), dof)
	}
	return nil
}

// Copy returns a copy of v, preserving nil.
func Copy(v []float64) []float64 {
	if v == nil {
		return nil
	}
	out := make([]float64, len(v))
	copy(out, v)
	return out
}

func equal(a, b []float64) bool {
	if (a == nil) != (b == nil) || len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
