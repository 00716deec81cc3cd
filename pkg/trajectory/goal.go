// Package trajectory turns goals into time-parameterized joint trajectories.
package trajectory

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"armctl/pkg/joint"
)

var (
	// ErrInvalidDuration is returned for waypoint times that are not positive and strictly
	// increasing. The first waypoint must lie after the goal starts, so a waypoint at time zero is
	// rejected rather than planned as a zero-length segment from the current state.
	ErrInvalidDuration = errors.New("waypoint times must be positive and strictly increasing")
	// ErrInvalidWaypoint is returned for waypoints with non-finite positions.
	ErrInvalidWaypoint = errors.New("waypoint position must be finite")
	// ErrNoActiveGoal is returned by reference queries while no trajectory is active.
	ErrNoActiveGoal = errors.New("no active goal")
)

// Waypoint is a target configuration reached Time after the goal starts. Velocity and
// Acceleration are optional; a nil slice or a NaN element leaves that value to the planner.
type Waypoint struct {
	Time         time.Duration
	Position     []float64
	Velocity     []float64
	Acceleration []float64
}

// Goal is an ordered list of waypoints. The arm's state when the goal is applied is the implicit
// first waypoint at time zero.
type Goal struct {
	ID        uuid.UUID
	Waypoints []Waypoint
}

// NewGoal returns a goal with a fresh ID.
func NewGoal(waypoints ...Waypoint) Goal {
	return Goal{ID: uuid.New(), Waypoints: waypoints}
}

// NewGoalFromPosition moves to positions over duration, arriving at rest.
func NewGoalFromPosition(duration time.Duration, positions []float64) Goal {
	return NewGoal(Waypoint{Time: duration, Position: joint.Copy(positions)})
}

// NewGoalFromPositions builds one waypoint per entry of times, leaving interior velocities to the
// planner.
func NewGoalFromPositions(times []time.Duration, positions [][]float64) (Goal, error) {
	if len(times) != len(positions) {
		return Goal{}, fmt.Errorf("%w: %d times for %d waypoints", joint.ErrDimensionMismatch, len(times), len(positions))
	}
	wps := make([]Waypoint, len(times))
	for i := range times {
		wps[i] = Waypoint{Time: times[i], Position: joint.Copy(positions[i])}
	}
	return NewGoal(wps...), nil
}

// Duration returns the time of the last waypoint.
func (g Goal) Duration() time.Duration {
	if len(g.Waypoints) == 0 {
		return 0
	}
	return g.Waypoints[len(g.Waypoints)-1].Time
}

// Validate checks a goal against an arm with dof joints.
func (g Goal) Validate(dof int) error {
	if len(g.Waypoints) == 0 {
		return fmt.Errorf("%w: goal has no waypoints", joint.ErrDimensionMismatch)
	}
	var prev time.Duration
	for i, wp := range g.Waypoints {
		if err := joint.CheckDoF(wp.Position, dof); err != nil {
			return fmt.Errorf("waypoint %d position: %w", i, err)
		}
		if wp.Velocity != nil {
			if err := joint.CheckDoF(wp.Velocity, dof); err != nil {
				return fmt.Errorf("waypoint %d velocity: %w", i, err)
			}
		}
		if wp.Acceleration != nil {
			if err := joint.CheckDoF(wp.Acceleration, dof); err != nil {
				return fmt.Errorf("waypoint %d acceleration: %w", i, err)
			}
		}
		for j, p := range wp.Position {
			if math.IsNaN(p) || math.IsInf(p, 0) {
				return fmt.Errorf("%w: waypoint %d joint %d", ErrInvalidWaypoint, i, j)
			}
		}
		if wp.Time <= prev {
			return fmt.Errorf("%w: waypoint %d at %v follows %v", ErrInvalidDuration, i, wp.Time, prev)
		}
		prev = wp.Time
	}
	return nil
}

// DurationFromSeconds converts a caller-supplied time in seconds, rejecting non-finite and
// negative values.
func DurationFromSeconds(s float64) (time.Duration, error) {
	if math.IsNaN(s) || math.IsInf(s, 0) || s < 0 {
		return 0, fmt.Errorf("%w: %v s", ErrInvalidDuration, s)
	}
	return time.Duration(s * float64(time.Second)), nil
}
