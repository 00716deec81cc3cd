package trajectory

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"armctl/pkg/joint"
)

const eps = 1e-9

func state(pos, vel []float64) joint.State {
	return joint.State{Position: pos, Velocity: vel}
}

func TestGoalValidate(t *testing.T) {
	tests := []struct {
		name   string
		goal   Goal
		target error
	}{
		{"empty", NewGoal(), joint.ErrDimensionMismatch},
		{"short position", NewGoalFromPosition(time.Second, []float64{1, 2}), joint.ErrDimensionMismatch},
		{"bad velocity length", NewGoal(Waypoint{Time: time.Second, Position: []float64{1, 2, 3}, Velocity: []float64{1}}), joint.ErrDimensionMismatch},
		{"bad acceleration length", NewGoal(Waypoint{Time: time.Second, Position: []float64{1, 2, 3}, Acceleration: []float64{1, 2, 3, 4}}), joint.ErrDimensionMismatch},
		{"zero duration", NewGoalFromPosition(0, []float64{1, 2, 3}), ErrInvalidDuration},
		{"negative duration", NewGoalFromPosition(-time.Second, []float64{1, 2, 3}), ErrInvalidDuration},
		{"first waypoint at zero", NewGoal(
			Waypoint{Time: 0, Position: []float64{1, 2, 3}},
			Waypoint{Time: time.Second, Position: []float64{1, 2, 3}},
		), ErrInvalidDuration},
		{"not increasing", NewGoal(
			Waypoint{Time: 2 * time.Second, Position: []float64{1, 2, 3}},
			Waypoint{Time: 2 * time.Second, Position: []float64{1, 2, 3}},
		), ErrInvalidDuration},
		{"decreasing", NewGoal(
			Waypoint{Time: 2 * time.Second, Position: []float64{1, 2, 3}},
			Waypoint{Time: time.Second, Position: []float64{1, 2, 3}},
		), ErrInvalidDuration},
		{"nan position", NewGoalFromPosition(time.Second, []float64{1, math.NaN(), 3}), ErrInvalidWaypoint},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.goal.Validate(3)
			assert.True(t, errors.Is(err, tt.target), "got %v", err)
		})
	}

	assert.NoError(t, NewGoalFromPosition(time.Second, []float64{1, 2, 3}).Validate(3))
}

func TestNewGoalFromPositions(t *testing.T) {
	g, err := NewGoalFromPositions(
		[]time.Duration{time.Second, 2 * time.Second},
		[][]float64{{1}, {2}},
	)
	require.NoError(t, err)
	assert.Len(t, g.Waypoints, 2)
	assert.Equal(t, 2*time.Second, g.Duration())
	assert.NotEqual(t, g.ID, NewGoal().ID)

	_, err = NewGoalFromPositions([]time.Duration{time.Second}, [][]float64{{1}, {2}})
	assert.ErrorIs(t, err, joint.ErrDimensionMismatch)
}

func TestDurationFromSeconds(t *testing.T) {
	d, err := DurationFromSeconds(1.5)
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	for _, bad := range []float64{math.NaN(), math.Inf(1), -1} {
		_, err := DurationFromSeconds(bad)
		assert.ErrorIs(t, err, ErrInvalidDuration)
	}
}

func TestReferenceAtStartMatchesCurrentState(t *testing.T) {
	p := NewPlanner(3)
	current := state([]float64{0.4, -1.2, 2.0}, []float64{0.1, 0, -0.3})

	goals := []Goal{
		NewGoalFromPosition(time.Second, []float64{0, 0, 0}),
		NewGoalFromPosition(3*time.Second, []float64{1, 1, 1}),
		NewGoal(
			Waypoint{Time: time.Second, Position: []float64{1, 0, 0}},
			Waypoint{Time: 2 * time.Second, Position: []float64{0, 1, 0}, Velocity: []float64{0.5, math.NaN(), 0}},
			Waypoint{Time: 4 * time.Second, Position: []float64{0, 0, 1}},
		),
	}
	for _, g := range goals {
		_, err := p.SetGoal(g, current)
		require.NoError(t, err)
		ref, err := p.ReferenceAt(0)
		require.NoError(t, err)
		assert.InDeltaSlice(t, current.Position, ref.Position, eps)
		assert.InDeltaSlice(t, current.Velocity, ref.Velocity, eps)
		assert.InDeltaSlice(t, []float64{0, 0, 0}, ref.Acceleration, eps)
	}
}

func TestTerminalHold(t *testing.T) {
	p := NewPlanner(2)
	g := NewGoal(
		Waypoint{Time: time.Second, Position: []float64{1, 2}},
		Waypoint{Time: 2 * time.Second, Position: []float64{3, -1}, Velocity: []float64{1, 1}},
	)
	tr, err := p.SetGoal(g, state([]float64{0, 0}, nil))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, tr.Duration())

	for _, at := range []time.Duration{2 * time.Second, 2*time.Second + time.Nanosecond, time.Minute} {
		ref, err := p.ReferenceAt(at)
		require.NoError(t, err)
		assert.Equal(t, []float64{3, -1}, ref.Position)
		assert.Equal(t, []float64{0, 0}, ref.Velocity)
		assert.Equal(t, []float64{0, 0}, ref.Acceleration)
		assert.True(t, tr.Done(at))
	}
	assert.False(t, tr.Done(time.Second))
}

func TestSixJointZeroGoal(t *testing.T) {
	p := NewPlanner(6)
	start := state([]float64{0.5, -0.8, 1.4, 0.3, -1.1, 2.2}, nil)
	tr, err := p.SetGoal(NewGoalFromPosition(3*time.Second, make([]float64, 6)), start)
	require.NoError(t, err)

	// just inside the final segment, the polynomial itself must land on the goal at rest
	ref := tr.At(3*time.Second - time.Nanosecond)
	assert.InDeltaSlice(t, make([]float64, 6), ref.Position, 1e-6)
	assert.InDeltaSlice(t, make([]float64, 6), ref.Velocity, 1e-6)

	ref, err = p.ReferenceAt(3 * time.Second)
	require.NoError(t, err)
	assert.InDeltaSlice(t, make([]float64, 6), ref.Position, eps)
	assert.InDeltaSlice(t, make([]float64, 6), ref.Velocity, eps)

	// monotone approach for a single rest-to-rest segment
	prev := tr.At(0).Position[0]
	for ms := 100; ms <= 3000; ms += 100 {
		cur := tr.At(time.Duration(ms) * time.Millisecond).Position[0]
		assert.LessOrEqual(t, cur, prev+eps)
		prev = cur
	}
}

func TestContinuityAtKnots(t *testing.T) {
	p := NewPlanner(1)
	g := NewGoal(
		Waypoint{Time: time.Second, Position: []float64{1}},
		Waypoint{Time: 2 * time.Second, Position: []float64{2}},
		Waypoint{Time: 3 * time.Second, Position: []float64{0}},
	)
	tr, err := p.SetGoal(g, state([]float64{0}, nil))
	require.NoError(t, err)

	for _, knot := range []time.Duration{time.Second, 2 * time.Second} {
		before := tr.At(knot - time.Microsecond)
		at := tr.At(knot)
		after := tr.At(knot + time.Microsecond)
		assert.InDelta(t, before.Position[0], after.Position[0], 1e-4)
		assert.InDelta(t, before.Velocity[0], after.Velocity[0], 1e-4)
		assert.InDelta(t, before.Acceleration[0], after.Acceleration[0], 1e-3)
		assert.InDelta(t, at.Position[0], after.Position[0], 1e-4)
	}

	// the first interior knot continues in the same direction; the second reverses
	assert.InDelta(t, 1.0, tr.At(time.Second).Velocity[0], eps)
	assert.InDelta(t, 0.0, tr.At(2*time.Second).Velocity[0], eps)
	assert.InDelta(t, 1.0, tr.At(time.Second).Position[0], eps)
	assert.InDelta(t, 2.0, tr.At(2*time.Second).Position[0], eps)
}

func TestCancelGoal(t *testing.T) {
	p := NewPlanner(1)
	_, err := p.ReferenceAt(0)
	assert.ErrorIs(t, err, ErrNoActiveGoal)

	p.CancelGoal() // idle cancel is a no-op
	assert.Nil(t, p.Active())

	_, err = p.SetGoal(NewGoalFromPosition(time.Second, []float64{1}), state([]float64{0}, nil))
	require.NoError(t, err)
	require.NotNil(t, p.Active())

	p.CancelGoal()
	p.CancelGoal()
	assert.Nil(t, p.Active())
	_, err = p.ReferenceAt(500 * time.Millisecond)
	assert.ErrorIs(t, err, ErrNoActiveGoal)
}

func TestSetGoalReplaces(t *testing.T) {
	p := NewPlanner(1)
	first := NewGoalFromPosition(time.Second, []float64{5})
	second := NewGoalFromPosition(2*time.Second, []float64{-5})

	_, err := p.SetGoal(first, state([]float64{0}, nil))
	require.NoError(t, err)
	tr, err := p.SetGoal(second, state([]float64{0}, nil))
	require.NoError(t, err)

	assert.Equal(t, second.ID, p.Active().GoalID())
	assert.Equal(t, tr, p.Active())
	ref, err := p.ReferenceAt(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, []float64{-5}, ref.Position)
}

func TestSetGoalRejectsInvalid(t *testing.T) {
	p := NewPlanner(2)
	_, err := p.SetGoal(NewGoalFromPosition(time.Second, []float64{1, 2}), state([]float64{0, 0}, nil))
	require.NoError(t, err)
	active := p.Active()

	_, err = p.SetGoal(NewGoalFromPosition(time.Second, []float64{1}), state([]float64{0, 0}, nil))
	assert.ErrorIs(t, err, joint.ErrDimensionMismatch)
	_, err = p.SetGoal(NewGoalFromPosition(0, []float64{1, 1}), state([]float64{0, 0}, nil))
	assert.ErrorIs(t, err, ErrInvalidDuration)

	// a rejected goal leaves the active trajectory in place
	assert.Same(t, active, p.Active())
}

func TestSample(t *testing.T) {
	p := NewPlanner(1)
	tr, err := p.SetGoal(NewGoalFromPosition(time.Second, []float64{1}), state([]float64{0}, nil))
	require.NoError(t, err)
	ts, refs := tr.Sample(250 * time.Millisecond)
	require.Len(t, ts, 5)
	require.Len(t, refs, 5)
	assert.Equal(t, time.Second, ts[4])
	assert.Equal(t, 1.0, refs[4].Position[0])
	assert.InDelta(t, 0.5, refs[2].Position[0], eps)
}
