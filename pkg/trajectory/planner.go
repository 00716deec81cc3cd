package trajectory

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"armctl/pkg/joint"
)

// Planner owns the single active trajectory. Replacing or cancelling it is a pointer swap, so a
// reader either sees the old trajectory or the new one, never a mix.
type Planner struct {
	dof    int
	active atomic.Pointer[Trajectory]
}

// NewPlanner returns an idle planner for an arm with dof joints.
func NewPlanner(dof int) *Planner {
	return &Planner{dof: dof}
}

// SetGoal validates goal and replaces any active trajectory with one that starts from current.
func (p *Planner) SetGoal(goal Goal, current joint.State) (*Trajectory, error) {
	if err := goal.Validate(p.dof); err != nil {
		return nil, err
	}
	if err := joint.CheckDoF(current.Position, p.dof); err != nil {
		return nil, fmt.Errorf("current state: %w", err)
	}
	start := joint.State{
		Position: joint.Copy(current.Position),
		Velocity: make([]float64, p.dof),
	}
	if len(current.Velocity) == p.dof {
		for i, v := range current.Velocity {
			if !math.IsNaN(v) && !math.IsInf(v, 0) {
				start.Velocity[i] = v
			}
		}
	}
	tr := build(goal, start)
	p.active.Store(tr)
	return tr, nil
}

// CancelGoal clears the active trajectory. Cancelling an idle planner is a no-op.
func (p *Planner) CancelGoal() {
	p.active.Store(nil)
}

// Active returns the active trajectory or nil.
func (p *Planner) Active() *Trajectory {
	return p.active.Load()
}

// ReferenceAt returns the active trajectory's reference t after it started.
func (p *Planner) ReferenceAt(t time.Duration) (Reference, error) {
	tr := p.active.Load()
	if tr == nil {
		return Reference{}, ErrNoActiveGoal
	}
	return tr.At(t), nil
}
