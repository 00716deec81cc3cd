// Package feedback holds the most recent joint feedback published by a transport.
package feedback

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"armctl/pkg/joint"
)

var (
	// ErrNotReady is returned by Latest until the first sample has been published.
	ErrNotReady = errors.New("no feedback received yet")
	// ErrInvalidSample is returned for samples carrying a non-finite position, velocity or effort.
	ErrInvalidSample = errors.New("feedback sample has non-finite value")
)

// Sample is a raw feedback record from the transport boundary. Nil Velocity or Effort read as
// zero.
type Sample struct {
	Position  []float64
	Velocity  []float64
	Effort    []float64
	Timestamp time.Time
}

// Cache publishes complete joint states. Writers replace the whole state; readers never block.
type Cache struct {
	dof    int
	seq    atomic.Uint64
	latest atomic.Pointer[joint.State]
}

// NewCache returns an empty cache for an arm with dof joints.
func NewCache(dof int) *Cache {
	return &Cache{dof: dof}
}

// DoF returns the joint count the cache accepts.
func (c *Cache) DoF() int {
	return c.dof
}

// Update validates and publishes a sample. A rejected sample leaves the previous state in place.
// Concurrent writers are allowed; the state with the highest Seq is the one kept.
func (c *Cache) Update(s Sample) error {
	if err := joint.CheckDoF(s.Position, c.dof); err != nil {
		return fmt.Errorf("position: %w", err)
	}
	if err := checkFinite("position", s.Position); err != nil {
		return err
	}
	vel, err := c.optional("velocity", s.Velocity)
	if err != nil {
		return err
	}
	eff, err := c.optional("effort", s.Effort)
	if err != nil {
		return err
	}

	state := &joint.State{
		Position:  joint.Copy(s.Position),
		Velocity:  vel,
		Effort:    eff,
		Timestamp: s.Timestamp,
		Seq:       c.seq.Add(1),
	}
	// concurrent writers may finish out of order; a state never replaces a newer one
	for {
		cur := c.latest.Load()
		if cur != nil && cur.Seq > state.Seq {
			return nil
		}
		if c.latest.CompareAndSwap(cur, state) {
			return nil
		}
	}
}

func checkFinite(name string, v []float64) error {
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%w: %s of joint %d", ErrInvalidSample, name, i)
		}
	}
	return nil
}

func (c *Cache) optional(name string, v []float64) ([]float64, error) {
	if v == nil {
		return make([]float64, c.dof), nil
	}
	if err := joint.CheckDoF(v, c.dof); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if err := checkFinite(name, v); err != nil {
		return nil, err
	}
	return joint.Copy(v), nil
}

// Latest returns the most recent state. The returned slices are shared and must not be modified.
func (c *Cache) Latest() (joint.State, error) {
	s := c.latest.Load()
	if s == nil {
		return joint.State{}, ErrNotReady
	}
	return *s, nil
}

// Ready reports whether any sample has been published.
func (c *Cache) Ready() bool {
	return c.latest.Load() != nil
}

// Seq returns the sequence number of the latest published sample, or 0.
func (c *Cache) Seq() uint64 {
	if s := c.latest.Load(); s != nil {
		return s.Seq
	}
	return 0
}
