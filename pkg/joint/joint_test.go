package joint

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckDoF(t *testing.T) {
	assert.NoError(t, CheckDoF([]float64{1, 2, 3}, 3))

	err := CheckDoF([]float64{1, 2}, 3)
	assert.True(t, errors.Is(err, ErrDimensionMismatch))
	assert.Contains(t, err.Error(), "got 2, want 3")
}

func TestCommandCloneAndEqual(t *testing.T) {
	cmd := Command{Position: []float64{1, 2}, Velocity: []float64{0, 0}, Effort: []float64{3, 4}}
	clone := cmd.Clone()
	assert.True(t, cmd.Equal(clone))

	clone.Effort[0] = 5
	assert.False(t, cmd.Equal(clone))
	assert.Equal(t, 3.0, cmd.Effort[0])

	gravOnly := Command{Effort: []float64{3, 4}}
	assert.False(t, gravOnly.HasReference())
	assert.False(t, gravOnly.Equal(cmd))
	assert.Nil(t, gravOnly.Clone().Position)
}

func TestStateClone(t *testing.T) {
	s := State{Position: []float64{1}, Velocity: []float64{2}, Effort: []float64{3}, Seq: 7}
	c := s.Clone()
	c.Position[0] = 9
	assert.Equal(t, 1.0, s.Position[0])
	assert.Equal(t, uint64(7), c.Seq)
	assert.Equal(t, 1, s.DoF())
}
