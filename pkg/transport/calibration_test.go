package transport

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"armctl/pkg/feedback"
	"armctl/pkg/joint"
	"armctl/pkg/kinematics"
)

func TestServoCalibrationConversion(t *testing.T) {
	c := ServoCalibration{ID: 1, RangeMin: 548, RangeMax: 3548}

	assert.InDelta(t, 0, c.ToRadians(2048), 1e-12)
	assert.InDelta(t, math.Pi/2, c.ToRadians(3072), 1e-12)
	assert.Equal(t, 2048, c.FromRadians(0))
	assert.Equal(t, 1024+2048, c.FromRadians(math.Pi/2))
	// clamped to the calibrated range
	assert.Equal(t, 3548, c.FromRadians(math.Pi))
	assert.Equal(t, 548, c.FromRadians(-math.Pi))

	inverted := c
	inverted.DriveMode = 1
	assert.InDelta(t, -math.Pi/2, inverted.ToRadians(3072), 1e-12)
	assert.Equal(t, 1024, inverted.FromRadians(math.Pi/2))

	offset := c
	offset.HomingOffset = 100
	assert.InDelta(t, 0, offset.ToRadians(2148), 1e-12)

	for _, rad := range []float64{-1.2, -0.3, 0, 0.4, 1.1} {
		assert.InDelta(t, rad, c.ToRadians(c.FromRadians(rad)), 2*math.Pi/TicksPerRevolution)
	}
}

func TestServoCalibrationValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		cal  ServoCalibration
		err  string
	}{
		{"valid", ServoCalibration{ID: 3, RangeMin: 500, RangeMax: 3500}, ""},
		{"bad id", ServoCalibration{ID: 254, RangeMin: 500, RangeMax: 3500}, "invalid servo ID"},
		{"inverted range", ServoCalibration{ID: 1, RangeMin: 3500, RangeMax: 500}, "invalid range"},
		{"out of encoder range", ServoCalibration{ID: 1, RangeMin: 0, RangeMax: 5000}, "between 0-4095"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cal.Validate()
			if tc.err == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.err)
		})
	}
}

func TestLoadCalibrationFile(t *testing.T) {
	model, err := kinematics.NewDefaultModel()
	require.NoError(t, err)
	dir := t.TempDir()

	path := filepath.Join(dir, "calibration.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"J1_base":     {"id": 1, "drive_mode": 0, "homing_offset": 12, "range_min": 700, "range_max": 3300},
		"J2_shoulder": {"id": 2, "drive_mode": 1, "homing_offset": 0, "range_min": 800, "range_max": 3200},
		"J3_elbow":    {"id": 3, "range_min": 500, "range_max": 3500},
		"J4_wrist1":   {"id": 4, "range_min": 500, "range_max": 3500},
		"J5_wrist2":   {"id": 5, "range_min": 500, "range_max": 3500},
		"J6_wrist3":   {"id": 6, "range_min": 500, "range_max": 3500}
	}`), 0o600))

	cal, err := LoadCalibrationFile(path)
	require.NoError(t, err)
	assert.Equal(t, 12, cal["J1_base"].HomingOffset)
	ordered, err := cal.ForModel(model)
	require.NoError(t, err)
	require.Len(t, ordered, 6)
	for i, c := range ordered {
		assert.Equal(t, i+1, c.ID)
	}

	t.Run("missing actuator", func(t *testing.T) {
		partial := Calibration{"J1_base": cal["J1_base"]}
		_, err := partial.ForModel(model)
		assert.ErrorContains(t, err, "no calibration for actuator")
	})

	t.Run("duplicate servo id", func(t *testing.T) {
		dup := Calibration{}
		for k, v := range cal {
			dup[k] = v
		}
		c := dup["J6_wrist3"]
		c.ID = 1
		dup["J6_wrist3"] = c
		_, err := dup.ForModel(model)
		assert.ErrorContains(t, err, "share servo ID 1")
	})

	t.Run("invalid entry", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(bad, []byte(`{"J1_base": {"id": 1, "range_min": 10, "range_max": 5}}`), 0o600))
		_, err := LoadCalibrationFile(bad)
		assert.ErrorContains(t, err, "J1_base")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadCalibrationFile(filepath.Join(dir, "nope.json"))
		assert.Error(t, err)
	})

	t.Run("default", func(t *testing.T) {
		def := DefaultCalibration(model)
		_, err := def.ForModel(model)
		assert.NoError(t, err)
		assert.True(t, def.Equal(DefaultCalibration(model)))
		assert.False(t, def.Equal(cal))
	})
}

func TestFeetechTarget(t *testing.T) {
	model, err := kinematics.NewDefaultModel()
	require.NoError(t, err)
	cals, err := DefaultCalibration(model).ForModel(model)
	require.NoError(t, err)
	cache := feedback.NewCache(6)
	f := &Feetech{cals: cals, cache: cache}

	_, err = f.target(joint.Command{Effort: make([]float64, 6)})
	assert.ErrorIs(t, err, feedback.ErrNotReady)

	measured := []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}
	require.NoError(t, cache.Update(feedback.Sample{Position: measured}))

	idle, err := f.target(joint.Command{Effort: make([]float64, 6)})
	require.NoError(t, err)
	assert.Equal(t, measured, idle)

	// the hold position stays fixed while idle even as the arm sags
	require.NoError(t, cache.Update(feedback.Sample{Position: make([]float64, 6)}))
	idle, err = f.target(joint.Command{Effort: make([]float64, 6)})
	require.NoError(t, err)
	assert.Equal(t, measured, idle)

	ref := []float64{1, 1, 1, 1, 1, 1}
	tracking, err := f.target(joint.Command{Position: ref, Velocity: make([]float64, 6), Effort: make([]float64, 6)})
	require.NoError(t, err)
	assert.Equal(t, ref, tracking)

	// returning to idle captures a fresh hold position
	idle, err = f.target(joint.Command{Effort: make([]float64, 6)})
	require.NoError(t, err)
	assert.Equal(t, make([]float64, 6), idle)

	f.cfg.EffortCompliance = 0.01
	effort := []float64{10, -10, 0, 0, 0, 0}
	tracking, err = f.target(joint.Command{Position: ref, Effort: effort})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1.1, 0.9, 1, 1, 1, 1}, tracking, 1e-12)
}
