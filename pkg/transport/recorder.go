package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"

	"armctl/pkg/kinematics"
)

// RawReader reads raw encoder ticks keyed by servo ID.
type RawReader interface {
	RawPositions(ctx context.Context) (map[int]int, error)
}

// RangeRecorder builds a calibration by tracking the raw extremes of every joint while the arm is
// moved by hand. The pose read by Home becomes each joint's zero.
type RangeRecorder struct {
	reader RawReader
	names  []string
	ids    []int

	mu       sync.Mutex
	home     map[int]int
	min, max map[int]int
	samples  int
}

// NewRangeRecorder records every actuator of model. Servo IDs come from the model, numbered from 1
// where the model leaves them unset.
func NewRangeRecorder(model *kinematics.Model, reader RawReader) *RangeRecorder {
	r := &RangeRecorder{reader: reader}
	for i, j := range model.Joints() {
		id := j.Actuator.ServoID
		if id == 0 {
			id = i + 1
		}
		r.names = append(r.names, j.Actuator.Name)
		r.ids = append(r.ids, id)
	}
	return r
}

func (r *RangeRecorder) read(ctx context.Context) (map[int]int, error) {
	raw, err := r.reader.RawPositions(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range r.ids {
		if _, ok := raw[id]; !ok {
			return nil, fmt.Errorf("servo %d missing from read", id)
		}
	}
	return raw, nil
}

// Home captures the zero pose and restarts the recorded ranges from it.
func (r *RangeRecorder) Home(ctx context.Context) error {
	raw, err := r.read(ctx)
	if err != nil {
		return errors.Wrap(err, "reading home pose")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.home = make(map[int]int, len(r.ids))
	r.min = make(map[int]int, len(r.ids))
	r.max = make(map[int]int, len(r.ids))
	for _, id := range r.ids {
		r.home[id], r.min[id], r.max[id] = raw[id], raw[id], raw[id]
	}
	r.samples = 1
	return nil
}

// Sample widens the recorded ranges with one reading.
func (r *RangeRecorder) Sample(ctx context.Context) error {
	r.mu.Lock()
	homed := r.home != nil
	r.mu.Unlock()
	if !homed {
		return errors.New("home pose not captured")
	}
	raw, err := r.read(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.ids {
		v := raw[id]
		if v < r.min[id] {
			r.min[id] = v
		}
		if v > r.max[id] {
			r.max[id] = v
		}
	}
	r.samples++
	return nil
}

// Ranges reports the recorded [min, max] per actuator.
func (r *RangeRecorder) Ranges() map[string][2]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][2]int, len(r.names))
	for i, name := range r.names {
		id := r.ids[i]
		out[name] = [2]int{r.min[id], r.max[id]}
	}
	return out
}

// Samples is the number of readings taken since Home.
func (r *RangeRecorder) Samples() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.samples
}

// Calibration returns the recorded calibration. Every joint must have moved.
func (r *RangeRecorder) Calibration() (Calibration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.home == nil {
		return nil, errors.New("home pose not captured")
	}
	cal := make(Calibration, len(r.names))
	for i, name := range r.names {
		id := r.ids[i]
		lo, hi := r.min[id], r.max[id]
		if lo >= hi {
			return nil, fmt.Errorf("actuator %q was not moved (range [%d, %d])", name, lo, hi)
		}
		c := ServoCalibration{
			ID:           id,
			HomingOffset: r.home[id] - (lo+hi)/2,
			RangeMin:     lo,
			RangeMax:     hi,
		}
		if err := c.Validate(); err != nil {
			return nil, errors.Wrapf(err, "actuator %q", name)
		}
		cal[name] = c
	}
	return cal, nil
}

// SaveCalibrationFile writes cal in the format LoadCalibrationFile reads.
func SaveCalibrationFile(path string, cal Calibration) error {
	data, err := json.MarshalIndent(cal, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal calibration")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "write calibration file")
	}
	return nil
}
