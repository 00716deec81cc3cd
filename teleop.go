package armctl

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/multierr"
	"go.viam.com/rdk/components/input"
	"go.viam.com/rdk/logging"

	"armctl/pkg/trajectory"
)

// Preset is a named joint pose reached over a fixed duration.
type Preset struct {
	Name      string
	Positions []float64
	Duration  time.Duration
}

// Goal returns a fresh goal reaching the preset.
func (p Preset) Goal() trajectory.Goal {
	return trajectory.NewGoalFromPosition(p.Duration, p.Positions)
}

const presetDuration = 3 * time.Second

var presets = map[string]Preset{
	"home": {
		Name:      "home",
		Positions: []float64{0, 0, 0, 0, 0, 0},
		Duration:  presetDuration,
	},
	"waypoint1": {
		Name:      "waypoint1",
		Positions: []float64{math.Pi / 4, math.Pi / 3, 2 * math.Pi / 3, math.Pi / 3, math.Pi / 4, 0},
		Duration:  presetDuration,
	},
	"waypoint2": {
		Name:      "waypoint2",
		Positions: []float64{-math.Pi / 4, math.Pi / 3, 2 * math.Pi / 3, math.Pi / 3, 3 * math.Pi / 4, 0},
		Duration:  presetDuration,
	},
}

// LookupPreset returns the named preset.
func LookupPreset(name string) (Preset, error) {
	p, ok := presets[name]
	if !ok {
		return Preset{}, fmt.Errorf("unknown preset %q, expected one of %v", name, PresetNames())
	}
	p.Positions = append([]float64(nil), p.Positions...)
	return p, nil
}

// PresetNames lists the presets in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// goalTarget is the part of the control loop buttons drive.
type goalTarget interface {
	SetGoal(goal trajectory.Goal) error
	CancelGoal()
}

// controlRegistrar is the part of an input controller teleop needs.
type controlRegistrar interface {
	RegisterControlCallback(
		ctx context.Context,
		control input.Control,
		triggers []input.EventType,
		ctrlFunc input.ControlFunction,
		extra map[string]interface{},
	) error
}

// buttonBinding maps a button to a preset, or to cancel when preset is empty.
type buttonBinding struct {
	control input.Control
	preset  string
}

var buttonBindings = []buttonBinding{
	{control: input.ButtonSouth, preset: "home"},
	{control: input.ButtonEast, preset: "waypoint1"},
	{control: input.ButtonWest, preset: "waypoint2"},
	{control: input.ButtonNorth},
}

type teleop struct {
	src    controlRegistrar
	target goalTarget
	logger logging.Logger
}

// bindTeleop registers press callbacks on src. Presses are edge-triggered: holding a button
// issues one request.
func bindTeleop(ctx context.Context, src controlRegistrar, target goalTarget, logger logging.Logger) (*teleop, error) {
	t := &teleop{src: src, target: target, logger: logger}
	for _, b := range buttonBindings {
		b := b
		err := src.RegisterControlCallback(ctx, b.control, []input.EventType{input.ButtonPress},
			func(ctx context.Context, ev input.Event) {
				t.handle(b, ev)
			},
			map[string]interface{}{},
		)
		if err != nil {
			return nil, multierr.Combine(
				fmt.Errorf("registering %s: %w", b.control, err),
				t.unbind(ctx),
			)
		}
	}
	return t, nil
}

func (t *teleop) handle(b buttonBinding, ev input.Event) {
	if ev.Event != input.ButtonPress {
		return
	}
	if b.preset == "" {
		t.logger.Infof("%s pressed, cancelling goal", b.control)
		t.target.CancelGoal()
		return
	}
	p, err := LookupPreset(b.preset)
	if err != nil {
		t.logger.Warnf("%s: %v", b.control, err)
		return
	}
	if err := t.target.SetGoal(p.Goal()); err != nil {
		t.logger.Warnf("%s pressed, preset %s rejected: %v", b.control, p.Name, err)
		return
	}
	t.logger.Infof("%s pressed, moving to %s over %v", b.control, p.Name, p.Duration)
}

// unbind clears every callback bindTeleop registered.
func (t *teleop) unbind(ctx context.Context) error {
	var errs error
	for _, b := range buttonBindings {
		errs = multierr.Append(errs,
			t.src.RegisterControlCallback(ctx, b.control, []input.EventType{input.ButtonPress}, nil, map[string]interface{}{}))
	}
	return errs
}
