// Package armctl is a Viam module that runs a gravity-compensating joint controller for a
// serial-link arm.
package armctl

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	commonpb "go.viam.com/api/common/v1"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/components/input"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"

	"armctl/pkg/control"
	"armctl/pkg/feedback"
	"armctl/pkg/kinematics"
	"armctl/pkg/trajectory"
	"armctl/pkg/transport"
)

// Model is the controller's resource model.
var Model = resource.NewModel("devrel", "gravcomp-arm", "controller")

func init() {
	resource.RegisterComponent(generic.API, Model,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newController,
		},
	)
}

const stopTimeout = time.Second

// Controller owns one arm: its model, feedback cache, transport and control loop.
type Controller struct {
	resource.Named
	resource.AlwaysRebuild

	logger    logging.Logger
	model     *kinematics.Model
	cache     *feedback.Cache
	transport transport.Transport
	loop      *control.Loop
	teleop    *teleop
}

func newController(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (resource.Resource, error) {
	cfg, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}
	var src controlRegistrar
	if cfg.InputController != "" {
		ctrl, err := resource.FromDependencies[input.Controller](deps, resource.NewName(input.API, cfg.InputController))
		if err != nil {
			return nil, errors.Wrapf(err, "input controller %q", cfg.InputController)
		}
		src = ctrl
	}
	return NewController(ctx, conf.ResourceName(), cfg, src, logger)
}

// NewController builds the arm stack from cfg and starts it. src may be nil.
func NewController(
	ctx context.Context,
	name resource.Name,
	cfg *Config,
	src controlRegistrar,
	logger logging.Logger,
) (*Controller, error) {
	if _, _, err := cfg.Validate(name.String()); err != nil {
		return nil, err
	}
	model, err := cfg.LoadModel(logger)
	if err != nil {
		return nil, err
	}
	cache := feedback.NewCache(model.DoF())
	tr, err := cfg.NewTransport(model, cache, logger)
	if err != nil {
		return nil, err
	}
	loop, err := control.NewLoop(model, cache, tr, nil, logger, cfg.ControlConfig())
	if err != nil {
		return nil, multierr.Combine(err, tr.Close())
	}

	c := &Controller{
		Named:     name.AsNamed(),
		logger:    logger,
		model:     model,
		cache:     cache,
		transport: tr,
		loop:      loop,
	}
	if err := tr.Start(ctx); err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "starting transport"), tr.Close())
	}
	if err := loop.Start(); err != nil {
		return nil, multierr.Combine(err, tr.Close())
	}
	if src != nil {
		t, err := bindTeleop(ctx, src, loop, logger)
		if err != nil {
			return nil, multierr.Combine(err, c.Close(ctx))
		}
		c.teleop = t
	}
	logger.Infof("%s running %q (%d joints) over %s", name, model.Name(), model.DoF(), cfg.Transport)
	return c, nil
}

// Loop returns the control loop.
func (c *Controller) Loop() *control.Loop {
	return c.loop
}

// DoCommand handles goal and status requests.
func (c *Controller) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	switch cmd["command"] {
	case "set_goal":
		goal, err := parseGoal(cmd)
		if err != nil {
			return nil, err
		}
		if err := c.loop.SetGoal(goal); err != nil {
			return nil, err
		}
		return map[string]interface{}{"goal_id": goal.ID.String()}, nil

	case "go_preset":
		name, ok := cmd["name"].(string)
		if !ok {
			return nil, fmt.Errorf("go_preset command requires a 'name' string, one of %v", PresetNames())
		}
		p, err := LookupPreset(name)
		if err != nil {
			return nil, err
		}
		goal := p.Goal()
		if err := c.loop.SetGoal(goal); err != nil {
			return nil, err
		}
		return map[string]interface{}{"goal_id": goal.ID.String(), "preset": p.Name}, nil

	case "cancel_goal":
		c.loop.CancelGoal()
		return map[string]interface{}{"success": true}, nil

	case "status":
		return c.loop.Status().Map(), nil

	case "joint_positions":
		state, err := c.cache.Latest()
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"names":      toInterfaces(c.model.JointNames()),
			"positions":  floatsToInterfaces(state.Position),
			"velocities": floatsToInterfaces(state.Velocity),
		}, nil

	case "end_position":
		state, err := c.cache.Latest()
		if err != nil {
			return nil, err
		}
		pose, err := c.model.ForwardKinematics(state.Position)
		if err != nil {
			return nil, err
		}
		// the model works in metres; Viam poses are in millimetres
		mm := spatialmath.NewPose(pose.Point().Mul(1000), pose.Orientation())
		return poseMap(spatialmath.PoseToProtobuf(mm)), nil

	default:
		return nil, fmt.Errorf("unknown command: %v", cmd["command"])
	}
}

// Close detaches teleop, stops the loop with its safe command and closes the transport.
func (c *Controller) Close(ctx context.Context) error {
	var errs error
	if c.teleop != nil {
		errs = multierr.Append(errs, c.teleop.unbind(ctx))
		c.teleop = nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	errs = multierr.Append(errs, c.loop.Stop(stopCtx))
	return multierr.Append(errs, c.transport.Close())
}

func poseMap(p *commonpb.Pose) map[string]interface{} {
	return map[string]interface{}{
		"x":     p.GetX(),
		"y":     p.GetY(),
		"z":     p.GetZ(),
		"o_x":   p.GetOX(),
		"o_y":   p.GetOY(),
		"o_z":   p.GetOZ(),
		"theta": p.GetTheta(),
	}
}

// parseGoal reads either {positions, duration} or {waypoints: [{time, positions, velocities,
// accelerations}]}. Times are seconds from the start of the goal.
func parseGoal(cmd map[string]interface{}) (trajectory.Goal, error) {
	if raw, ok := cmd["waypoints"]; ok {
		list, ok := raw.([]interface{})
		if !ok {
			return trajectory.Goal{}, errors.New("'waypoints' must be a list")
		}
		wps := make([]trajectory.Waypoint, len(list))
		for i, item := range list {
			m, ok := item.(map[string]interface{})
			if !ok {
				return trajectory.Goal{}, fmt.Errorf("waypoint %d must be an object", i)
			}
			wp, err := parseWaypoint(m)
			if err != nil {
				return trajectory.Goal{}, errors.Wrapf(err, "waypoint %d", i)
			}
			wps[i] = wp
		}
		return trajectory.NewGoal(wps...), nil
	}

	positions, err := toFloats(cmd["positions"])
	if err != nil || positions == nil {
		return trajectory.Goal{}, errors.New("set_goal requires 'positions' and 'duration', or 'waypoints'")
	}
	seconds, ok := cmd["duration"].(float64)
	if !ok {
		return trajectory.Goal{}, errors.New("set_goal requires a numeric 'duration' in seconds")
	}
	d, err := trajectory.DurationFromSeconds(seconds)
	if err != nil {
		return trajectory.Goal{}, err
	}
	return trajectory.NewGoalFromPosition(d, positions), nil
}

func parseWaypoint(m map[string]interface{}) (trajectory.Waypoint, error) {
	seconds, ok := m["time"].(float64)
	if !ok {
		return trajectory.Waypoint{}, errors.New("missing numeric 'time'")
	}
	t, err := trajectory.DurationFromSeconds(seconds)
	if err != nil {
		return trajectory.Waypoint{}, err
	}
	wp := trajectory.Waypoint{Time: t}
	if wp.Position, err = toFloats(m["positions"]); err != nil {
		return wp, errors.Wrap(err, "positions")
	}
	if wp.Velocity, err = toFloats(m["velocities"]); err != nil {
		return wp, errors.Wrap(err, "velocities")
	}
	if wp.Acceleration, err = toFloats(m["accelerations"]); err != nil {
		return wp, errors.Wrap(err, "accelerations")
	}
	return wp, nil
}

// toFloats converts a decoded JSON list. A null entry becomes NaN, meaning unspecified.
func toFloats(v interface{}) ([]float64, error) {
	switch vals := v.(type) {
	case nil:
		return nil, nil
	case []float64:
		return append([]float64(nil), vals...), nil
	case []interface{}:
		out := make([]float64, len(vals))
		for i, x := range vals {
			switch n := x.(type) {
			case nil:
				out[i] = math.NaN()
			case float64:
				out[i] = n
			case int:
				out[i] = float64(n)
			default:
				return nil, fmt.Errorf("element %d is %T, not a number", i, x)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list of numbers, got %T", v)
	}
}

func floatsToInterfaces(vals []float64) []interface{} {
	out := make([]interface{}, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

func toInterfaces(vals []string) []interface{} {
	out := make([]interface{}, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}
