package transport

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	"armctl/pkg/feedback"
	"armctl/pkg/joint"
	"armctl/pkg/kinematics"
)

var errInjected = errors.New("injected send failure")

// SimConfig tunes the simulated arm. Zero values take defaults.
type SimConfig struct {
	// Damping is viscous joint friction in N·m·s/rad.
	Damping float64
	// InertiaFloor is added to every joint's effective inertia, standing in for reflected rotor
	// inertia, in kg·m².
	InertiaFloor float64
	// Step is the worker's integration period.
	Step time.Duration
	// Initial is the starting joint position. Nil starts at zero.
	Initial []float64
}

const (
	defaultSimDamping      = 0.1
	defaultSimInertiaFloor = 0.01
	defaultSimStep         = time.Millisecond
	maxSimSubstep          = 500 * time.Microsecond
)

// Sim is a simulated arm driven by effort commands. Each joint integrates
// q̈ = (τ − G(q) − b·q̇) / M_ii(q) with semi-implicit Euler, where G is the model's gravity
// compensation torque.
//
// Simulated time only advances when Step is called, either by tests or by the worker Start runs.
type Sim struct {
	model  *kinematics.Model
	cache  *feedback.Cache
	logger logging.Logger
	cfg    SimConfig
	limits [][2]float64

	mu          sync.Mutex
	q, qd       []float64
	effort      []float64
	elapsed     time.Duration
	sendFailure bool
	stalled     bool

	workers *utils.StoppableWorkers
}

// NewSim builds a simulated arm publishing into cache.
func NewSim(model *kinematics.Model, cache *feedback.Cache, logger logging.Logger, cfg SimConfig) (*Sim, error) {
	dof := model.DoF()
	if cache.DoF() != dof {
		return nil, errors.Wrapf(joint.ErrDimensionMismatch, "feedback cache has %d joints, model has %d", cache.DoF(), dof)
	}
	if cfg.Damping == 0 {
		cfg.Damping = defaultSimDamping
	}
	if cfg.InertiaFloor == 0 {
		cfg.InertiaFloor = defaultSimInertiaFloor
	}
	if cfg.Step == 0 {
		cfg.Step = defaultSimStep
	}
	if cfg.Damping < 0 || cfg.InertiaFloor < 0 || cfg.Step < 0 {
		return nil, errors.New("sim damping, inertia floor and step must be positive")
	}
	q := make([]float64, dof)
	if cfg.Initial != nil {
		if err := joint.CheckDoF(cfg.Initial, dof); err != nil {
			return nil, errors.Wrap(err, "initial position")
		}
		copy(q, cfg.Initial)
	}
	return &Sim{
		model:  model,
		cache:  cache,
		logger: logger,
		cfg:    cfg,
		limits: model.Limits(),
		q:      q,
		qd:     make([]float64, dof),
		effort: make([]float64, dof),
	}, nil
}

// Send latches the command's effort. Position and velocity references are ignored; the sim is a
// torque-controlled arm.
func (s *Sim) Send(ctx context.Context, cmd joint.Command) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: "send", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendFailure {
		return &Error{Op: "send", Err: errInjected}
	}
	if cmd.Effort == nil {
		for i := range s.effort {
			s.effort[i] = 0
		}
		return nil
	}
	if err := joint.CheckDoF(cmd.Effort, len(s.effort)); err != nil {
		return &Error{Op: "send", Err: err}
	}
	copy(s.effort, cmd.Effort)
	return nil
}

// Start publishes the initial state and advances the simulation on the wall clock.
func (s *Sim) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workers != nil {
		return errors.New("sim already started")
	}
	if err := s.publish(); err != nil {
		return err
	}
	step := s.cfg.Step
	s.workers = utils.NewStoppableWorkerWithTicker(step, func(context.Context) {
		if err := s.Step(step); err != nil {
			s.logger.Warnf("sim step failed: %v", err)
		}
	})
	return nil
}

// Close stops the simulation worker.
func (s *Sim) Close() error {
	s.mu.Lock()
	workers := s.workers
	s.workers = nil
	s.mu.Unlock()
	if workers != nil {
		workers.Stop()
	}
	return nil
}

// Step advances simulated time by dt and publishes the new state unless stalled.
func (s *Sim) Step(dt time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for dt > 0 {
		h := dt
		if h > maxSimSubstep {
			h = maxSimSubstep
		}
		if err := s.integrate(h.Seconds()); err != nil {
			return err
		}
		s.elapsed += h
		dt -= h
	}
	if s.stalled {
		return nil
	}
	return s.publish()
}

func (s *Sim) integrate(h float64) error {
	grav, err := s.model.GravityTorques(s.q)
	if err != nil {
		return err
	}
	inertia, err := s.model.JointInertia(s.q)
	if err != nil {
		return err
	}
	for i := range s.q {
		m := inertia[i] + s.cfg.InertiaFloor
		acc := (s.effort[i] - grav[i] - s.cfg.Damping*s.qd[i]) / m
		s.qd[i] += acc * h
		s.q[i] += s.qd[i] * h
		if lo, hi := s.limits[i][0], s.limits[i][1]; s.q[i] < lo || s.q[i] > hi {
			s.q[i] = math.Max(lo, math.Min(hi, s.q[i]))
			s.qd[i] = 0
		}
	}
	return nil
}

func (s *Sim) publish() error {
	return s.cache.Update(feedback.Sample{
		Position:  s.q,
		Velocity:  s.qd,
		Effort:    s.effort,
		Timestamp: time.Unix(0, 0).Add(s.elapsed),
	})
}

// SetSendFailure makes every Send fail with a transport error until cleared.
func (s *Sim) SetSendFailure(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendFailure = fail
}

// SetStalled stops publishing feedback while the simulation keeps running.
func (s *Sim) SetStalled(stalled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalled = stalled
}

// Position returns the simulated joint position.
func (s *Sim) Position() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return joint.Copy(s.q)
}
