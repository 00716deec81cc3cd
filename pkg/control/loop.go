// Package control runs the gravity-compensating joint control loop.
package control

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
	"golang.org/x/time/rate"

	"armctl/pkg/feedback"
	"armctl/pkg/joint"
	"armctl/pkg/kinematics"
	"armctl/pkg/trajectory"
	"armctl/pkg/transport"
)

// ErrStopped is returned by requests made after Stop.
var ErrStopped = errors.New("control loop stopped")

// State is the loop's control mode.
type State int

const (
	// Idle outputs gravity compensation only.
	Idle State = iota
	// Tracking adds PID correction toward the active trajectory.
	Tracking
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Tracking:
		return "tracking"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Outcome classifies what a tick did.
type Outcome int

const (
	// Sent means a freshly computed command was dispatched.
	Sent Outcome = iota
	// Resent means feedback was stale and the previous command was dispatched unchanged.
	Resent
	// Skipped means no command was dispatched.
	Skipped
	// Failed means dispatch returned a transport error.
	Failed
)

// TickResult reports one tick.
type TickResult struct {
	Outcome Outcome
	Command joint.Command
	Err     error
}

// request is the single pending handoff from callers to the loop.
type request struct {
	goal   *trajectory.Goal
	cancel bool
}

// Loop owns the goal state machine. Callers hand it requests; only Tick applies them.
type Loop struct {
	model      *kinematics.Model
	cache      *feedback.Cache
	dispatcher transport.Dispatcher
	clock      clock.Clock
	logger     logging.Logger
	cfg        Config

	planner *trajectory.Planner
	pending atomic.Pointer[request]
	status  atomic.Pointer[Status]

	mu        sync.Mutex
	pids      []*pid
	goalStart time.Time
	completed bool
	lastTick  time.Time
	lastSeq   uint64
	lastCmd   *joint.Command
	stopped   bool
	failures  int
	degraded  bool
	lastErr   error
	counters  counters

	errLimiter *rate.Limiter

	workersMu sync.Mutex
	workers   *utils.StoppableWorkers
}

type counters struct {
	ticks, stale, skipped, failed uint64
}

// NewLoop builds a loop for model, reading cache and sending through dispatcher. A nil clock uses
// the wall clock.
func NewLoop(
	model *kinematics.Model,
	cache *feedback.Cache,
	dispatcher transport.Dispatcher,
	clk clock.Clock,
	logger logging.Logger,
	cfg Config,
) (*Loop, error) {
	if model == nil || cache == nil || dispatcher == nil {
		return nil, errors.New("control loop needs a model, a feedback cache and a dispatcher")
	}
	dof := model.DoF()
	if cache.DoF() != dof {
		return nil, errors.Wrapf(joint.ErrDimensionMismatch, "feedback cache has %d joints, model has %d", cache.DoF(), dof)
	}
	if err := cfg.Validate(dof); err != nil {
		return nil, errors.Wrap(err, "invalid control loop config")
	}
	if clk == nil {
		clk = clock.New()
	}
	l := &Loop{
		model:      model,
		cache:      cache,
		dispatcher: dispatcher,
		clock:      clk,
		logger:     logger,
		cfg:        cfg,
		planner:    trajectory.NewPlanner(dof),
		pids:       make([]*pid, dof),
		errLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for i := range l.pids {
		l.pids[i] = newPID(cfg.Gains[i], cfg.IntegralLimit)
	}
	l.status.Store(&Status{State: Idle})
	return l, nil
}

// Config returns the validated config.
func (l *Loop) Config() Config {
	return l.cfg
}

// SetGoal validates goal and queues it for the next tick, replacing any request not yet applied.
func (l *Loop) SetGoal(goal trajectory.Goal) error {
	if err := goal.Validate(l.model.DoF()); err != nil {
		return err
	}
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	g := trajectory.Goal{ID: goal.ID, Waypoints: make([]trajectory.Waypoint, len(goal.Waypoints))}
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	for i, wp := range goal.Waypoints {
		g.Waypoints[i] = trajectory.Waypoint{
			Time:         wp.Time,
			Position:     joint.Copy(wp.Position),
			Velocity:     joint.Copy(wp.Velocity),
			Acceleration: joint.Copy(wp.Acceleration),
		}
	}
	l.pending.Store(&request{goal: &g})
	l.logger.Debugf("queued goal %s (%d waypoints over %v)", g.ID, len(g.Waypoints), g.Duration())
	return nil
}

// CancelGoal queues a return to gravity compensation. Cancelling while idle is a no-op.
func (l *Loop) CancelGoal() {
	l.pending.Store(&request{cancel: true})
}

// Active returns the trajectory being tracked, or nil.
func (l *Loop) Active() *trajectory.Trajectory {
	return l.planner.Active()
}

// Tick runs one control step: apply pending requests, read feedback, compute and dispatch.
func (l *Loop) Tick(ctx context.Context) TickResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	defer l.publishStatus(now)
	if l.stopped {
		return TickResult{Outcome: Skipped, Err: ErrStopped}
	}
	l.counters.ticks++
	dt := l.stepDt(now)
	changed := l.applyPending(now)

	state, err := l.cache.Latest()
	if err != nil {
		l.counters.skipped++
		l.logger.Debugf("skipping tick: %v", err)
		return TickResult{Outcome: Skipped, Err: err}
	}

	if l.lastCmd != nil && state.Seq == l.lastSeq && !changed {
		l.counters.stale++
		res := l.dispatch(ctx, *l.lastCmd)
		if res.Outcome == Sent {
			res.Outcome = Resent
		}
		return res
	}

	cmd, err := l.compute(state, now, dt)
	if err != nil {
		l.counters.skipped++
		l.lastErr = err
		l.logger.Warnf("skipping tick: %v", err)
		return TickResult{Outcome: Skipped, Err: err}
	}
	l.lastCmd = &cmd
	l.lastSeq = state.Seq
	return l.dispatch(ctx, cmd)
}

func (l *Loop) stepDt(now time.Time) time.Duration {
	dt := l.cfg.Period()
	if !l.lastTick.IsZero() {
		dt = now.Sub(l.lastTick)
	}
	l.lastTick = now
	if dt < 0 {
		dt = 0
	}
	if dt > l.cfg.MaxDt {
		dt = l.cfg.MaxDt
	}
	return dt
}

// applyPending consumes the pending request. A goal waits while no feedback has arrived, unless a
// newer request replaces it first. It reports whether the goal state changed.
func (l *Loop) applyPending(now time.Time) bool {
	req := l.pending.Swap(nil)
	if req == nil {
		return false
	}
	if req.cancel {
		wasActive := l.planner.Active() != nil
		l.planner.CancelGoal()
		l.resetPIDs()
		if wasActive {
			l.logger.Info("goal cancelled, holding gravity compensation")
		}
		return true
	}

	state, err := l.cache.Latest()
	if err != nil {
		l.pending.CompareAndSwap(nil, req)
		return false
	}
	tr, err := l.planner.SetGoal(*req.goal, state)
	if err != nil {
		l.lastErr = err
		l.logger.Warnf("dropping goal %s: %v", req.goal.ID, err)
		return false
	}
	l.goalStart = now
	l.completed = false
	l.resetPIDs()
	l.logger.Infof("tracking goal %s over %v", tr.GoalID(), tr.Duration())
	return true
}

func (l *Loop) resetPIDs() {
	for _, p := range l.pids {
		p.reset()
	}
}

func (l *Loop) compute(state joint.State, now time.Time, dt time.Duration) (joint.Command, error) {
	grav, err := l.model.GravityTorques(state.Position)
	if err != nil {
		return joint.Command{}, err
	}
	tr := l.planner.Active()
	if tr == nil {
		return joint.Command{Effort: grav}, nil
	}

	elapsed := now.Sub(l.goalStart)
	if tr.Done(elapsed) && !l.completed {
		l.completed = true
		if l.cfg.Completion == CompletionRelease {
			l.planner.CancelGoal()
			l.resetPIDs()
			l.logger.Infof("goal %s complete, releasing to gravity compensation", tr.GoalID())
			return joint.Command{Effort: grav}, nil
		}
		l.logger.Infof("goal %s complete, holding final position", tr.GoalID())
	}

	ref := tr.At(elapsed)
	effort := make([]float64, len(grav))
	for i := range grav {
		posErr := ref.Position[i] - state.Position[i]
		velErr := ref.Velocity[i] - state.Velocity[i]
		effort[i] = grav[i] + l.pids[i].next(posErr, velErr, dt)
	}
	return joint.Command{Position: ref.Position, Velocity: ref.Velocity, Effort: effort}, nil
}

func (l *Loop) dispatch(ctx context.Context, cmd joint.Command) TickResult {
	sendCtx, cancel := context.WithTimeout(ctx, l.cfg.DispatchTimeout)
	defer cancel()

	if err := l.dispatcher.Send(sendCtx, cmd); err != nil {
		var terr *transport.Error
		if !errors.As(err, &terr) {
			err = &transport.Error{Op: "send", Err: err}
		}
		l.failures++
		l.counters.failed++
		l.lastErr = err
		if l.errLimiter.Allow() {
			l.logger.Warnf("dispatch failed (%d consecutive): %v", l.failures, err)
		}
		if l.failures >= l.cfg.DegradedThreshold && !l.degraded {
			l.degraded = true
			l.logger.Errorf("link degraded after %d consecutive transport failures", l.failures)
		}
		return TickResult{Outcome: Failed, Command: cmd, Err: err}
	}
	if l.degraded {
		l.logger.Infof("link recovered after %d failed sends", l.failures)
	}
	l.failures = 0
	l.degraded = false
	return TickResult{Outcome: Sent, Command: cmd}
}

// Start runs Tick on the loop's clock until Stop.
func (l *Loop) Start() error {
	l.workersMu.Lock()
	defer l.workersMu.Unlock()
	if l.workers != nil {
		return errors.New("control loop already running")
	}
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	l.logger.Infof("running control loop at %.1f Hz (%v)", l.cfg.Frequency, l.cfg.Period())
	ticker := l.clock.Ticker(l.cfg.Period())
	l.workers = utils.NewBackgroundStoppableWorkers(func(ctx context.Context) {
		defer ticker.Stop()
		// a tick in flight finishes even when Stop cancels ctx; dispatch is bounded by its timeout
		tickCtx := context.WithoutCancel(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			l.Tick(tickCtx)
		}
	})
	return nil
}

// Stop waits for the current tick, then dispatches a final safe command. Further ticks and
// requests are rejected.
func (l *Loop) Stop(ctx context.Context) error {
	l.workersMu.Lock()
	if l.workers != nil {
		l.workers.Stop()
		l.workers = nil
	}
	l.workersMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return nil
	}
	l.stopped = true
	l.planner.CancelGoal()
	l.pending.Store(nil)
	defer l.publishStatus(l.clock.Now())

	cmd, err := l.safeCommand()
	if err != nil {
		l.logger.Warnf("no final safe command sent: %v", err)
		return nil
	}
	sendCtx, cancel := context.WithTimeout(ctx, l.cfg.DispatchTimeout)
	defer cancel()
	if err := l.dispatcher.Send(sendCtx, cmd); err != nil {
		return errors.Wrap(err, "sending safe stop command")
	}
	l.lastCmd = &cmd
	l.logger.Infof("control loop stopped (%s)", l.cfg.SafeStop)
	return nil
}

func (l *Loop) safeCommand() (joint.Command, error) {
	dof := l.model.DoF()
	if l.cfg.SafeStop == SafeStopZeroTorque {
		return joint.Command{Effort: make([]float64, dof)}, nil
	}
	state, err := l.cache.Latest()
	if err != nil {
		return joint.Command{}, err
	}
	grav, err := l.model.GravityTorques(state.Position)
	if err != nil {
		return joint.Command{}, err
	}
	return joint.Command{
		Position: joint.Copy(state.Position),
		Velocity: make([]float64, dof),
		Effort:   grav,
	}, nil
}
