package transport

import (
	"context"
	"sync"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
	"golang.org/x/time/rate"

	"armctl/pkg/feedback"
	"armctl/pkg/joint"
	"armctl/pkg/kinematics"
)

const (
	defaultBaudRate     = 1000000
	defaultBusTimeout   = 100 * time.Millisecond
	defaultPollInterval = 10 * time.Millisecond
)

// SharedBus serializes access to one serial bus shared by several components.
type SharedBus struct {
	mu  sync.Mutex
	bus *feetech.Bus
}

// Close closes the underlying bus.
func (b *SharedBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bus.Close()
}

// Scan lists the servos answering in [first, last].
func (b *SharedBus) Scan(ctx context.Context, first, last int) ([]feetech.FoundServo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bus.Scan(ctx, first, last)
}

// OpenFeetechBus opens an STS-protocol bus.
func OpenFeetechBus(cfg BusConfig) (*SharedBus, error) {
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     cfg.Port,
		BaudRate: cfg.BaudRate,
		Protocol: feetech.ProtocolSTS,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return &SharedBus{bus: bus}, nil
}

// FeetechBuses is the process-wide registry of open Feetech buses.
var FeetechBuses = NewBusRegistry(OpenFeetechBus)

// FeetechConfig configures the hardware transport.
type FeetechConfig struct {
	Bus          BusConfig
	Calibration  Calibration
	PollInterval time.Duration
	// EffortCompliance offsets the position target by effort × compliance, in rad per N·m.
	EffortCompliance float64
}

// Feetech drives STS-series position servos. Every command is sent as a position target: the
// trajectory reference while tracking, or the position captured on entering idle otherwise.
type Feetech struct {
	registry *BusRegistry[*SharedBus]
	port     string
	shared   *SharedBus
	group    *feetech.ServoGroup
	cals     []ServoCalibration
	cache    *feedback.Cache
	logger   logging.Logger
	cfg      FeetechConfig

	mu       sync.Mutex
	holdPos  []float64
	lastPos  []float64
	lastRead time.Time

	errLimiter *rate.Limiter
	workers    *utils.StoppableWorkers
}

// NewFeetech acquires the configured bus from registry. A nil registry uses FeetechBuses.
func NewFeetech(
	model *kinematics.Model,
	cache *feedback.Cache,
	registry *BusRegistry[*SharedBus],
	logger logging.Logger,
	cfg FeetechConfig,
) (*Feetech, error) {
	if cache.DoF() != model.DoF() {
		return nil, errors.Wrapf(joint.ErrDimensionMismatch, "feedback cache has %d joints, model has %d", cache.DoF(), model.DoF())
	}
	if cfg.Calibration == nil {
		cfg.Calibration = DefaultCalibration(model)
	}
	cals, err := cfg.Calibration.ForModel(model)
	if err != nil {
		return nil, errors.Wrap(err, "invalid calibration")
	}
	if cfg.Bus.BaudRate == 0 {
		cfg.Bus.BaudRate = defaultBaudRate
	}
	if cfg.Bus.Timeout == 0 {
		cfg.Bus.Timeout = defaultBusTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if registry == nil {
		registry = FeetechBuses
	}

	shared, err := registry.Acquire(cfg.Bus)
	if err != nil {
		return nil, err
	}
	ids := make([]int, len(cals))
	for i, c := range cals {
		ids[i] = c.ID
	}
	logger.Infof("using feetech bus %s@%d for servos %v", cfg.Bus.Port, cfg.Bus.BaudRate, ids)
	return &Feetech{
		registry:   registry,
		port:       cfg.Bus.Port,
		shared:     shared,
		group:      feetech.NewServoGroupByIDs(shared.bus, ids...),
		cals:       cals,
		cache:      cache,
		logger:     logger,
		cfg:        cfg,
		errLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}, nil
}

// Start enables torque, takes a first reading and starts polling feedback.
func (f *Feetech) Start(ctx context.Context) error {
	if err := f.readFeedback(ctx); err != nil {
		return err
	}
	f.shared.mu.Lock()
	err := f.group.EnableAll(ctx)
	f.shared.mu.Unlock()
	if err != nil {
		return &Error{Op: "enable", Err: err}
	}
	f.workers = utils.NewStoppableWorkerWithTicker(f.cfg.PollInterval, func(ctx context.Context) {
		if err := f.readFeedback(ctx); err != nil && f.errLimiter.Allow() {
			f.logger.Warnf("feedback read failed: %v", err)
		}
	})
	return nil
}

func (f *Feetech) readFeedback(ctx context.Context) error {
	f.shared.mu.Lock()
	raw, err := f.group.Positions(ctx)
	f.shared.mu.Unlock()
	if err != nil {
		return &Error{Op: "read", Err: err}
	}

	pos := make([]float64, len(f.cals))
	for i, c := range f.cals {
		r, ok := raw[c.ID]
		if !ok {
			return &Error{Op: "read", Err: errors.Errorf("servo %d missing from sync read", c.ID)}
		}
		pos[i] = c.ToRadians(r)
	}

	now := time.Now()
	f.mu.Lock()
	vel := make([]float64, len(pos))
	if f.lastPos != nil {
		if dt := now.Sub(f.lastRead).Seconds(); dt > 0 {
			for i := range pos {
				vel[i] = (pos[i] - f.lastPos[i]) / dt
			}
		}
	}
	f.lastPos, f.lastRead = pos, now
	f.mu.Unlock()

	return f.cache.Update(feedback.Sample{Position: pos, Velocity: vel, Timestamp: now})
}

// Send writes the command's position target to every servo in one sync write.
func (f *Feetech) Send(ctx context.Context, cmd joint.Command) error {
	target, err := f.target(cmd)
	if err != nil {
		return &Error{Op: "send", Err: err}
	}
	positions := make(feetech.PositionMap, len(f.cals))
	for i, c := range f.cals {
		positions[c.ID] = c.FromRadians(target[i])
	}

	f.shared.mu.Lock()
	defer f.shared.mu.Unlock()
	if err := f.group.SetPositions(ctx, positions); err != nil {
		return &Error{Op: "send", Err: err}
	}
	return nil
}

func (f *Feetech) target(cmd joint.Command) ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var base []float64
	if cmd.HasReference() {
		if err := joint.CheckDoF(cmd.Position, len(f.cals)); err != nil {
			return nil, err
		}
		f.holdPos = nil
		base = cmd.Position
	} else {
		if f.holdPos == nil {
			state, err := f.cache.Latest()
			if err != nil {
				return nil, err
			}
			f.holdPos = joint.Copy(state.Position)
		}
		base = f.holdPos
	}

	target := joint.Copy(base)
	if f.cfg.EffortCompliance != 0 && cmd.Effort != nil {
		if err := joint.CheckDoF(cmd.Effort, len(target)); err != nil {
			return nil, err
		}
		for i := range target {
			target[i] += f.cfg.EffortCompliance * cmd.Effort[i]
		}
	}
	return target, nil
}

// Close stops polling, disables torque and releases the bus.
func (f *Feetech) Close() error {
	if f.workers != nil {
		f.workers.Stop()
		f.workers = nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.Bus.Timeout)
	defer cancel()

	f.shared.mu.Lock()
	err := f.group.DisableAll(ctx)
	f.shared.mu.Unlock()
	if err != nil {
		err = &Error{Op: "disable", Err: err}
	}
	return multierr.Combine(err, f.registry.Release(f.port))
}

// RawPositions reads raw encoder ticks for every servo of the arm.
func (f *Feetech) RawPositions(ctx context.Context) (map[int]int, error) {
	f.shared.mu.Lock()
	raw, err := f.group.Positions(ctx)
	f.shared.mu.Unlock()
	if err != nil {
		return nil, &Error{Op: "read", Err: err}
	}
	out := make(map[int]int, len(raw))
	for id, v := range raw {
		out[int(id)] = int(v)
	}
	return out, nil
}

// DisableTorque lets the arm be moved by hand.
func (f *Feetech) DisableTorque(ctx context.Context) error {
	f.shared.mu.Lock()
	defer f.shared.mu.Unlock()
	if err := f.group.DisableAll(ctx); err != nil {
		return &Error{Op: "disable", Err: err}
	}
	return nil
}
