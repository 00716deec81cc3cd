package main

import (
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"armctl/pkg/feedback"
	"armctl/pkg/transport"
)

const recordInterval = 20 * time.Millisecond

// calibrateAction disables torque, takes the current pose as home and records joint ranges while
// the arm is moved by hand.
func calibrateAction(c *cli.Context) (err error) {
	logger := newLogger(c)
	cfg := configFromFlags(c)
	if cfg.Port == "" {
		return errors.New("calibrate needs --port")
	}
	model, err := cfg.LoadModel(logger)
	if err != nil {
		return err
	}
	hw, err := transport.NewFeetech(model, feedback.NewCache(model.DoF()), nil, logger, transport.FeetechConfig{
		Bus: transport.BusConfig{Port: cfg.Port},
	})
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, hw.Close())
	}()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := hw.DisableTorque(ctx); err != nil {
		return err
	}

	rec := transport.NewRangeRecorder(model, hw)
	logger.Info("Hold the arm in its zero pose")
	if err := rec.Home(ctx); err != nil {
		return err
	}
	logger.Infof("Home captured. Move every joint through its full range for %v (Ctrl+C to finish early)",
		c.Duration(flagDuration))

	deadline := time.After(c.Duration(flagDuration))
	ticker := time.NewTicker(recordInterval)
	defer ticker.Stop()
	progress := time.NewTicker(time.Second)
	defer progress.Stop()
record:
	for {
		select {
		case <-ctx.Done():
			break record
		case <-deadline:
			break record
		case <-progress.C:
			logRanges(rec, logger.Infof)
		case <-ticker.C:
			if err := rec.Sample(ctx); err != nil && ctx.Err() == nil {
				logger.Debugf("sample failed: %v", err)
			}
		}
	}

	cal, err := rec.Calibration()
	if err != nil {
		return err
	}
	out := c.String(flagOut)
	if err := transport.SaveCalibrationFile(out, cal); err != nil {
		return err
	}
	logRanges(rec, logger.Infof)
	logger.Infof("Saved calibration from %d samples to %s", rec.Samples(), out)
	return nil
}

func logRanges(rec *transport.RangeRecorder, logf func(string, ...interface{})) {
	ranges := rec.Ranges()
	names := make([]string, 0, len(ranges))
	for name := range ranges {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r := ranges[name]
		logf("%-12s [%4d, %4d] span %d", name, r[0], r[1], r[1]-r[0])
	}
}
