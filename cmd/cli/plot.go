package main

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"armctl"
	"armctl/pkg/control"
	"armctl/pkg/feedback"
	"armctl/pkg/trajectory"
	"armctl/pkg/transport"
)

// recording holds one series per joint.
type recording struct {
	names     []string
	measured  []plotter.XYs
	reference []plotter.XYs
}

func plotAction(c *cli.Context) error {
	logger := newLogger(c)
	preset, err := armctl.LookupPreset(c.String(flagPreset))
	if err != nil {
		return err
	}
	cfg := configFromFlags(c)
	model, err := cfg.LoadModel(logger)
	if err != nil {
		return err
	}

	cache := feedback.NewCache(model.DoF())
	sim, err := transport.NewSim(model, cache, logger, transport.SimConfig{})
	if err != nil {
		return err
	}
	if err := sim.Step(0); err != nil {
		return err
	}
	mock := clock.NewMock()
	loop, err := control.NewLoop(model, cache, sim, mock, logger, cfg.ControlConfig())
	if err != nil {
		return err
	}
	if err := loop.SetGoal(preset.Goal()); err != nil {
		return err
	}

	rec := &recording{
		names:     model.JointNames(),
		measured:  make([]plotter.XYs, model.DoF()),
		reference: make([]plotter.XYs, model.DoF()),
	}
	ctx := context.Background()
	period := loop.Config().Period()
	total := c.Duration(flagDuration)
	var planned bool
	for elapsed := time.Duration(0); elapsed < total; elapsed += period {
		mock.Add(period)
		if err := sim.Step(period); err != nil {
			return err
		}
		if res := loop.Tick(ctx); res.Err != nil {
			return errors.Wrapf(res.Err, "tick at %v", elapsed)
		}
		if tr := loop.Active(); tr != nil && !planned {
			rec.plan(elapsed, tr, period)
			planned = true
		}
		rec.measure(elapsed, sim.Position())
	}

	out := c.String(flagOut)
	if err := rec.save(preset.Name, out); err != nil {
		return err
	}
	logger.Infof("Wrote %s", out)
	return nil
}

func (r *recording) measure(t time.Duration, positions []float64) {
	for j, q := range positions {
		r.measured[j] = append(r.measured[j], plotter.XY{X: t.Seconds(), Y: q})
	}
}

// plan records the trajectory as planned when the goal started at t.
func (r *recording) plan(start time.Duration, tr *trajectory.Trajectory, step time.Duration) {
	ts, refs := tr.Sample(step)
	for i, ref := range refs {
		x := (start + ts[i]).Seconds()
		for j, q := range ref.Position {
			r.reference[j] = append(r.reference[j], plotter.XY{X: x, Y: q})
		}
	}
}

func (r *recording) save(title, path string) error {
	p := plot.New()
	p.Title.Text = "Tracking " + title
	p.X.Label.Text = "time (s)"
	p.Y.Label.Text = "joint position (rad)"
	p.Add(plotter.NewGrid())
	p.Legend.Top = true

	for j, name := range r.names {
		measured, err := plotter.NewLine(r.measured[j])
		if err != nil {
			return errors.Wrapf(err, "joint %s", name)
		}
		measured.LineStyle.Color = plotutil.Color(j)
		measured.LineStyle.Width = vg.Points(1.5)
		p.Add(measured)
		p.Legend.Add(name, measured)

		if len(r.reference[j]) == 0 {
			continue
		}
		reference, err := plotter.NewLine(r.reference[j])
		if err != nil {
			return errors.Wrapf(err, "joint %s reference", name)
		}
		reference.LineStyle.Color = plotutil.Color(j)
		reference.LineStyle.Dashes = plotutil.Dashes(1)
		p.Add(reference)
	}
	return p.Save(10*vg.Inch, 6*vg.Inch, path)
}
