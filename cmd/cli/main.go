// Package main is a command line tool for driving a gravity-compensated arm without a robot server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"

	"armctl"
	"armctl/pkg/trajectory"
)

const (
	flagTransport   = "transport"
	flagPort        = "port"
	flagCalibration = "calibration"
	flagModel       = "model"
	flagDebug       = "debug"
	flagPreset      = "preset"
	flagPositions   = "positions"
	flagDuration    = "duration"
	flagOut         = "out"
	flagSettle      = "settle"
)

func main() {
	app := &cli.App{
		Name:  "armctl",
		Usage: "run the gravity-compensating joint controller from the command line",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  flagTransport,
				Usage: "sim or feetech; defaults to feetech when --port is set",
			},
			&cli.StringFlag{
				Name:    flagPort,
				Usage:   "serial port of the servo bus",
				EnvVars: []string{"ARMCTL_PORT"},
			},
			&cli.StringFlag{
				Name:  flagCalibration,
				Usage: "servo calibration JSON file",
			},
			&cli.StringFlag{
				Name:  flagModel,
				Usage: "kinematic description JSON file; the built-in 6-DoF arm when empty",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "gravcomp",
				Usage:  "hold the arm weightless until interrupted",
				Action: gravcompAction,
			},
			{
				Name:  "goto",
				Usage: "move to a preset or to explicit joint positions",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  flagPreset,
						Usage: fmt.Sprintf("one of %v", armctl.PresetNames()),
					},
					&cli.Float64SliceFlag{
						Name:  flagPositions,
						Usage: "joint positions in radians, comma separated or repeated",
					},
					&cli.DurationFlag{
						Name:  flagDuration,
						Value: 3 * time.Second,
						Usage: "time to reach --positions",
					},
					&cli.DurationFlag{
						Name:  flagSettle,
						Value: time.Second,
						Usage: "time to keep holding after the goal ends",
					},
				},
				Action: gotoAction,
			},
			{
				Name:  "calibrate",
				Usage: "record joint ranges by hand and write a calibration file",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  flagDuration,
						Value: 30 * time.Second,
						Usage: "recording time",
					},
					&cli.StringFlag{
						Name:  flagOut,
						Value: "arm_calibration.json",
						Usage: "calibration file to write",
					},
				},
				Action: calibrateAction,
			},
			{
				Name:   "ports",
				Usage:  "list serial ports that look like servo adapters",
				Action: portsAction,
			},
			{
				Name:  "plot",
				Usage: "simulate a preset move and plot measured against reference joint positions",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  flagPreset,
						Value: "waypoint1",
						Usage: fmt.Sprintf("one of %v", armctl.PresetNames()),
					},
					&cli.DurationFlag{
						Name:  flagDuration,
						Value: 5 * time.Second,
						Usage: "simulated time to record",
					},
					&cli.StringFlag{
						Name:  flagOut,
						Value: "tracking.png",
						Usage: "output image; the extension picks the format",
					},
				},
				Action: plotAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(c *cli.Context) logging.Logger {
	if c.Bool(flagDebug) {
		return logging.NewDebugLogger("armctl")
	}
	return logging.NewLogger("armctl")
}

func configFromFlags(c *cli.Context) *armctl.Config {
	return &armctl.Config{
		Transport:       c.String(flagTransport),
		Port:            c.String(flagPort),
		CalibrationFile: c.String(flagCalibration),
		ModelFile:       c.String(flagModel),
	}
}

// withController runs fn against a started controller and closes it afterwards. ctx is cancelled on
// SIGINT or SIGTERM.
func withController(c *cli.Context, fn func(ctx context.Context, ctrl *armctl.Controller, logger logging.Logger) error) error {
	logger := newLogger(c)
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl, err := armctl.NewController(ctx, resource.NewName(generic.API, "cli"), configFromFlags(c), nil, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := ctrl.Close(context.Background()); err != nil {
			logger.Warnf("closing controller: %v", err)
		}
	}()
	return fn(ctx, ctrl, logger)
}

func gravcompAction(c *cli.Context) error {
	return withController(c, func(ctx context.Context, ctrl *armctl.Controller, logger logging.Logger) error {
		logger.Info("Gravity compensation running, press Ctrl+C to stop")
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				st := ctrl.Loop().Status()
				logger.Infof("state=%s ticks=%d stale=%d failed=%d degraded=%v",
					st.State, st.Ticks, st.StaleTicks, st.FailedSends, st.Degraded)
			}
		}
	})
}

func gotoAction(c *cli.Context) error {
	goal, err := goalFromFlags(c)
	if err != nil {
		return err
	}
	return withController(c, func(ctx context.Context, ctrl *armctl.Controller, logger logging.Logger) error {
		if err := ctrl.Loop().SetGoal(goal); err != nil {
			return err
		}
		logger.Infof("Moving over %v", goal.Duration())

		deadline := time.After(goal.Duration() + c.Duration(flagSettle))
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info("Interrupted")
				return nil
			case <-deadline:
				resp, err := ctrl.DoCommand(ctx, map[string]interface{}{"command": "joint_positions"})
				if err != nil {
					return err
				}
				logger.Infof("Reached %v", resp["positions"])
				return nil
			case <-ticker.C:
				if st := ctrl.Loop().Status(); st.Degraded {
					return errors.Errorf("transport degraded: %s", st.LastError)
				}
			}
		}
	})
}

func goalFromFlags(c *cli.Context) (trajectory.Goal, error) {
	preset, positions := c.String(flagPreset), c.Float64Slice(flagPositions)
	switch {
	case preset != "" && len(positions) > 0:
		return trajectory.Goal{}, errors.New("pass either --preset or --positions, not both")
	case preset != "":
		p, err := armctl.LookupPreset(preset)
		if err != nil {
			return trajectory.Goal{}, err
		}
		return p.Goal(), nil
	case len(positions) > 0:
		return trajectory.NewGoalFromPosition(c.Duration(flagDuration), positions), nil
	default:
		return trajectory.Goal{}, errors.New("goto needs --preset or --positions")
	}
}

func portsAction(c *cli.Context) error {
	ports := armctl.CandidatePorts()
	if len(ports) == 0 {
		fmt.Println("no candidate serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Println(p)
	}
	return nil
}
