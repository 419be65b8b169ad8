package main

import (
	"context"
	"fmt"
	"image"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog/log"

	"github.com/leopenpi/leopenpi/pkg/camera"
	"github.com/leopenpi/leopenpi/pkg/config"
	"github.com/leopenpi/leopenpi/pkg/env"
	"github.com/leopenpi/leopenpi/pkg/episode"
	"github.com/leopenpi/leopenpi/pkg/govern"
	"github.com/leopenpi/leopenpi/pkg/openpi"
	"github.com/leopenpi/leopenpi/pkg/policy"
	"github.com/leopenpi/leopenpi/pkg/robot"
)

// Cameras need a few frames after power-up before exposure settles.
const warmupFrames = 3

type RunCommand struct {
	Config   string `short:"c" long:"config" description:"Environment config file" default:"config.yaml"`
	Prompt   string `long:"prompt" description:"Override the configured task prompt"`
	MaxSteps int    `long:"max-steps" description:"Override the configured step budget"`
	TUI      bool   `long:"tui" description:"Show the live joint position view"`
}

func (c *RunCommand) Execute(args []string) error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	if c.Prompt != "" {
		cfg.Prompt = c.Prompt
	}
	if c.MaxSteps > 0 {
		cfg.MaxSteps = c.MaxSteps
	}
	applyLogLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	arm, err := openFollower(cfg)
	if err != nil {
		return err
	}

	cameras := openCameras(ctx, cfg)

	pol, err := buildPolicy(ctx, cfg)
	if err != nil {
		arm.Close()
		closeCameras(cameras)
		return err
	}

	environment := env.New(cfg.Prompt, arm, cameras, cfg.StalenessBudget.Std())

	// The driver owns the arm, policy and environment from here on and
	// releases all three when Run returns.
	if c.TUI {
		return runWithView(ctx, cfg, environment, pol, arm)
	}
	driver := episode.NewDriver(driverConfig(cfg), environment, pol, arm, episode.LogSink{})
	return driver.Run(ctx)
}

// runWithView runs the driver in the background and the terminal view in the
// foreground. Quitting the view cancels the run.
func runWithView(ctx context.Context, cfg *config.Config, environment *env.Environment, pol policy.Policy, arm *robot.Arm) error {
	events := episode.NewChannelSink(256)
	driver := episode.NewDriver(driverConfig(cfg), environment, pol, arm, events)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- driver.Run(ctx) }()

	model := newRunModel(cfg.Prompt, jointNames(cfg), events.Events())
	if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil {
		cancel()
		<-done
		return err
	}
	cancel()
	return <-done
}

// openFollower connects the follower arm using its saved calibration.
func openFollower(cfg *config.Config) (*robot.Arm, error) {
	calPath := robot.CalibrationPath(cfg.Robot.ID)
	cal, err := robot.LoadCalibration(calPath)
	if err != nil {
		return nil, fmt.Errorf("follower calibration: %w (run `leopenpi detect` first)", err)
	}

	arm, err := robot.Open(robot.Link{
		Port:        cfg.Robot.Port,
		Motors:      motorsFor(cfg.Robot),
		Calibration: cal,
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("port", cfg.Robot.Port).Int("dof", arm.DOF()).Msg("follower connected")
	return arm, nil
}

// openCameras opens every configured camera. A device that cannot be opened
// is not fatal: its adapter serves blank frames and the observations carry
// the degradation instead.
func openCameras(ctx context.Context, cfg *config.Config) []*camera.Adapter {
	adapters := make([]*camera.Adapter, 0, len(cfg.Cameras))
	for _, cc := range cfg.Cameras {
		pipe := camera.Pipeline{Flip: cc.Flipped}
		if cc.HasCrop() {
			pipe.Crop = image.Rect(cc.MinX, cc.MinY, cc.MaxX, cc.MaxY)
		}

		var src camera.Source
		if v4l2, err := camera.OpenV4L2(ctx, cc.Index); err != nil {
			log.Warn().Err(err).Str("camera", cc.Name).Msg("camera unavailable, serving blank frames")
			src = camera.NoSource{}
		} else {
			src = v4l2
		}

		a := camera.NewAdapter(cc.Name, src, pipe, cfg.CameraReadTimeout.Std())
		a.Warmup(ctx, warmupFrames)
		adapters = append(adapters, a)
	}
	return adapters
}

func closeCameras(adapters []*camera.Adapter) {
	for _, a := range adapters {
		a.Close()
	}
}

func buildPolicy(ctx context.Context, cfg *config.Config) (policy.Policy, error) {
	if cfg.PolicyType == config.PolicyTeleop {
		return openLeaderPolicy(ctx, cfg)
	}
	return dialRemotePolicy(ctx, cfg)
}

// dialRemotePolicy connects to the openpi server and wraps the client for
// per-step use, with chunked inference when a horizon is configured.
func dialRemotePolicy(ctx context.Context, cfg *config.Config) (policy.Policy, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout.Std())
	defer cancel()

	client, err := openpi.Dial(dialCtx, cfg.ServerIP, cfg.ServerPort, cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("connect policy server: %w", err)
	}
	log.Info().
		Str("server", fmt.Sprintf("%s:%d", cfg.ServerIP, cfg.ServerPort)).
		Interface("metadata", client.Metadata()).
		Msg("policy server connected")

	remote := policy.NewRemotePolicy(client, cfg.InferTimeout.Std())
	if cfg.ActionHorizon > 1 {
		return policy.NewChunkBroker(remote, cfg.ActionHorizon), nil
	}
	return remote, nil
}

// openLeaderPolicy connects the leader arm torque-free so the operator can
// move it by hand; its pose becomes the action each step.
func openLeaderPolicy(ctx context.Context, cfg *config.Config) (policy.Policy, error) {
	cal, err := robot.LoadCalibration(robot.CalibrationPath(cfg.Teleop.ID))
	if err != nil {
		return nil, fmt.Errorf("leader calibration: %w (run `leopenpi detect` first)", err)
	}

	leader, err := robot.Open(robot.Link{
		Port:        cfg.Teleop.Port,
		Motors:      motorsFor(cfg.Robot),
		Calibration: cal,
	})
	if err != nil {
		return nil, err
	}
	if err := leader.DisableTorque(ctx); err != nil {
		leader.Close()
		return nil, err
	}
	log.Info().Str("port", cfg.Teleop.Port).Msg("leader connected")
	return policy.NewTeleopPolicy(leader), nil
}

// motorsFor maps the configured joint order onto bus motors. The gripper,
// when configured, occupies the last slot and is unipolar.
func motorsFor(r config.Robot) []robot.Motor {
	joints := r.AllJoints()
	motors := make([]robot.Motor, len(joints))
	for i, j := range joints {
		motors[i] = robot.Motor{Name: robot.MotorName(j.Name)}
	}
	if r.Gripper != nil {
		motors[len(motors)-1].Mode = robot.NormUnipolar
	}
	return motors
}

func driverConfig(cfg *config.Config) episode.Config {
	joints := cfg.Robot.AllJoints()
	limits := make([]govern.Limit, len(joints))
	home := make([]float64, 0, len(joints))
	for i, j := range joints {
		limits[i] = govern.Limit{Name: j.Name, Min: j.Min, Max: j.Max}
		if j.Home != nil {
			home = append(home, *j.Home)
		}
	}

	dc := episode.Config{
		Prompt:        cfg.Prompt,
		MaxSteps:      cfg.MaxSteps,
		Hz:            cfg.Hz,
		Retries:       cfg.PolicyRetries,
		Limits:        limits,
		MaxStepDelta:  cfg.MaxStepDelta,
		HomeTolerance: cfg.HomeTolerance,
		HomeTimeout:   cfg.HomeTimeout.Std(),
	}
	if cfg.StartHome && len(home) == len(joints) {
		dc.StartHome = true
		dc.Home = home
	}
	return dc
}

func jointNames(cfg *config.Config) []string {
	joints := cfg.Robot.AllJoints()
	names := make([]string, len(joints))
	for i, j := range joints {
		names[i] = j.Name
	}
	return names
}
