// Package episode drives the control loop: a fixed-cadence
// observe-infer-govern-execute cycle with lifecycle events.
package episode

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/leopenpi/leopenpi/pkg/env"
	"github.com/leopenpi/leopenpi/pkg/govern"
	"github.com/leopenpi/leopenpi/pkg/policy"
	"github.com/leopenpi/leopenpi/pkg/robot"
)

const releaseTimeout = 2 * time.Second

// observer provides per-step observations.
type observer interface {
	Observe(ctx context.Context, step int) (policy.Observation, error)
	Close() error
}

// actuator is the slice of the actuation port the driver commands.
type actuator interface {
	ReadState(ctx context.Context) (robot.State, error)
	Execute(ctx context.Context, targets []float64) (robot.State, error)
	EnableTorque(ctx context.Context) error
	DisableTorque(ctx context.Context) error
	Close() error
}

// Config are the episode parameters beyond the driver's collaborators.
// Limits and Home follow the joint order of the arm.
type Config struct {
	Prompt        string
	MaxSteps      int
	Hz            int
	Retries       int
	Limits        []govern.Limit
	MaxStepDelta  float64
	StartHome     bool
	Home          []float64
	HomeTolerance float64
	HomeTimeout   time.Duration
}

// Driver owns one episode: it sequences observe, infer, govern and execute
// at a fixed cadence until the step budget is spent or a fatal error ends
// the run. It is the sole writer to the arm.
type Driver struct {
	cfg    Config
	env    observer
	policy policy.Policy
	arm    actuator
	sink   Sink

	run      Run
	held     []float64
	failures int
}

// NewDriver wires an episode run. The driver takes ownership of the
// environment, the policy and the arm: all three are released when Run
// returns.
func NewDriver(cfg Config, environment *env.Environment, pol policy.Policy, arm *robot.Arm, sink Sink) *Driver {
	if cfg.Hz <= 0 {
		cfg.Hz = 30
	}
	d := &Driver{
		cfg:    cfg,
		env:    environment,
		policy: pol,
		arm:    arm,
		sink:   sink,
		run: Run{
			ID:       uuid.New(),
			Prompt:   cfg.Prompt,
			MaxSteps: cfg.MaxSteps,
			Status:   Initializing,
		},
	}
	environment.OnDegraded = d.noticeDegradation
	return d
}

// Run executes the episode to completion. A nil return means the step
// budget was spent; any error means the run failed. Resources are released
// and the summary event emitted on every exit path.
func (d *Driver) Run(ctx context.Context) error {
	runErr := d.drive(ctx)
	d.finish(runErr)
	return runErr
}

func (d *Driver) drive(ctx context.Context) error {
	if err := d.arm.EnableTorque(ctx); err != nil {
		return fmt.Errorf("enable torque: %w", err)
	}

	if d.cfg.StartHome {
		d.transition(Homing)
		if err := d.home(ctx); err != nil {
			return err
		}
	}

	d.transition(Running)
	ticker := time.NewTicker(time.Second / time.Duration(d.cfg.Hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			done, err := d.step(ctx)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// step runs one observe-infer-govern-execute cycle. done reports that the
// step budget is exhausted.
func (d *Driver) step(ctx context.Context) (done bool, err error) {
	obs, err := d.env.Observe(ctx, d.run.Step)
	if err != nil {
		return false, err
	}

	act, err := d.policy.Infer(ctx, obs)
	if err != nil {
		return false, d.policyFailure(ctx, err)
	}
	d.failures = 0

	exec, err := govern.Govern(act.Targets, obs.State.Positions, d.cfg.Limits, d.cfg.MaxStepDelta)
	if err != nil {
		var shape *govern.ShapeError
		if errors.As(err, &shape) {
			d.emit(&PolicyError{Step: d.run.Step, Kind: "shape"})
		}
		return false, err
	}

	// The send must complete even if the run is cancelled mid-flight.
	if _, err := d.arm.Execute(context.WithoutCancel(ctx), exec); err != nil {
		return false, err
	}
	d.held = exec

	d.emit(&StepCompleted{
		Step:      d.run.Step,
		Degraded:  obs.Degraded,
		Positions: append([]float64(nil), exec...),
	})
	d.run.Step++
	return d.run.Step >= d.cfg.MaxSteps, nil
}

// policyFailure decides whether a failed inference ends the run. An
// unreachable policy is retried on following ticks with the arm held at
// its last governed target; a protocol violation is immediately fatal.
func (d *Driver) policyFailure(ctx context.Context, cause error) error {
	if !errors.Is(cause, policy.ErrUnavailable) {
		d.emit(&PolicyError{Step: d.run.Step, Kind: "protocol"})
		return cause
	}

	d.failures++
	d.emit(&PolicyError{Step: d.run.Step, Kind: "unavailable"})
	if d.failures > d.cfg.Retries {
		return fmt.Errorf("policy unavailable after %d retries: %w", d.cfg.Retries, cause)
	}

	if d.held != nil {
		if _, err := d.arm.Execute(context.WithoutCancel(ctx), d.held); err != nil {
			return err
		}
	}
	return nil
}

// home walks every joint to its configured rest pose through the same
// governed path as policy actions. Running out of time is logged, not
// fatal: the operator may be holding the arm.
func (d *Driver) home(ctx context.Context) error {
	state, err := d.arm.ReadState(ctx)
	if err != nil {
		return err
	}
	if withinTolerance(state.Positions, d.cfg.Home, d.cfg.HomeTolerance) {
		return nil
	}

	deadline := time.NewTimer(d.cfg.HomeTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(time.Second / time.Duration(d.cfg.Hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			log.Warn().Dur("timeout", d.cfg.HomeTimeout).Msg("homing timed out, continuing")
			return nil
		case <-ticker.C:
			exec, err := govern.Govern(d.cfg.Home, state.Positions, d.cfg.Limits, d.cfg.MaxStepDelta)
			if err != nil {
				return err
			}
			state, err = d.arm.Execute(context.WithoutCancel(ctx), exec)
			if err != nil {
				return err
			}
			if withinTolerance(state.Positions, d.cfg.Home, d.cfg.HomeTolerance) {
				return nil
			}
		}
	}
}

// finish settles the terminal status, releases every resource and emits
// the summary. The run context may already be cancelled, so releases get
// their own deadline.
func (d *Driver) finish(runErr error) {
	if runErr == nil {
		d.transition(Completed)
	} else {
		d.transition(Failed)
	}

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if err := d.arm.DisableTorque(ctx); err != nil {
		log.Warn().Err(err).Msg("disable torque")
	}
	if err := d.arm.Close(); err != nil {
		log.Warn().Err(err).Msg("close arm")
	}
	if err := d.policy.Close(); err != nil {
		log.Warn().Err(err).Msg("close policy")
	}
	if err := d.env.Close(); err != nil {
		log.Warn().Err(err).Msg("close cameras")
	}

	d.emit(&EpisodeSummary{Status: d.run.Status, StepsRun: d.run.Step, Err: runErr})
}

func (d *Driver) transition(to Status) {
	if d.run.Status == to {
		return
	}
	from := d.run.Status
	d.run.Status = to
	d.emit(&StateTransition{From: from, To: to})
}

func (d *Driver) noticeDegradation(dg env.Degradation) {
	d.emit(&CameraDegraded{Camera: dg.Camera, StaleFor: dg.StaleFor})
}

func (d *Driver) emit(e Event) {
	h := e.header()
	h.RunID = d.run.ID
	h.At = time.Now()
	if d.sink != nil {
		d.sink.Emit(e)
	}
}

func withinTolerance(got, want []float64, tol float64) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if math.Abs(got[i]-want[i]) > tol {
			return false
		}
	}
	return true
}
