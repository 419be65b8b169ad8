package robot

import (
	"context"
	"fmt"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
)

// NormMode selects the normalized range a motor's positions are expressed
// in. Angular joints are bipolar; the gripper is unipolar (0 closed,
// 100 open).
type NormMode int

const (
	NormBipolar  NormMode = iota // [-100, 100]
	NormUnipolar                 // [0, 100]
)

// Motor pairs a motor name with its normalization mode. The slice order
// given to Open defines the layout of every state and target vector.
type Motor struct {
	Name MotorName
	Mode NormMode
}

// Link describes one arm connection. Per-transaction deadlines are the
// caller's business, via the contexts passed to each operation.
type Link struct {
	Port        string
	Motors      []Motor
	Calibration Calibration
}

// State is an immutable snapshot of realized joint positions, in the order
// the arm was opened with.
type State struct {
	Positions []float64
	ReadAt    time.Time
}

// Clone returns a copy whose positions the caller may keep.
func (s State) Clone() State {
	out := State{Positions: make([]float64, len(s.Positions)), ReadAt: s.ReadAt}
	copy(out.Positions, s.Positions)
	return out
}

// ActuationError reports a failed bus transaction. The control loop treats
// it as fatal: without a verified state there is no safe way to continue.
type ActuationError struct {
	Op  string // "read", "write", "torque"
	Err error
}

func (e *ActuationError) Error() string {
	return fmt.Sprintf("actuation %s: %v", e.Op, e.Err)
}

func (e *ActuationError) Unwrap() error { return e.Err }

// Arm represents a robot arm with multiple servos.
type Arm struct {
	bus    *feetech.Bus
	group  *feetech.ServoGroup
	motors []Motor
	cal    Calibration
	ids    []int
}

// Open connects to an arm. Every motor in link.Motors must have a
// calibration entry; servo IDs come from the calibration table.
func Open(link Link) (*Arm, error) {
	if len(link.Motors) == 0 {
		return nil, fmt.Errorf("open arm %s: no motors configured", link.Port)
	}

	ids := make([]int, len(link.Motors))
	for i, m := range link.Motors {
		mc, ok := link.Calibration[m.Name]
		if !ok {
			return nil, fmt.Errorf("open arm %s: no calibration for motor %q", link.Port, m.Name)
		}
		ids[i] = mc.ID
	}

	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     link.Port,
		BaudRate: 1_000_000,
		Protocol: feetech.ProtocolSTS,
	})
	if err != nil {
		return nil, fmt.Errorf("open bus %s: %w", link.Port, err)
	}

	return &Arm{
		bus:    bus,
		group:  feetech.NewServoGroupByIDs(bus, ids...),
		motors: link.Motors,
		cal:    link.Calibration,
		ids:    ids,
	}, nil
}

// Close closes the arm's bus connection.
func (a *Arm) Close() error {
	return a.bus.Close()
}

// DOF returns the number of motors the arm was opened with.
func (a *Arm) DOF() int { return len(a.motors) }

// Motors returns the motor order the arm was opened with.
func (a *Arm) Motors() []Motor { return a.motors }

// EnableTorque enables torque on all servos. The arm then holds and tracks
// commanded positions.
func (a *Arm) EnableTorque(ctx context.Context) error {
	if err := a.group.EnableAll(ctx); err != nil {
		return &ActuationError{Op: "torque", Err: err}
	}
	return nil
}

// DisableTorque disables torque on all servos, leaving the arm passive.
// A leader arm is always operated this way.
func (a *Arm) DisableTorque(ctx context.Context) error {
	if err := a.group.DisableAll(ctx); err != nil {
		return &ActuationError{Op: "torque", Err: err}
	}
	return nil
}

// ReadState reads the current position of every motor in one sync read and
// returns them as a normalized ordered vector.
func (a *Arm) ReadState(ctx context.Context) (State, error) {
	raw, err := a.group.Positions(ctx)
	if err != nil {
		return State{}, &ActuationError{Op: "read", Err: err}
	}

	positions := make([]float64, len(a.motors))
	for i, m := range a.motors {
		ticks, ok := raw[a.ids[i]]
		if !ok {
			return State{}, &ActuationError{Op: "read", Err: fmt.Errorf("servo %d (%s) missing from sync read", a.ids[i], m.Name)}
		}
		mc := a.cal[m.Name]
		if m.Mode == NormUnipolar {
			positions[i] = mc.NormalizeUnipolar(ticks)
		} else {
			positions[i] = mc.Normalize(ticks)
		}
	}

	return State{Positions: positions, ReadAt: time.Now()}, nil
}

// Execute writes one target position per motor in a single sync write, then
// reads back the realized state as the acknowledgment. targets must have
// exactly one entry per motor; callers are expected to have clamped them.
func (a *Arm) Execute(ctx context.Context, targets []float64) (State, error) {
	if len(targets) != len(a.motors) {
		return State{}, &ActuationError{
			Op:  "write",
			Err: fmt.Errorf("got %d targets for %d motors", len(targets), len(a.motors)),
		}
	}

	goal := make(feetech.PositionMap, len(a.motors))
	for i, m := range a.motors {
		mc := a.cal[m.Name]
		if m.Mode == NormUnipolar {
			goal[a.ids[i]] = mc.DenormalizeUnipolar(targets[i])
		} else {
			goal[a.ids[i]] = mc.Denormalize(targets[i])
		}
	}

	if err := a.group.SetPositions(ctx, goal); err != nil {
		return State{}, &ActuationError{Op: "write", Err: err}
	}

	return a.ReadState(ctx)
}
