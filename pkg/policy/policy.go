// Package policy defines the contract every action source implements and
// its two implementations: remote openpi inference and leader-arm teleop.
package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/leopenpi/leopenpi/pkg/camera"
	"github.com/leopenpi/leopenpi/pkg/robot"
)

// ErrUnavailable marks a policy endpoint that could not be reached within
// its deadline. The control loop retries these up to its budget while
// holding the previous action.
var ErrUnavailable = errors.New("policy unavailable")

// ProtocolError reports a response that could not be turned into an action
// of the expected shape. Not retryable: the contract itself is broken.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("policy protocol: %s: %v", e.Reason, e.Err)
	}
	return "policy protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Observation is one step's model input: the newest frame per camera plus
// the realized robot state, assembled at a single point in time. Never
// mutated after assembly.
type Observation struct {
	Prompt      string
	State       robot.State
	Frames      map[string]camera.Frame
	StepIndex   int
	AssembledAt time.Time
	// Degraded is set when any frame exceeded the staleness budget.
	Degraded bool
}

// Action is an ordered vector of joint targets in the robot's joint order,
// gripper last. Policies may emit more entries than the robot has joints;
// the governor truncates the extras.
type Action struct {
	Targets []float64
}

// Policy turns observations into actions.
type Policy interface {
	Infer(ctx context.Context, obs Observation) (Action, error)
	Close() error
}
