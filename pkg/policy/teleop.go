package policy

import (
	"context"
	"fmt"

	"github.com/leopenpi/leopenpi/pkg/robot"
)

// poseReader is the slice of the arm the teleop policy needs.
type poseReader interface {
	ReadState(ctx context.Context) (robot.State, error)
	Close() error
}

// TeleopPolicy mirrors a leader arm: each inference reads the leader's
// current pose and returns it verbatim as the target vector. The governor's
// per-step delta clamp turns that raw pose into a bounded approach, the
// same safety path remote actions go through.
type TeleopPolicy struct {
	leader poseReader
}

// NewTeleopPolicy wraps an opened leader arm. The leader is read-only;
// callers should have disabled its torque so the operator can move it
// freely.
func NewTeleopPolicy(leader *robot.Arm) *TeleopPolicy {
	return &TeleopPolicy{leader: leader}
}

func (p *TeleopPolicy) Infer(ctx context.Context, obs Observation) (Action, error) {
	state, err := p.leader.ReadState(ctx)
	if err != nil {
		return Action{}, fmt.Errorf("%w: read leader: %v", ErrUnavailable, err)
	}
	return Action{Targets: state.Positions}, nil
}

// Close releases the leader arm.
func (p *TeleopPolicy) Close() error { return p.leader.Close() }
