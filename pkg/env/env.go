// Package env assembles per-step observations: one frame per configured
// camera plus the current robot state, merged at a single point in time.
package env

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/leopenpi/leopenpi/pkg/camera"
	"github.com/leopenpi/leopenpi/pkg/policy"
	"github.com/leopenpi/leopenpi/pkg/robot"
)

// stateReader is the slice of the actuation port the environment reads.
type stateReader interface {
	ReadState(ctx context.Context) (robot.State, error)
}

// cameraPort is the adapter surface the environment pulls from.
type cameraPort interface {
	Name() string
	Capture(ctx context.Context) camera.Capture
	Healthy() bool
	Close() error
}

// Degradation reports a camera that stopped delivering frames. StaleFor is
// how old its best available frame was when the transition was noticed.
type Degradation struct {
	Camera   string
	StaleFor time.Duration
}

// pull is one camera's contribution to an observation.
type pull struct {
	name string
	cap  camera.Capture
}

// Environment merges camera frames and robot state into observations.
// Camera pulls run concurrently with each other and join before the
// observation is built; a slow camera delays the step by at most its read
// timeout. Not safe for concurrent use.
type Environment struct {
	prompt          string
	robot           stateReader
	cameras         []cameraPort
	stalenessBudget time.Duration
	healthy         map[string]bool

	// OnDegraded, when set, is called once per camera each time it turns
	// unhealthy. Recovery re-arms the notification.
	OnDegraded func(Degradation)
}

// New binds the episode prompt, the follower arm and the camera set.
func New(prompt string, arm *robot.Arm, cameras []*camera.Adapter, stalenessBudget time.Duration) *Environment {
	ports := make([]cameraPort, len(cameras))
	for i, cam := range cameras {
		ports[i] = cam
	}
	return newEnvironment(prompt, arm, ports, stalenessBudget)
}

func newEnvironment(prompt string, rd stateReader, ports []cameraPort, stalenessBudget time.Duration) *Environment {
	healthy := make(map[string]bool, len(ports))
	for _, p := range ports {
		healthy[p.Name()] = true
	}
	return &Environment{
		prompt:          prompt,
		robot:           rd,
		cameras:         ports,
		stalenessBudget: stalenessBudget,
		healthy:         healthy,
	}
}

// Observe reads the robot state, captures every camera once and returns a
// complete observation. Every configured camera appears in the frame map,
// blank if it has never produced a frame; a frame older than the staleness
// budget flags the observation degraded. Only the state read can fail.
func (e *Environment) Observe(ctx context.Context, step int) (policy.Observation, error) {
	state, err := e.robot.ReadState(ctx)
	if err != nil {
		return policy.Observation{}, fmt.Errorf("read state: %w", err)
	}

	pulls := make([]pull, len(e.cameras))

	var wg sync.WaitGroup
	for i, cam := range e.cameras {
		wg.Add(1)
		go func(i int, cam cameraPort) {
			defer wg.Done()
			pulls[i] = pull{name: cam.Name(), cap: cam.Capture(ctx)}
		}(i, cam)
	}
	wg.Wait()

	frames := make(map[string]camera.Frame, len(pulls))
	degraded := false
	for _, p := range pulls {
		frames[p.name] = p.cap.Frame
		if p.cap.Stale && (p.cap.Age > e.stalenessBudget || p.cap.Frame.CapturedAt.IsZero()) {
			degraded = true
		}
	}
	e.noticeHealth(pulls)

	return policy.Observation{
		Prompt:      e.prompt,
		State:       state,
		Frames:      frames,
		StepIndex:   step,
		AssembledAt: time.Now(),
		Degraded:    degraded,
	}, nil
}

// noticeHealth fires OnDegraded on each healthy-to-unhealthy edge.
func (e *Environment) noticeHealth(pulls []pull) {
	for i, cam := range e.cameras {
		now := cam.Healthy()
		was := e.healthy[cam.Name()]
		e.healthy[cam.Name()] = now
		if was && !now && e.OnDegraded != nil {
			e.OnDegraded(Degradation{Camera: cam.Name(), StaleFor: pulls[i].cap.Age})
		}
	}
}

// Close releases every camera, returning the first error.
func (e *Environment) Close() error {
	var first error
	for _, cam := range e.cameras {
		if err := cam.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
