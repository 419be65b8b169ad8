package episode

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/leopenpi/leopenpi/pkg/env"
	"github.com/leopenpi/leopenpi/pkg/govern"
	"github.com/leopenpi/leopenpi/pkg/policy"
	"github.com/leopenpi/leopenpi/pkg/robot"
)

type fakeArm struct {
	positions []float64
	executed  [][]float64
	stuck     bool // realized state never follows commands
	readErr   error
	execErr   error
	enableErr error
	enables   int
	disables  int
	closed    bool
}

func cloneVec(v []float64) []float64 {
	return append([]float64(nil), v...)
}

func (f *fakeArm) ReadState(ctx context.Context) (robot.State, error) {
	if f.readErr != nil {
		return robot.State{}, f.readErr
	}
	return robot.State{Positions: cloneVec(f.positions), ReadAt: time.Now()}, nil
}

func (f *fakeArm) Execute(ctx context.Context, targets []float64) (robot.State, error) {
	if f.execErr != nil {
		return robot.State{}, f.execErr
	}
	f.executed = append(f.executed, cloneVec(targets))
	if !f.stuck {
		f.positions = cloneVec(targets)
	}
	return robot.State{Positions: cloneVec(f.positions), ReadAt: time.Now()}, nil
}

func (f *fakeArm) EnableTorque(ctx context.Context) error {
	if f.enableErr != nil {
		return f.enableErr
	}
	f.enables++
	return nil
}

func (f *fakeArm) DisableTorque(ctx context.Context) error {
	f.disables++
	return nil
}

func (f *fakeArm) Close() error {
	f.closed = true
	return nil
}

type fakeObserver struct {
	arm      *fakeArm
	degraded bool
	err      error
	calls    int
	closed   bool
}

func (f *fakeObserver) Observe(ctx context.Context, step int) (policy.Observation, error) {
	f.calls++
	if f.err != nil {
		return policy.Observation{}, f.err
	}
	return policy.Observation{
		Prompt:      "test",
		State:       robot.State{Positions: cloneVec(f.arm.positions), ReadAt: time.Now()},
		StepIndex:   step,
		AssembledAt: time.Now(),
		Degraded:    f.degraded,
	}, nil
}

func (f *fakeObserver) Close() error {
	f.closed = true
	return nil
}

// inferStep scripts one policy response; the last entry repeats forever.
type inferStep struct {
	targets []float64
	err     error
}

type fakePolicy struct {
	script []inferStep
	calls  int
	closed bool
}

func (f *fakePolicy) Infer(ctx context.Context, obs policy.Observation) (policy.Action, error) {
	i := f.calls
	f.calls++
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	s := f.script[i]
	if s.err != nil {
		return policy.Action{}, s.err
	}
	return policy.Action{Targets: cloneVec(s.targets)}, nil
}

func (f *fakePolicy) Close() error {
	f.closed = true
	return nil
}

func wideLimits(n int) []govern.Limit {
	limits := make([]govern.Limit, n)
	for i := range limits {
		limits[i] = govern.Limit{Name: fmt.Sprintf("j%d", i), Min: -100, Max: 100}
	}
	return limits
}

func testConfig(maxSteps int) Config {
	return Config{
		Prompt:        "test",
		MaxSteps:      maxSteps,
		Hz:            200,
		Retries:       3,
		Limits:        wideLimits(3),
		MaxStepDelta:  10,
		HomeTolerance: 0.01,
		HomeTimeout:   time.Second,
	}
}

func newTestDriver(cfg Config, o observer, p policy.Policy, a actuator, s Sink) *Driver {
	return &Driver{
		cfg:    cfg,
		env:    o,
		policy: p,
		arm:    a,
		sink:   s,
		run: Run{
			ID:       uuid.New(),
			Prompt:   cfg.Prompt,
			MaxSteps: cfg.MaxSteps,
			Status:   Initializing,
		},
	}
}

func completions(s *recordSink) []*StepCompleted {
	var out []*StepCompleted
	for _, e := range s.events {
		if c, ok := e.(*StepCompleted); ok {
			out = append(out, c)
		}
	}
	return out
}

func policyErrors(s *recordSink) []*PolicyError {
	var out []*PolicyError
	for _, e := range s.events {
		if p, ok := e.(*PolicyError); ok {
			out = append(out, p)
		}
	}
	return out
}

func transitions(s *recordSink) []StateTransition {
	var out []StateTransition
	for _, e := range s.events {
		if tr, ok := e.(*StateTransition); ok {
			out = append(out, *tr)
		}
	}
	return out
}

// lastSummary asserts the final event of the run is the summary.
func lastSummary(t *testing.T, s *recordSink) *EpisodeSummary {
	t.Helper()
	if len(s.events) == 0 {
		t.Fatal("no events emitted")
	}
	sum, ok := s.events[len(s.events)-1].(*EpisodeSummary)
	if !ok {
		t.Fatalf("last event is %T, want EpisodeSummary", s.events[len(s.events)-1])
	}
	return sum
}

func TestDriver_CompletesAfterMaxSteps(t *testing.T) {
	arm := &fakeArm{positions: []float64{0, 0, 0}}
	obs := &fakeObserver{arm: arm}
	pol := &fakePolicy{script: []inferStep{{targets: []float64{1, 2, 3}}}}
	sink := &recordSink{}
	d := newTestDriver(testConfig(3), obs, pol, arm, sink)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	steps := completions(sink)
	if len(steps) != 3 {
		t.Fatalf("got %d StepCompleted events, want 3", len(steps))
	}
	for i, s := range steps {
		if s.Step != i {
			t.Errorf("step event %d has index %d", i, s.Step)
		}
		if s.RunID != d.run.ID || s.At.IsZero() {
			t.Errorf("step event %d not stamped: %+v", i, s.Header)
		}
	}

	sum := lastSummary(t, sink)
	if sum.Status != Completed || sum.StepsRun != 3 || sum.Err != nil {
		t.Errorf("summary = %+v, want completed after 3 steps", sum)
	}

	trs := transitions(sink)
	if len(trs) != 2 || trs[0].To != Running || trs[1].To != Completed {
		t.Errorf("transitions = %+v, want initializing->running->completed", trs)
	}

	if len(arm.executed) != 3 {
		t.Fatalf("arm received %d commands, want 3", len(arm.executed))
	}
	if arm.executed[0][2] != 3 {
		t.Errorf("first command = %v, want [1 2 3]", arm.executed[0])
	}
	if arm.enables != 1 || arm.disables != 1 {
		t.Errorf("torque enables/disables = %d/%d, want 1/1", arm.enables, arm.disables)
	}
	if !arm.closed || !pol.closed || !obs.closed {
		t.Error("resources were not released")
	}
}

func TestDriver_GovernsActionsBeforeExecute(t *testing.T) {
	arm := &fakeArm{positions: []float64{0, 0, 0}}
	obs := &fakeObserver{arm: arm}
	// Raw targets far outside the reachable window for one tick.
	pol := &fakePolicy{script: []inferStep{{targets: []float64{500, -500, 4}}}}
	sink := &recordSink{}
	d := newTestDriver(testConfig(1), obs, pol, arm, sink)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []float64{10, -10, 4}
	if len(arm.executed) != 1 {
		t.Fatalf("arm received %d commands, want 1", len(arm.executed))
	}
	for i, v := range arm.executed[0] {
		if v != want[i] {
			t.Errorf("command[%d] = %v, want %v", i, v, want[i])
		}
	}

	// The step event reports the governed targets, not the raw ones.
	steps := completions(sink)
	if len(steps) != 1 {
		t.Fatalf("got %d StepCompleted events, want 1", len(steps))
	}
	for i, v := range steps[0].Positions {
		if v != want[i] {
			t.Errorf("event positions[%d] = %v, want %v", i, v, want[i])
		}
	}
}

func TestDriver_DegradedObservationMarksStep(t *testing.T) {
	arm := &fakeArm{positions: []float64{0, 0, 0}}
	obs := &fakeObserver{arm: arm, degraded: true}
	pol := &fakePolicy{script: []inferStep{{targets: []float64{1, 1, 1}}}}
	sink := &recordSink{}
	d := newTestDriver(testConfig(1), obs, pol, arm, sink)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	steps := completions(sink)
	if len(steps) != 1 || !steps[0].Degraded {
		t.Errorf("degraded observation did not mark the step: %+v", steps)
	}
	if sum := lastSummary(t, sink); sum.Status != Completed {
		t.Errorf("degradation ended the run: %+v", sum)
	}
}

func TestDriver_HoldsPoseWhilePolicyUnavailable(t *testing.T) {
	arm := &fakeArm{positions: []float64{0, 0, 0}}
	obs := &fakeObserver{arm: arm}
	pol := &fakePolicy{script: []inferStep{
		{targets: []float64{1, 2, 3}},
		{err: fmt.Errorf("%w: dial tcp", policy.ErrUnavailable)},
		{err: fmt.Errorf("%w: dial tcp", policy.ErrUnavailable)},
		{targets: []float64{4, 5, 6}},
	}}
	sink := &recordSink{}
	d := newTestDriver(testConfig(2), obs, pol, arm, sink)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Two real steps plus two holds at the last governed target.
	want := [][]float64{{1, 2, 3}, {1, 2, 3}, {1, 2, 3}, {4, 5, 6}}
	if len(arm.executed) != len(want) {
		t.Fatalf("arm received %d commands, want %d: %v", len(arm.executed), len(want), arm.executed)
	}
	for i, cmd := range arm.executed {
		for j, v := range cmd {
			if v != want[i][j] {
				t.Errorf("command %d = %v, want %v", i, cmd, want[i])
			}
		}
	}

	perr := policyErrors(sink)
	if len(perr) != 2 {
		t.Fatalf("got %d PolicyError events, want 2", len(perr))
	}
	for _, p := range perr {
		if p.Kind != "unavailable" || p.Step != 1 {
			t.Errorf("policy error = %+v, want kind=unavailable step=1", p)
		}
	}

	sum := lastSummary(t, sink)
	if sum.Status != Completed || sum.StepsRun != 2 {
		t.Errorf("summary = %+v, want completed after 2 steps", sum)
	}
}

func TestDriver_FailsWhenRetriesExhausted(t *testing.T) {
	arm := &fakeArm{positions: []float64{0, 0, 0}}
	obs := &fakeObserver{arm: arm}
	pol := &fakePolicy{script: []inferStep{
		{err: fmt.Errorf("%w: dial tcp", policy.ErrUnavailable)},
	}}
	sink := &recordSink{}
	cfg := testConfig(5)
	cfg.Retries = 2
	d := newTestDriver(cfg, obs, pol, arm, sink)

	err := d.Run(context.Background())
	if !errors.Is(err, policy.ErrUnavailable) {
		t.Fatalf("Run error = %v, want ErrUnavailable", err)
	}

	// Two retries after the first failure, then fatal on the third.
	if len(policyErrors(sink)) != 3 {
		t.Errorf("got %d PolicyError events, want 3", len(policyErrors(sink)))
	}
	// No prior success, so there was nothing safe to hold.
	if len(arm.executed) != 0 {
		t.Errorf("arm received %d commands, want none: %v", len(arm.executed), arm.executed)
	}

	sum := lastSummary(t, sink)
	if sum.Status != Failed || sum.StepsRun != 0 || sum.Err == nil {
		t.Errorf("summary = %+v, want failed with 0 steps", sum)
	}
	if !arm.closed || !pol.closed || !obs.closed {
		t.Error("resources were not released on failure")
	}
}

func TestDriver_RecoveryResetsRetryBudget(t *testing.T) {
	arm := &fakeArm{positions: []float64{0, 0, 0}}
	obs := &fakeObserver{arm: arm}
	unavailable := inferStep{err: fmt.Errorf("%w: timeout", policy.ErrUnavailable)}
	pol := &fakePolicy{script: []inferStep{
		{targets: []float64{1, 1, 1}},
		unavailable,
		unavailable,
		{targets: []float64{2, 2, 2}},
		unavailable,
		unavailable,
		{targets: []float64{3, 3, 3}},
	}}
	sink := &recordSink{}
	cfg := testConfig(3)
	cfg.Retries = 2
	d := newTestDriver(cfg, obs, pol, arm, sink)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum := lastSummary(t, sink); sum.Status != Completed || sum.StepsRun != 3 {
		t.Errorf("summary = %+v, want completed after 3 steps", sum)
	}
}

func TestDriver_ProtocolErrorIsFatal(t *testing.T) {
	arm := &fakeArm{positions: []float64{0, 0, 0}}
	obs := &fakeObserver{arm: arm}
	pol := &fakePolicy{script: []inferStep{
		{err: &policy.ProtocolError{Reason: "response has no actions"}},
	}}
	sink := &recordSink{}
	d := newTestDriver(testConfig(5), obs, pol, arm, sink)

	err := d.Run(context.Background())
	var perr *policy.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("Run error = %v, want ProtocolError", err)
	}

	events := policyErrors(sink)
	if len(events) != 1 || events[0].Kind != "protocol" {
		t.Errorf("policy error events = %+v, want one with kind=protocol", events)
	}
	if sum := lastSummary(t, sink); sum.Status != Failed {
		t.Errorf("summary = %+v, want failed", sum)
	}
}

func TestDriver_ShortActionIsFatal(t *testing.T) {
	arm := &fakeArm{positions: []float64{0, 0, 0}}
	obs := &fakeObserver{arm: arm}
	pol := &fakePolicy{script: []inferStep{{targets: []float64{1, 2}}}}
	sink := &recordSink{}
	d := newTestDriver(testConfig(5), obs, pol, arm, sink)

	err := d.Run(context.Background())
	var shape *govern.ShapeError
	if !errors.As(err, &shape) {
		t.Fatalf("Run error = %v, want ShapeError", err)
	}
	if shape.Got != 2 || shape.Want != 3 {
		t.Errorf("shape error = %+v", shape)
	}

	events := policyErrors(sink)
	if len(events) != 1 || events[0].Kind != "shape" {
		t.Errorf("policy error events = %+v, want one with kind=shape", events)
	}
	if len(arm.executed) != 0 {
		t.Errorf("short action reached the arm: %v", arm.executed)
	}
}

func TestDriver_ActuationErrorIsFatal(t *testing.T) {
	arm := &fakeArm{
		positions: []float64{0, 0, 0},
		execErr:   &robot.ActuationError{Op: "write", Err: errors.New("bus gone")},
	}
	obs := &fakeObserver{arm: arm}
	pol := &fakePolicy{script: []inferStep{{targets: []float64{1, 2, 3}}}}
	sink := &recordSink{}
	d := newTestDriver(testConfig(5), obs, pol, arm, sink)

	err := d.Run(context.Background())
	var actErr *robot.ActuationError
	if !errors.As(err, &actErr) {
		t.Fatalf("Run error = %v, want ActuationError", err)
	}
	if sum := lastSummary(t, sink); sum.Status != Failed || sum.StepsRun != 0 {
		t.Errorf("summary = %+v, want failed with 0 steps", sum)
	}
}

func TestDriver_ObserveErrorIsFatal(t *testing.T) {
	arm := &fakeArm{positions: []float64{0, 0, 0}}
	obs := &fakeObserver{arm: arm, err: &robot.ActuationError{Op: "read", Err: errors.New("bus gone")}}
	pol := &fakePolicy{script: []inferStep{{targets: []float64{1, 2, 3}}}}
	sink := &recordSink{}
	d := newTestDriver(testConfig(5), obs, pol, arm, sink)

	err := d.Run(context.Background())
	var actErr *robot.ActuationError
	if !errors.As(err, &actErr) {
		t.Fatalf("Run error = %v, want ActuationError", err)
	}
	if pol.calls != 0 {
		t.Errorf("policy was consulted %d times without an observation", pol.calls)
	}
}

func TestDriver_EnableTorqueFailureIsFatal(t *testing.T) {
	arm := &fakeArm{
		positions: []float64{0, 0, 0},
		enableErr: &robot.ActuationError{Op: "torque", Err: errors.New("no response")},
	}
	obs := &fakeObserver{arm: arm}
	pol := &fakePolicy{script: []inferStep{{targets: []float64{1, 2, 3}}}}
	sink := &recordSink{}
	d := newTestDriver(testConfig(5), obs, pol, arm, sink)

	if err := d.Run(context.Background()); err == nil {
		t.Fatal("want error when torque cannot be enabled")
	}

	trs := transitions(sink)
	if len(trs) != 1 || trs[0].From != Initializing || trs[0].To != Failed {
		t.Errorf("transitions = %+v, want initializing->failed only", trs)
	}
	if sum := lastSummary(t, sink); sum.StepsRun != 0 {
		t.Errorf("summary = %+v, want 0 steps", sum)
	}
}

func TestDriver_CancellationReleasesEverything(t *testing.T) {
	arm := &fakeArm{positions: []float64{0, 0, 0}}
	obs := &fakeObserver{arm: arm}
	pol := &fakePolicy{script: []inferStep{{targets: []float64{1, 2, 3}}}}
	sink := &recordSink{}
	d := newTestDriver(testConfig(100), obs, pol, arm, sink)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := d.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}

	sum := lastSummary(t, sink)
	if sum.Status != Failed || sum.Err == nil {
		t.Errorf("summary = %+v, want failed", sum)
	}
	if !arm.closed || !pol.closed || !obs.closed {
		t.Error("resources were not released on cancellation")
	}
	if arm.disables != 1 {
		t.Errorf("torque disables = %d, want 1", arm.disables)
	}
}

func TestDriver_HomingConvergesThenRuns(t *testing.T) {
	arm := &fakeArm{positions: []float64{0, 0, 0}}
	obs := &fakeObserver{arm: arm}
	pol := &fakePolicy{script: []inferStep{{targets: []float64{0.5, -0.5, 0.2}}}}
	sink := &recordSink{}
	cfg := testConfig(1)
	cfg.StartHome = true
	cfg.Home = []float64{0.5, -0.5, 0.2}
	cfg.MaxStepDelta = 0.3
	d := newTestDriver(cfg, obs, pol, arm, sink)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Two governed homing moves, then the single policy step.
	if len(arm.executed) != 3 {
		t.Fatalf("arm received %d commands, want 3: %v", len(arm.executed), arm.executed)
	}
	firstMove := arm.executed[0]
	if firstMove[0] != 0.3 || firstMove[1] != -0.3 || firstMove[2] != 0.2 {
		t.Errorf("first homing move = %v, want rate-limited [0.3 -0.3 0.2]", firstMove)
	}
	secondMove := arm.executed[1]
	if secondMove[0] != 0.5 || secondMove[1] != -0.5 {
		t.Errorf("second homing move = %v, want the rest pose", secondMove)
	}

	trs := transitions(sink)
	if len(trs) != 3 || trs[0].To != Homing || trs[1].To != Running || trs[2].To != Completed {
		t.Errorf("transitions = %+v, want homing->running->completed", trs)
	}
}

func TestDriver_HomingSkipsWhenAlreadyThere(t *testing.T) {
	arm := &fakeArm{positions: []float64{0.5, -0.5, 0.2}}
	obs := &fakeObserver{arm: arm}
	pol := &fakePolicy{script: []inferStep{{targets: []float64{0.5, -0.5, 0.2}}}}
	sink := &recordSink{}
	cfg := testConfig(1)
	cfg.StartHome = true
	cfg.Home = []float64{0.5, -0.5, 0.2}
	d := newTestDriver(cfg, obs, pol, arm, sink)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Only the policy step reached the arm.
	if len(arm.executed) != 1 {
		t.Errorf("arm received %d commands, want 1: %v", len(arm.executed), arm.executed)
	}
}

func TestDriver_HomingTimeoutIsNotFatal(t *testing.T) {
	arm := &fakeArm{positions: []float64{0, 0, 0}, stuck: true}
	obs := &fakeObserver{arm: arm}
	pol := &fakePolicy{script: []inferStep{{targets: []float64{0, 0, 0}}}}
	sink := &recordSink{}
	cfg := testConfig(1)
	cfg.StartHome = true
	cfg.Home = []float64{1, 1, 1}
	cfg.MaxStepDelta = 0.3
	cfg.HomeTimeout = 60 * time.Millisecond
	d := newTestDriver(cfg, obs, pol, arm, sink)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(arm.executed) < 2 {
		t.Errorf("arm received %d commands, want homing attempts plus the step", len(arm.executed))
	}
	if sum := lastSummary(t, sink); sum.Status != Completed || sum.StepsRun != 1 {
		t.Errorf("summary = %+v, want completed despite the homing timeout", sum)
	}
}

func TestDriver_CameraDegradationBecomesEvent(t *testing.T) {
	arm := &fakeArm{positions: []float64{0, 0, 0}}
	obs := &fakeObserver{arm: arm}
	pol := &fakePolicy{script: []inferStep{{targets: []float64{1, 2, 3}}}}
	sink := &recordSink{}
	d := newTestDriver(testConfig(1), obs, pol, arm, sink)

	d.noticeDegradation(env.Degradation{Camera: "wrist", StaleFor: 700 * time.Millisecond})

	if len(sink.events) != 1 {
		t.Fatalf("got %d events, want 1", len(sink.events))
	}
	ev, ok := sink.events[0].(*CameraDegraded)
	if !ok {
		t.Fatalf("event is %T, want CameraDegraded", sink.events[0])
	}
	if ev.Camera != "wrist" || ev.StaleFor != 700*time.Millisecond {
		t.Errorf("event = %+v", ev)
	}
	if ev.RunID != d.run.ID {
		t.Error("event not stamped with the run ID")
	}
}
