package episode

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Status is the lifecycle state of an episode run.
type Status int

const (
	Initializing Status = iota
	Homing
	Running
	Completed
	Failed
)

func (s Status) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Homing:
		return "homing"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Run is the mutable record of one episode. The driver is its only writer.
type Run struct {
	ID       uuid.UUID
	Prompt   string
	MaxSteps int
	Step     int
	Status   Status
}

// Header carries the fields stamped on every event.
type Header struct {
	RunID uuid.UUID
	At    time.Time
}

func (h *Header) header() *Header { return h }

// Event is one structured lifecycle record emitted by the driver.
type Event interface {
	header() *Header
}

// StateTransition records the run moving between lifecycle states.
type StateTransition struct {
	Header
	From, To Status
}

// StepCompleted records one full observe-infer-govern-execute cycle.
// Positions is the governed action that was sent to the arm.
type StepCompleted struct {
	Header
	Step      int
	Degraded  bool
	Positions []float64
}

// PolicyError records a policy failure on a step. Kind is "unavailable",
// "protocol" or "shape".
type PolicyError struct {
	Header
	Step int
	Kind string
}

// CameraDegraded records a camera turning unhealthy mid-run.
type CameraDegraded struct {
	Header
	Camera   string
	StaleFor time.Duration
}

// EpisodeSummary is the final event of every run, emitted exactly once
// after resources are released.
type EpisodeSummary struct {
	Header
	Status   Status
	StepsRun int
	Err      error
}

// Sink receives lifecycle events. Emit is called from the control loop and
// must not block.
type Sink interface {
	Emit(Event)
}

// LogSink writes events to the process logger.
type LogSink struct{}

func (LogSink) Emit(e Event) {
	switch ev := e.(type) {
	case *StateTransition:
		log.Info().
			Stringer("run", ev.RunID).
			Stringer("from", ev.From).
			Stringer("to", ev.To).
			Msg("episode state")
	case *StepCompleted:
		log.Debug().
			Stringer("run", ev.RunID).
			Int("step", ev.Step).
			Bool("degraded", ev.Degraded).
			Msg("step completed")
	case *PolicyError:
		log.Warn().
			Stringer("run", ev.RunID).
			Int("step", ev.Step).
			Str("kind", ev.Kind).
			Msg("policy error")
	case *CameraDegraded:
		log.Warn().
			Stringer("run", ev.RunID).
			Str("camera", ev.Camera).
			Dur("stale_for", ev.StaleFor).
			Msg("camera degraded")
	case *EpisodeSummary:
		evt := log.Info()
		if ev.Err != nil {
			evt = log.Error().Err(ev.Err)
		}
		evt.Stringer("run", ev.RunID).
			Stringer("status", ev.Status).
			Int("steps_run", ev.StepsRun).
			Msg("episode finished")
	}
}

// ChannelSink buffers events for a consumer such as the live view. When the
// buffer is full the oldest event is dropped so the loop never blocks.
type ChannelSink struct {
	ch chan Event
}

func NewChannelSink(capacity int) *ChannelSink {
	if capacity < 1 {
		capacity = 1
	}
	return &ChannelSink{ch: make(chan Event, capacity)}
}

func (s *ChannelSink) Emit(e Event) {
	select {
	case s.ch <- e:
	default:
		select {
		case <-s.ch:
		default:
		}
		s.ch <- e
	}
}

// Events returns the receive side of the buffer.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// MultiSink fans each event out to every member in order.
type MultiSink []Sink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}
