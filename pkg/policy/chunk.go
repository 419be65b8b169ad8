package policy

import "context"

// ChunkSource produces a horizon of future actions per inference call.
type ChunkSource interface {
	InferChunk(ctx context.Context, obs Observation) ([]Action, error)
	Close() error
}

// ChunkBroker adapts a ChunkSource to the per-step Policy contract. It runs
// one inference, hands out the chunk's actions one step at a time, and
// refreshes after the horizon is consumed. Inference latency is paid once
// per horizon instead of once per step.
type ChunkBroker struct {
	src     ChunkSource
	horizon int

	chunk  []Action
	cursor int
}

// NewChunkBroker wraps src. horizon is the number of steps served from one
// chunk before the next inference; values below 1 are treated as 1.
func NewChunkBroker(src ChunkSource, horizon int) *ChunkBroker {
	if horizon < 1 {
		horizon = 1
	}
	return &ChunkBroker{src: src, horizon: horizon}
}

func (b *ChunkBroker) Infer(ctx context.Context, obs Observation) (Action, error) {
	if b.cursor >= len(b.chunk) {
		chunk, err := b.src.InferChunk(ctx, obs)
		if err != nil {
			return Action{}, err
		}
		if len(chunk) == 0 {
			return Action{}, &ProtocolError{Reason: "empty action chunk"}
		}
		if len(chunk) > b.horizon {
			chunk = chunk[:b.horizon]
		}
		b.chunk = chunk
		b.cursor = 0
	}

	action := b.chunk[b.cursor]
	b.cursor++
	return action, nil
}

// Close closes the wrapped source.
func (b *ChunkBroker) Close() error { return b.src.Close() }

// Remaining reports how many actions are left in the current chunk, for
// operator-facing status output.
func (b *ChunkBroker) Remaining() int {
	if b.cursor >= len(b.chunk) {
		return 0
	}
	return len(b.chunk) - b.cursor
}

var (
	_ Policy      = (*ChunkBroker)(nil)
	_ Policy      = (*RemotePolicy)(nil)
	_ Policy      = (*TeleopPolicy)(nil)
	_ ChunkSource = (*RemotePolicy)(nil)
)
