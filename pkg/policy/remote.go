package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/leopenpi/leopenpi/pkg/camera"
	"github.com/leopenpi/leopenpi/pkg/openpi"
)

// inferClient is the slice of the openpi client the policy needs.
type inferClient interface {
	Infer(ctx context.Context, obs map[string]any) (openpi.Message, error)
	Close() error
}

// RemotePolicy asks an openpi inference server for actions. Servers answer
// with a chunk of future actions per call; RemotePolicy exposes the whole
// chunk through InferChunk so a ChunkBroker can amortize inference latency
// over several control steps.
type RemotePolicy struct {
	client  inferClient
	timeout time.Duration
}

// NewRemotePolicy wraps a connected client. inferTimeout bounds each call.
func NewRemotePolicy(client *openpi.Client, inferTimeout time.Duration) *RemotePolicy {
	return &RemotePolicy{client: client, timeout: inferTimeout}
}

// Infer returns the first action of a fresh chunk.
func (p *RemotePolicy) Infer(ctx context.Context, obs Observation) (Action, error) {
	chunk, err := p.InferChunk(ctx, obs)
	if err != nil {
		return Action{}, err
	}
	return chunk[0], nil
}

// InferChunk runs one inference and returns every action row the server
// produced. Transport failures map to ErrUnavailable, malformed or
// server-reported failures to ProtocolError.
func (p *RemotePolicy) InferChunk(ctx context.Context, obs Observation) ([]Action, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg, err := p.client.Infer(ctx, encodeObservation(obs))
	if err != nil {
		var srvErr *openpi.ServerError
		if errors.As(err, &srvErr) {
			return nil, &ProtocolError{Reason: "server-side failure", Err: err}
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return parseActions(msg)
}

// Close shuts down the underlying connection.
func (p *RemotePolicy) Close() error { return p.client.Close() }

// encodeObservation lays the observation out the way the server expects:
// prompt, full state vector, the gripper repeated under its own key, and
// one CHW uint8 tensor per camera.
func encodeObservation(obs Observation) map[string]any {
	payload := map[string]any{
		"prompt":            obs.Prompt,
		"observation/state": openpi.Float32ND(obs.State.Positions),
	}
	if n := len(obs.State.Positions); n > 0 {
		payload["observation/gripper_position"] = openpi.Float32ND(obs.State.Positions[n-1:])
	}
	for name, frame := range obs.Frames {
		payload["observation/"+name] = openpi.Uint8ND(
			[]int{3, camera.FrameHeight, camera.FrameWidth}, frame.Tensor)
	}
	return payload
}

// parseActions interprets the "actions" entry of a response: a 1-D array
// is a single action, a 2-D array a chunk with one action per row. Plain
// msgpack lists are accepted alongside ndarray maps.
func parseActions(msg openpi.Message) ([]Action, error) {
	raw, ok := msg["actions"]
	if !ok {
		return nil, &ProtocolError{Reason: "response has no actions"}
	}

	switch v := raw.(type) {
	case openpi.NDArray:
		vals, err := v.Floats()
		if err != nil {
			return nil, &ProtocolError{Reason: "bad actions array", Err: err}
		}
		switch len(v.Shape) {
		case 1:
			return []Action{{Targets: vals}}, nil
		case 2:
			if v.Shape[0] == 0 || v.Shape[1] == 0 {
				return nil, &ProtocolError{Reason: "actions are empty"}
			}
			width := v.Shape[1]
			chunk := make([]Action, v.Shape[0])
			for i := range chunk {
				chunk[i] = Action{Targets: vals[i*width : (i+1)*width]}
			}
			return chunk, nil
		default:
			return nil, &ProtocolError{Reason: fmt.Sprintf("actions have %d dimensions", len(v.Shape))}
		}
	case []any:
		return parseActionList(v)
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("actions are %T", raw)}
	}
}

func parseActionList(rows []any) ([]Action, error) {
	if len(rows) == 0 {
		return nil, &ProtocolError{Reason: "actions are empty"}
	}

	// A flat list of numbers is a single action.
	if _, ok := asNumber(rows[0]); ok {
		targets, err := numbersOf(rows)
		if err != nil {
			return nil, err
		}
		return []Action{{Targets: targets}}, nil
	}

	chunk := make([]Action, len(rows))
	for i, row := range rows {
		cols, ok := row.([]any)
		if !ok {
			return nil, &ProtocolError{Reason: fmt.Sprintf("actions row %d is %T", i, row)}
		}
		targets, err := numbersOf(cols)
		if err != nil {
			return nil, err
		}
		chunk[i] = Action{Targets: targets}
	}
	return chunk, nil
}

func numbersOf(vals []any) ([]float64, error) {
	out := make([]float64, len(vals))
	for i, v := range vals {
		f, ok := asNumber(v)
		if !ok {
			return nil, &ProtocolError{Reason: fmt.Sprintf("action value %d is %T", i, v)}
		}
		out[i] = f
	}
	return out, nil
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	}
	return 0, false
}
