// Package govern clamps raw policy actions into hardware-safe executable
// actions. Everything here is pure: no I/O, no retained state, so the
// safety path stays trivially testable.
package govern

import "fmt"

// Limit is one joint's allowed position range.
type Limit struct {
	Name string
	Min  float64
	Max  float64
}

// ShapeError reports an action with fewer targets than the robot has
// joints. A policy that cannot address every joint must not move any.
type ShapeError struct {
	Got  int
	Want int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("action has %d targets for %d joints", e.Got, e.Want)
}

// Govern turns a raw target vector into an executable one. Each target is
// first clamped into its joint's limit range, then pulled toward the
// current position so no single step moves a joint by more than
// maxStepDelta. Targets beyond the configured joints are discarded:
// remote policies may produce a superset of joints. Too few targets is a
// ShapeError.
func Govern(raw, current []float64, limits []Limit, maxStepDelta float64) ([]float64, error) {
	if len(raw) < len(limits) {
		return nil, &ShapeError{Got: len(raw), Want: len(limits)}
	}
	if len(current) != len(limits) {
		return nil, fmt.Errorf("state has %d positions for %d joints", len(current), len(limits))
	}

	out := make([]float64, len(limits))
	for i, lim := range limits {
		target := clamp(raw[i], lim.Min, lim.Max)
		out[i] = clamp(target, current[i]-maxStepDelta, current[i]+maxStepDelta)
	}
	return out, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
