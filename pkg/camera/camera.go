// Package camera turns local video devices into the fixed-shape frame
// tensors a policy observation carries. An Adapter wraps one raw frame
// source with last-known-good fallback so a slow or dead camera degrades
// the observation instead of stalling the control loop.
package camera

import (
	"context"
	"time"
)

// Source yields raw JPEG frames from one camera device.
type Source interface {
	Frames() <-chan []byte
	Close() error
}

// NoSource stands in for a camera that could not be opened. Reads fail
// immediately, so the adapter serves blank frames and reports unhealthy
// without waiting out the read timeout each step.
type NoSource struct{}

func (NoSource) Frames() <-chan []byte { return closedFrames }

func (NoSource) Close() error { return nil }

var closedFrames = func() chan []byte {
	ch := make(chan []byte)
	close(ch)
	return ch
}()

// Frame is one processed camera frame in planar CHW layout.
type Frame struct {
	Tensor     []byte
	CapturedAt time.Time
}

// Capture is the result of one Adapter pull: a fresh frame, or the
// last-known-good frame marked stale with its age. A camera that has never
// delivered a frame yields a blank tensor, still marked stale.
type Capture struct {
	Frame Frame
	Stale bool
	Age   time.Duration
}

// Consecutive failed reads before the camera is reported unhealthy.
const unhealthyAfter = 3

// Adapter pulls frames from a Source on demand and runs them through a
// Pipeline. A read that produces nothing within the read timeout returns
// the previous frame marked stale rather than blocking.
//
// Not safe for concurrent use: each adapter is pulled from one goroutine
// at a time.
type Adapter struct {
	name        string
	src         Source
	pipe        Pipeline
	readTimeout time.Duration

	last      Frame
	lastOK    time.Time
	openedAt  time.Time
	failures  int
	unhealthy bool
}

// NewAdapter wraps a frame source. readTimeout bounds how long one Capture
// call may wait for the device.
func NewAdapter(name string, src Source, pipe Pipeline, readTimeout time.Duration) *Adapter {
	return &Adapter{
		name:        name,
		src:         src,
		pipe:        pipe,
		readTimeout: readTimeout,
		openedAt:    time.Now(),
	}
}

// Name returns the configured camera name.
func (a *Adapter) Name() string { return a.name }

// Healthy reports whether the camera is currently delivering frames. It
// turns false after three consecutive failed reads and true again on the
// next successful one.
func (a *Adapter) Healthy() bool { return !a.unhealthy }

// Warmup discards n frames. Cameras need a few reads after power-up before
// exposure and white balance settle.
func (a *Adapter) Warmup(ctx context.Context, n int) {
	for i := 0; i < n; i++ {
		select {
		case <-a.src.Frames():
		case <-time.After(a.readTimeout):
			return
		case <-ctx.Done():
			return
		}
	}
}

// Capture returns the freshest available frame. On any failure (timeout,
// closed source, undecodable frame) it falls back to the last good frame
// and marks the capture stale.
func (a *Adapter) Capture(ctx context.Context) Capture {
	raw, ok := a.read(ctx)
	if ok {
		tensor, err := a.pipe.Process(raw)
		if err == nil {
			a.last = Frame{Tensor: tensor, CapturedAt: time.Now()}
			a.lastOK = a.last.CapturedAt
			a.failures = 0
			a.unhealthy = false
			return Capture{Frame: a.last}
		}
	}

	a.failures++
	if a.failures >= unhealthyAfter {
		a.unhealthy = true
	}

	frame := a.last
	since := a.lastOK
	if frame.Tensor == nil {
		frame = Frame{Tensor: a.pipe.Blank()}
		since = a.openedAt
	}
	return Capture{Frame: frame, Stale: true, Age: time.Since(since)}
}

// read drains buffered frames and keeps the newest, so the observation
// reflects now rather than the oldest queued frame. When nothing is
// buffered it blocks for one frame up to the read timeout.
func (a *Adapter) read(ctx context.Context) ([]byte, bool) {
	var raw []byte
	for {
		select {
		case f, ok := <-a.src.Frames():
			if !ok {
				return raw, raw != nil
			}
			raw = f
			continue
		default:
		}
		break
	}
	if raw != nil {
		return raw, true
	}

	timer := time.NewTimer(a.readTimeout)
	defer timer.Stop()
	select {
	case f, ok := <-a.src.Frames():
		return f, ok
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// Close closes the underlying source.
func (a *Adapter) Close() error { return a.src.Close() }
