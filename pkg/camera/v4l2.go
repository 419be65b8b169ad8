package camera

import (
	"context"
	"fmt"

	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"
)

// Capture resolution requested from the device. Frames are resized to the
// tensor shape afterwards, so this only needs to comfortably exceed it.
const (
	captureWidth  = 640
	captureHeight = 480
	captureFPS    = 30
)

// V4L2Source streams MJPEG frames from a local /dev/video device.
type V4L2Source struct {
	dev *device.Device
}

// DevicePath returns the device node for a camera index.
func DevicePath(index int) string {
	return fmt.Sprintf("/dev/video%d", index)
}

// OpenV4L2 opens the camera at the given index and starts streaming. The
// context governs the streaming loop: cancelling it stops frame delivery.
func OpenV4L2(ctx context.Context, index int) (*V4L2Source, error) {
	path := DevicePath(index)
	dev, err := device.Open(path,
		device.WithPixFormat(v4l2.PixFormat{
			PixelFormat: v4l2.PixelFmtMJPEG,
			Width:       captureWidth,
			Height:      captureHeight,
		}),
		device.WithFPS(captureFPS),
		device.WithBufferSize(2),
	)
	if err != nil {
		return nil, fmt.Errorf("open camera %s: %w", path, err)
	}
	if err := dev.Start(ctx); err != nil {
		dev.Close()
		return nil, fmt.Errorf("start camera %s: %w", path, err)
	}
	return &V4L2Source{dev: dev}, nil
}

// Frames returns the device's output stream.
func (s *V4L2Source) Frames() <-chan []byte {
	return s.dev.GetOutput()
}

// Close stops streaming and releases the device.
func (s *V4L2Source) Close() error {
	return s.dev.Close()
}
