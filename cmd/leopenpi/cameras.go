package main

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/leopenpi/leopenpi/pkg/camera"
	"github.com/leopenpi/leopenpi/pkg/config"
)

type CamerasCommand struct {
	Config string `short:"c" long:"config" description:"Environment config file" default:"config.yaml"`
	Save   string `long:"save" description:"Write one processed snapshot per camera into this directory"`
}

func (c *CamerasCommand) Execute(args []string) error {
	cfg, err := config.LoadDraft(c.Config)
	if err != nil {
		return err
	}
	if len(cfg.Cameras) == 0 {
		return fmt.Errorf("no cameras configured in %s", c.Config)
	}

	readTimeout := cfg.CameraReadTimeout.Std()
	if readTimeout <= 0 {
		readTimeout = config.DefaultCameraReadTimeout
	}

	if c.Save != "" {
		if err := os.MkdirAll(c.Save, 0755); err != nil {
			return err
		}
	}

	fmt.Println(headerStyle.Render("leopenpi cameras"))
	fmt.Println()

	ctx := context.Background()

	var bad int
	rows := make([][]string, 0, len(cfg.Cameras))
	for _, cc := range cfg.Cameras {
		status, detail := probeCamera(ctx, cc, readTimeout, c.Save)
		if status != "ok" {
			bad++
		}
		rows = append(rows, []string{cc.Name, camera.DevicePath(cc.Index), status, detail})
	}

	okStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Padding(0, 1)
	badStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Camera", "Device", "Status", "Detail").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return cellStyle.Bold(true)
			}
			if col == 2 {
				if row >= 0 && row < len(rows) && rows[row][2] == "ok" {
					return okStyle
				}
				return badStyle
			}
			return cellStyle
		})

	fmt.Println(t.Render())

	if bad > 0 {
		return fmt.Errorf("%d of %d cameras not delivering frames", bad, len(cfg.Cameras))
	}
	return nil
}

// probeCamera opens one configured camera, pulls a frame through the full
// processing pipeline and optionally writes the result as a JPEG snapshot.
func probeCamera(ctx context.Context, cc config.Camera, readTimeout time.Duration, saveDir string) (status, detail string) {
	pipe := camera.Pipeline{Flip: cc.Flipped}
	if cc.HasCrop() {
		pipe.Crop = image.Rect(cc.MinX, cc.MinY, cc.MaxX, cc.MaxY)
	}

	src, err := camera.OpenV4L2(ctx, cc.Index)
	if err != nil {
		return "unavailable", err.Error()
	}

	a := camera.NewAdapter(cc.Name, src, pipe, readTimeout)
	defer a.Close()
	a.Warmup(ctx, warmupFrames)

	shot := a.Capture(ctx)
	if shot.Stale {
		return "no frames", fmt.Sprintf("nothing produced within %s", readTimeout)
	}

	detail = fmt.Sprintf("%dx%d", camera.FrameWidth, camera.FrameHeight)
	if cc.HasCrop() {
		detail += fmt.Sprintf(", crop %dx%d", cc.MaxX-cc.MinX, cc.MaxY-cc.MinY)
	}
	if cc.Flipped {
		detail += ", flipped"
	}

	if saveDir != "" {
		path := filepath.Join(saveDir, cc.Name+".jpg")
		if err := saveSnapshot(path, shot.Frame.Tensor); err != nil {
			return "ok", fmt.Sprintf("%s (snapshot failed: %v)", detail, err)
		}
		detail += " -> " + path
	}
	return "ok", detail
}

func saveSnapshot(path string, tensor []byte) error {
	img, err := camera.TensorImage(tensor, camera.FrameHeight, camera.FrameWidth)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return jpeg.Encode(f, img, &jpeg.Options{Quality: 90})
}
