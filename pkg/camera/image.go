package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"math"

	xdraw "golang.org/x/image/draw"
)

// FrameHeight and FrameWidth are the tensor dimensions every observation
// frame is normalized to.
const (
	FrameHeight = 224
	FrameWidth  = 224

	frameChannels = 3
)

// Pipeline holds the per-camera transforms applied to every raw frame:
// optional crop, optional horizontal flip, then an aspect-preserving resize
// onto a black canvas. Output is a planar CHW uint8 tensor.
type Pipeline struct {
	Flip bool
	// Crop is the region to keep, in raw-frame coordinates (crop regions
	// are calibrated on unflipped frames). The zero rectangle disables
	// cropping.
	Crop   image.Rectangle
	Height int
	Width  int
}

func (p Pipeline) targetSize() (h, w int) {
	h, w = p.Height, p.Width
	if h <= 0 {
		h = FrameHeight
	}
	if w <= 0 {
		w = FrameWidth
	}
	return h, w
}

// Process decodes one JPEG frame and applies the pipeline's transforms.
func (p Pipeline) Process(jpegFrame []byte) ([]byte, error) {
	src, err := jpeg.Decode(bytes.NewReader(jpegFrame))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	rgba := toRGBA(src)
	if !p.Crop.Empty() {
		r := p.Crop.Intersect(rgba.Bounds())
		if r.Empty() {
			return nil, fmt.Errorf("crop %v outside frame %v", p.Crop, rgba.Bounds())
		}
		rgba = rgba.SubImage(r).(*image.RGBA)
	}
	if p.Flip {
		flipHorizontal(rgba)
	}

	h, w := p.targetSize()
	return toCHW(resizeWithPad(rgba, h, w)), nil
}

// Blank returns an all-zero tensor of the pipeline's output shape. Used in
// place of frames from a camera that has never delivered one, so the
// observation layout stays fixed.
func (p Pipeline) Blank() []byte {
	h, w := p.targetSize()
	return make([]byte, frameChannels*h*w)
}

func toRGBA(src image.Image) *image.RGBA {
	if rgba, ok := src.(*image.RGBA); ok {
		return rgba
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// flipHorizontal mirrors the image in place.
func flipHorizontal(img *image.RGBA) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x1, x2 := b.Min.X, b.Max.X-1; x1 < x2; x1, x2 = x1+1, x2-1 {
			o1 := img.PixOffset(x1, y)
			o2 := img.PixOffset(x2, y)
			for c := 0; c < 4; c++ {
				img.Pix[o1+c], img.Pix[o2+c] = img.Pix[o2+c], img.Pix[o1+c]
			}
		}
	}
}

// resizeWithPad scales src to fit h×w without changing its aspect ratio and
// centers it on a black canvas. The inference server expects letterboxing,
// not stretching.
func resizeWithPad(src *image.RGBA, h, w int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))

	sb := src.Bounds()
	if sb.Dx() == 0 || sb.Dy() == 0 {
		return dst
	}

	ratio := math.Min(float64(w)/float64(sb.Dx()), float64(h)/float64(sb.Dy()))
	sw := int(math.Round(float64(sb.Dx()) * ratio))
	sh := int(math.Round(float64(sb.Dy()) * ratio))
	if sw < 1 {
		sw = 1
	}
	if sh < 1 {
		sh = 1
	}

	x0 := (w - sw) / 2
	y0 := (h - sh) / 2
	xdraw.ApproxBiLinear.Scale(dst, image.Rect(x0, y0, x0+sw, y0+sh), src, sb, xdraw.Src, nil)
	return dst
}

// TensorImage converts a planar CHW tensor back to an RGBA image, the
// inverse of Process. Used by the camera probing tool to write snapshots.
func TensorImage(tensor []byte, h, w int) (*image.RGBA, error) {
	if len(tensor) != frameChannels*h*w {
		return nil, fmt.Errorf("tensor has %d bytes, want %d for %dx%d", len(tensor), frameChannels*h*w, w, h)
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	plane := h * w
	i := 0
	for y := 0; y < h; y++ {
		o := img.PixOffset(0, y)
		for x := 0; x < w; x++ {
			img.Pix[o] = tensor[i]
			img.Pix[o+1] = tensor[plane+i]
			img.Pix[o+2] = tensor[2*plane+i]
			img.Pix[o+3] = 0xff
			i++
			o += 4
		}
	}
	return img, nil
}

// toCHW converts an RGBA image to a planar CHW uint8 tensor, dropping alpha.
func toCHW(img *image.RGBA) []byte {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	out := make([]byte, frameChannels*h*w)
	plane := h * w
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		o := img.PixOffset(b.Min.X, y)
		for x := 0; x < w; x++ {
			out[i] = img.Pix[o]
			out[plane+i] = img.Pix[o+1]
			out[2*plane+i] = img.Pix[o+2]
			i++
			o += 4
		}
	}
	return out
}
