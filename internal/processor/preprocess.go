package processor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// Preprocessing operations
const (
	OpGreyscale = "greyscale"
	OpCrop      = "crop"
	OpZoom      = "zoom"
	OpRotate    = "rotate"
	OpThreshold = "threshold"
	OpInvert    = "invert"
	OpBlur      = "blur"
	OpSharpen   = "sharpen"
	OpContrast  = "contrast"
	OpResize    = "resize"
	OpErode     = "erode"
	OpDilate    = "dilate"
)

// Argument limits that keep preprocessing within a recognition budget
const (
	MaxMorphRadius     = 10
	MaxMorphIterations = 10
	MaxResizeDimension = 4096
	MaxBlurSigma       = 20
)

// Task is one image operation, e.g. {"op": "zoom", "args": [0.1, 0.2, 0.5, 0.3]}
type Task struct {
	Op   string    `json:"op"`
	Args []float64 `json:"args,omitempty"`
}

// argument count bounds per operation
var taskArity = map[string][2]int{
	OpGreyscale: {0, 0},
	OpCrop:      {4, 4},
	OpZoom:      {4, 4},
	OpRotate:    {1, 1},
	OpThreshold: {1, 1},
	OpInvert:    {0, 0},
	OpBlur:      {1, 1},
	OpSharpen:   {1, 1},
	OpContrast:  {1, 1},
	OpResize:    {2, 2},
	OpErode:     {1, 2},
	OpDilate:    {1, 2},
}

// Check validates the operation name and its arguments
func (t Task) Check() error {
	arity, ok := taskArity[t.Op]
	if !ok {
		return fmt.Errorf("unknown preprocessing task %q", t.Op)
	}
	if n := len(t.Args); n < arity[0] || n > arity[1] {
		return fmt.Errorf("task %s takes %d-%d arguments, got %d", t.Op, arity[0], arity[1], n)
	}
	switch t.Op {
	case OpZoom:
		for _, a := range t.Args {
			if a < 0 || a > 1 {
				return fmt.Errorf("zoom arguments are fractions in [0,1]")
			}
		}
		if t.Args[2] == 0 || t.Args[3] == 0 {
			return fmt.Errorf("zoom region is empty")
		}
	case OpCrop:
		if t.Args[2] <= 0 || t.Args[3] <= 0 {
			return fmt.Errorf("crop region is empty")
		}
	case OpThreshold:
		if t.Args[0] < 0 || t.Args[0] > 255 {
			return fmt.Errorf("threshold must be within [0,255]")
		}
	case OpResize:
		if t.Args[0] < 0 || t.Args[1] < 0 || (t.Args[0] == 0 && t.Args[1] == 0) {
			return fmt.Errorf("resize needs a positive width or height")
		}
		if t.Args[0] > MaxResizeDimension || t.Args[1] > MaxResizeDimension {
			return fmt.Errorf("resize is limited to %d pixels per side", MaxResizeDimension)
		}
	case OpContrast:
		if t.Args[0] < -100 || t.Args[0] > 100 {
			return fmt.Errorf("contrast must be within [-100,100]")
		}
	case OpBlur, OpSharpen:
		if t.Args[0] < 0 || t.Args[0] > MaxBlurSigma {
			return fmt.Errorf("%s sigma must be within [0,%d]", t.Op, MaxBlurSigma)
		}
	case OpErode, OpDilate:
		if t.Args[0] < 0 || t.Args[0] > MaxMorphRadius {
			return fmt.Errorf("%s radius must be within [0,%d]", t.Op, MaxMorphRadius)
		}
		if len(t.Args) > 1 && (t.Args[1] < 1 || t.Args[1] > MaxMorphIterations) {
			return fmt.Errorf("%s iterations must be within [1,%d]", t.Op, MaxMorphIterations)
		}
	}
	return nil
}

// CheckTasks validates every task in order
func CheckTasks(tasks []Task) error {
	for i, t := range tasks {
		if err := t.Check(); err != nil {
			return fmt.Errorf("preprocess[%d]: %w", i, err)
		}
	}
	return nil
}

// Preprocess applies tasks in order and returns a new PNG image.
// With no tasks the input image is returned as is. Cancellation of ctx is
// checked between tasks and while filtering, and returned as ctx.Err().
func Preprocess(ctx context.Context, img Image, tasks []Task) (Image, error) {
	if len(tasks) == 0 {
		return img, nil
	}
	if err := CheckTasks(tasks); err != nil {
		return Image{}, err
	}

	data, err := img.Bytes()
	if err != nil {
		return Image{}, err
	}
	decoded, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return Image{}, fmt.Errorf("failed to decode image: %w", err)
	}

	var out image.Image = decoded
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return Image{}, err
		}
		if out, err = applyTask(ctx, out, t); err != nil {
			return Image{}, err
		}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.PNG); err != nil {
		return Image{}, fmt.Errorf("failed to encode image: %w", err)
	}
	return NewImageFromBytes(buf.Bytes(), FormatPNG), nil
}

func applyTask(ctx context.Context, img image.Image, t Task) (image.Image, error) {
	switch t.Op {
	case OpErode, OpDilate:
		radius, iterations := int(t.Args[0]), 1
		if len(t.Args) > 1 {
			iterations = int(t.Args[1])
		}
		out := imaging.Clone(img)
		for i := 0; i < iterations && radius > 0; i++ {
			var err error
			if out, err = rankFilter(ctx, out, radius, t.Op == OpDilate); err != nil {
				return nil, err
			}
		}
		return out, nil
	default:
		return transform(img, t), nil
	}
}

func transform(img image.Image, t Task) image.Image {
	switch t.Op {
	case OpGreyscale:
		return imaging.Grayscale(img)
	case OpCrop:
		x, y := int(t.Args[0]), int(t.Args[1])
		return imaging.Crop(img, image.Rect(x, y, x+int(t.Args[2]), y+int(t.Args[3])))
	case OpZoom:
		return imaging.Crop(img, zoomRect(img.Bounds(), t.Args[0], t.Args[1], t.Args[2], t.Args[3]))
	case OpRotate:
		if t.Args[0] == 0 {
			return img
		}
		return imaging.Rotate(img, t.Args[0], color.Black)
	case OpThreshold:
		return threshold(img, t.Args[0])
	case OpInvert:
		return imaging.Invert(img)
	case OpBlur:
		return imaging.Blur(img, t.Args[0])
	case OpSharpen:
		return imaging.Sharpen(img, t.Args[0])
	case OpContrast:
		return imaging.AdjustContrast(img, t.Args[0])
	case OpResize:
		return imaging.Resize(img, int(t.Args[0]), int(t.Args[1]), imaging.Lanczos)
	}
	return img
}

// zoomRect converts fractional ROI coordinates to pixels
func zoomRect(b image.Rectangle, fx, fy, fw, fh float64) image.Rectangle {
	w, h := float64(b.Dx()), float64(b.Dy())
	x0 := b.Min.X + int(math.Round(fx*w))
	y0 := b.Min.Y + int(math.Round(fy*h))
	return image.Rect(x0, y0, x0+int(math.Round(fw*w)), y0+int(math.Round(fh*h)))
}

// threshold sets pixels brighter than v to white and the rest to black
func threshold(img image.Image, v float64) *image.NRGBA {
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		lum := 0.299*float64(c.R) + 0.587*float64(c.G) + 0.114*float64(c.B)
		if lum > v {
			return color.NRGBA{R: 255, G: 255, B: 255, A: c.A}
		}
		return color.NRGBA{A: c.A}
	})
}

// rankFilter replaces each pixel with the per-channel min (erode) or max (dilate)
// over a (2r+1)x(2r+1) window. The square window is applied as a horizontal
// then a vertical pass.
func rankFilter(ctx context.Context, src *image.NRGBA, r int, useMax bool) (*image.NRGBA, error) {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	tmp := image.NewNRGBA(image.Rect(0, 0, w, h))
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))

	pass := func(from, to *image.NRGBA, horizontal bool) error {
		for y := 0; y < h; y++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			for x := 0; x < w; x++ {
				var acc [4]uint8
				if !useMax {
					acc = [4]uint8{255, 255, 255, 255}
				}
				for d := -r; d <= r; d++ {
					xx, yy := x, y
					if horizontal {
						xx = clamp(x+d, 0, w-1)
					} else {
						yy = clamp(y+d, 0, h-1)
					}
					i := yy*from.Stride + xx*4
					for c := 0; c < 4; c++ {
						p := from.Pix[i+c]
						if (useMax && p > acc[c]) || (!useMax && p < acc[c]) {
							acc[c] = p
						}
					}
				}
				copy(to.Pix[y*to.Stride+x*4:], acc[:])
			}
		}
		return nil
	}

	if err := pass(src, tmp, true); err != nil {
		return nil, err
	}
	if err := pass(tmp, dst, false); err != nil {
		return nil, err
	}
	return dst, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
