// Package preview renders frames and stacks to quick-look grayscale images.
package preview

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"specstack/internal/models"
)

// Default percentiles of the display stretch
const (
	DefaultLowPercentile  = 0.005
	DefaultHighPercentile = 0.995
)

// Viewer renders the frames of a stack with a percentile stretch.
// Observations equal to the mask value are drawn black and ignored when
// computing the stretch.
type Viewer struct {
	// stack holds the frames to display
	stack *models.Stack

	// mask marks rejected observations
	mask float64

	// percentiles of the display range
	low  float64
	high float64
}

// NewViewer creates a viewer over every frame of stack
func NewViewer(stack *models.Stack, mask float64) *Viewer {
	return &Viewer{
		stack: stack,
		mask:  mask,
		low:   DefaultLowPercentile,
		high:  DefaultHighPercentile,
	}
}

// NewFrameViewer creates a viewer over a single frame
func NewFrameViewer(frame *models.Frame, mask float64) *Viewer {
	stack := &models.Stack{Data: frame.Data, Width: frame.Width, Height: frame.Height, Frames: 1}
	return NewViewer(stack, mask)
}

// SetStretch sets the percentiles mapped to black and white
func (v *Viewer) SetStretch(low, high float64) error {
	if low < 0 || high > 1 || low >= high {
		return fmt.Errorf("invalid stretch [%g, %g]: need 0 <= low < high <= 1", low, high)
	}
	v.low, v.high = low, high
	return nil
}

// Frames returns the number of frames the viewer can render
func (v *Viewer) Frames() int {
	return v.stack.Frames
}

// ExtractFrame renders frame k as a 16-bit grayscale image
func (v *Viewer) ExtractFrame(k int) (image.Image, error) {
	if k < 0 || k >= v.stack.Frames {
		return nil, fmt.Errorf("frame %d out of range [0, %d)", k, v.stack.Frames)
	}
	return Render(v.stack.Frame(k), v.low, v.high, v.mask), nil
}

// ExtractRegion cuts a rectangular region out of every frame
func (v *Viewer) ExtractRegion(startX, startY, sizeX, sizeY int) (*models.Stack, error) {
	if err := checkRegion(v.stack.Width, v.stack.Height, startX, startY, sizeX, sizeY); err != nil {
		return nil, err
	}

	region := models.NewStack(sizeX, sizeY, v.stack.Frames)
	for y := 0; y < sizeY; y++ {
		for x := 0; x < sizeX; x++ {
			copy(region.Pixel(y*sizeX+x), v.stack.Pixel((startY+y)*v.stack.Width+startX+x))
		}
	}
	return region, nil
}

// SaveFrame saves a rendered frame as PNG or JPEG depending on the extension
func (v *Viewer) SaveFrame(img image.Image, filename string) error {
	return Save(img, filename)
}

// SaveFrameSequence renders and saves every frame as frame_NNN.png
func (v *Viewer) SaveFrameSequence(outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for k := 0; k < v.stack.Frames; k++ {
		img, err := v.ExtractFrame(k)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("frame_%03d.png", k))
		if err := v.SaveFrame(img, filename); err != nil {
			return err
		}
	}

	return nil
}

// Cutout copies a rectangular region of frame
func Cutout(frame *models.Frame, startX, startY, sizeX, sizeY int) (*models.Frame, error) {
	if err := checkRegion(frame.Width, frame.Height, startX, startY, sizeX, sizeY); err != nil {
		return nil, err
	}

	out := models.NewFrame(sizeX, sizeY)
	for y := 0; y < sizeY; y++ {
		src := frame.Data[(startY+y)*frame.Width+startX:]
		copy(out.Data[y*sizeX:(y+1)*sizeX], src[:sizeX])
	}
	return out, nil
}

func checkRegion(width, height, startX, startY, sizeX, sizeY int) error {
	if startX < 0 || startY < 0 {
		return fmt.Errorf("start coordinates must be non-negative")
	}
	if sizeX <= 0 || sizeY <= 0 {
		return fmt.Errorf("size dimensions must be positive")
	}
	if startX+sizeX > width || startY+sizeY > height {
		return fmt.Errorf("region extends beyond frame boundaries")
	}
	return nil
}

// Stretch returns the values at the low and high percentiles of frame,
// ignoring masked and non-finite values. ok is false when no value is usable.
func Stretch(frame *models.Frame, low, high, mask float64) (lo, hi float64, ok bool) {
	values := make([]float64, 0, len(frame.Data))
	for _, x := range frame.Data {
		if x != mask && !math.IsNaN(x) && !math.IsInf(x, 0) {
			values = append(values, x)
		}
	}
	if len(values) == 0 {
		return 0, 0, false
	}

	sort.Float64s(values)
	lo = stat.Quantile(low, stat.Empirical, values, nil)
	hi = stat.Quantile(high, stat.Empirical, values, nil)
	return lo, hi, true
}

// Render maps frame linearly onto 16-bit gray between the low and high
// percentiles. Masked values are drawn black.
func Render(frame *models.Frame, low, high, mask float64) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, frame.Width, frame.Height))

	lo, hi, ok := Stretch(frame, low, high, mask)
	if !ok {
		return img
	}
	scale := 0.0
	if hi > lo {
		scale = 65535 / (hi - lo)
	}

	for y := 0; y < frame.Height; y++ {
		for x := 0; x < frame.Width; x++ {
			v := frame.Data[y*frame.Width+x]
			if v == mask || math.IsNaN(v) {
				continue
			}
			level := 65535.0
			if scale > 0 {
				level = math.Max(0, math.Min(65535, (v-lo)*scale))
			}
			img.SetGray16(x, y, color.Gray16{Y: uint16(math.Round(level))})
		}
	}

	return img
}

// Save writes img as PNG or JPEG depending on the file extension.
// Parent directories are created as needed.
func Save(img image.Image, filename string) error {
	var encode func(io.Writer, image.Image) error
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		encode = func(w io.Writer, m image.Image) error {
			return jpeg.Encode(w, m, &jpeg.Options{Quality: 90})
		}
	case ".png":
		encode = png.Encode
	default:
		return fmt.Errorf("unsupported preview format %q", filepath.Ext(filename))
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := encode(file, img); err != nil {
		return err
	}
	return file.Close()
}
