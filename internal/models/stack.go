package models

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch is returned when frames or per-pixel arrays do not share
// the dimensions of the stack they are combined with.
var ErrShapeMismatch = errors.New("shape mismatch")

// Frame represents a single 2D detector image
type Frame struct {
	// Data holds the pixel values in row-major order (x varies fastest)
	Data []float64

	// Width is the number of pixels along a row
	Width int

	// Height is the number of rows
	Height int
}

// NewFrame allocates a zero-valued frame of the given size
func NewFrame(width, height int) *Frame {
	return &Frame{
		Data:   make([]float64, width*height),
		Width:  width,
		Height: height,
	}
}

// At returns the value at pixel (x, y)
func (f *Frame) At(x, y int) float64 {
	return f.Data[y*f.Width+x]
}

// Set stores v at pixel (x, y)
func (f *Frame) Set(x, y int, v float64) {
	f.Data[y*f.Width+x] = v
}

// Pixels returns the number of pixels in the frame
func (f *Frame) Pixels() int {
	return f.Width * f.Height
}

// Clone returns a deep copy of the frame
func (f *Frame) Clone() *Frame {
	out := &Frame{
		Data:   make([]float64, len(f.Data)),
		Width:  f.Width,
		Height: f.Height,
	}
	copy(out.Data, f.Data)
	return out
}

// Validate checks that the data length matches the declared dimensions
func (f *Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: frame dimensions %dx%d", ErrShapeMismatch, f.Width, f.Height)
	}
	if len(f.Data) != f.Width*f.Height {
		return fmt.Errorf("%w: frame %dx%d holds %d values", ErrShapeMismatch, f.Width, f.Height, len(f.Data))
	}
	return nil
}

// Stack represents several same-shaped frames arranged along a third axis.
//
// Values are stored pixel-major: the Frames observations of one pixel are
// contiguous, so per-pixel statistics walk a single short slice.
type Stack struct {
	// Data holds Width*Height*Frames values, index (y*Width+x)*Frames+k
	Data []float64

	// Width, Height are the dimensions of every frame in the stack
	Width, Height int

	// Frames is the number of frames along the stacking axis
	Frames int
}

// NewStack allocates a zero-valued stack
func NewStack(width, height, frames int) *Stack {
	return &Stack{
		Data:   make([]float64, width*height*frames),
		Width:  width,
		Height: height,
		Frames: frames,
	}
}

// StackFrames builds a stack from individual frames. All frames must share
// the same width and height.
func StackFrames(frames []*Frame) (*Stack, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: no frames to stack", ErrShapeMismatch)
	}
	first := frames[0]
	if first == nil {
		return nil, fmt.Errorf("%w: frame 0 is nil", ErrShapeMismatch)
	}
	if err := first.Validate(); err != nil {
		return nil, fmt.Errorf("frame 0: %w", err)
	}

	s := NewStack(first.Width, first.Height, len(frames))
	for k, f := range frames {
		if f == nil {
			return nil, fmt.Errorf("%w: frame %d is nil", ErrShapeMismatch, k)
		}
		if f.Width != s.Width || f.Height != s.Height || len(f.Data) != s.Pixels() {
			return nil, fmt.Errorf("%w: frame %d is %dx%d, expected %dx%d",
				ErrShapeMismatch, k, f.Width, f.Height, s.Width, s.Height)
		}
		s.SetFrame(k, f)
	}
	return s, nil
}

// Pixels returns the number of pixels in one frame of the stack
func (s *Stack) Pixels() int {
	return s.Width * s.Height
}

// Pixel returns the observations of pixel i across all frames.
// The returned slice aliases the stack data.
func (s *Stack) Pixel(i int) []float64 {
	return s.Data[i*s.Frames : (i+1)*s.Frames]
}

// At returns the value of pixel (x, y) in frame k
func (s *Stack) At(x, y, k int) float64 {
	return s.Data[(y*s.Width+x)*s.Frames+k]
}

// Set stores v at pixel (x, y) in frame k
func (s *Stack) Set(x, y, k int, v float64) {
	s.Data[(y*s.Width+x)*s.Frames+k] = v
}

// Frame extracts frame k as a new 2D frame
func (s *Stack) Frame(k int) *Frame {
	f := NewFrame(s.Width, s.Height)
	for i := range f.Data {
		f.Data[i] = s.Data[i*s.Frames+k]
	}
	return f
}

// SetFrame copies f into frame slot k. f must match the stack dimensions.
func (s *Stack) SetFrame(k int, f *Frame) {
	for i, v := range f.Data {
		s.Data[i*s.Frames+k] = v
	}
}

// Clone returns a deep copy of the stack
func (s *Stack) Clone() *Stack {
	out := &Stack{
		Data:   make([]float64, len(s.Data)),
		Width:  s.Width,
		Height: s.Height,
		Frames: s.Frames,
	}
	copy(out.Data, s.Data)
	return out
}

// Validate checks the stack dimensions against its data
func (s *Stack) Validate() error {
	if s.Width <= 0 || s.Height <= 0 || s.Frames <= 0 {
		return fmt.Errorf("%w: stack dimensions %dx%dx%d", ErrShapeMismatch, s.Width, s.Height, s.Frames)
	}
	if len(s.Data) != s.Width*s.Height*s.Frames {
		return fmt.Errorf("%w: stack %dx%dx%d holds %d values",
			ErrShapeMismatch, s.Width, s.Height, s.Frames, len(s.Data))
	}
	return nil
}

// CheckFrame verifies that a 2D frame matches the stack's width and height
func (s *Stack) CheckFrame(f *Frame) error {
	if f == nil {
		return fmt.Errorf("%w: nil frame", ErrShapeMismatch)
	}
	if f.Width != s.Width || f.Height != s.Height || len(f.Data) != s.Pixels() {
		return fmt.Errorf("%w: frame is %dx%d, stack is %dx%d",
			ErrShapeMismatch, f.Width, f.Height, s.Width, s.Height)
	}
	return nil
}
