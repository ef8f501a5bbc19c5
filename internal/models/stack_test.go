package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frameOf builds a frame where every pixel holds its index plus offset
func frameOf(width, height int, offset float64) *Frame {
	f := NewFrame(width, height)
	for i := range f.Data {
		f.Data[i] = float64(i) + offset
	}
	return f
}

func TestStackFramesLayout(t *testing.T) {
	frames := []*Frame{frameOf(4, 3, 0), frameOf(4, 3, 100), frameOf(4, 3, 200)}

	s, err := StackFrames(frames)
	require.NoError(t, err)
	require.NoError(t, s.Validate())

	assert.Equal(t, 4, s.Width)
	assert.Equal(t, 3, s.Height)
	assert.Equal(t, 3, s.Frames)

	// pixel (2,1) has index 6 in every frame
	assert.Equal(t, []float64{6, 106, 206}, s.Pixel(6))
	assert.Equal(t, 106.0, s.At(2, 1, 1))

	for k, f := range frames {
		assert.Equal(t, f.Data, s.Frame(k).Data, "frame %d round trip", k)
	}
}

func TestStackFramesShapeMismatch(t *testing.T) {
	_, err := StackFrames([]*Frame{frameOf(4, 3, 0), frameOf(3, 4, 0)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	_, err = StackFrames(nil)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = StackFrames([]*Frame{frameOf(2, 2, 0), nil})
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestStackCloneIsIndependent(t *testing.T) {
	s, err := StackFrames([]*Frame{frameOf(2, 2, 0), frameOf(2, 2, 1)})
	require.NoError(t, err)

	c := s.Clone()
	c.Set(0, 0, 0, -1)
	assert.Equal(t, 0.0, s.At(0, 0, 0))
	assert.Equal(t, -1.0, c.At(0, 0, 0))
}

func TestValidate(t *testing.T) {
	s := &Stack{Width: 2, Height: 2, Frames: 2, Data: make([]float64, 7)}
	assert.ErrorIs(t, s.Validate(), ErrShapeMismatch)

	f := &Frame{Width: 0, Height: 2}
	assert.ErrorIs(t, f.Validate(), ErrShapeMismatch)

	good := NewStack(2, 2, 2)
	assert.NoError(t, good.CheckFrame(NewFrame(2, 2)))
	assert.ErrorIs(t, good.CheckFrame(NewFrame(2, 3)), ErrShapeMismatch)
	assert.ErrorIs(t, good.CheckFrame(nil), ErrShapeMismatch)
}
