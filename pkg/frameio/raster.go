package frameio

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/tiff"

	"specstack/internal/models"
)

// ReadRaster loads a PNG, JPEG or TIFF file as a frame of 16-bit counts.
// Colour images are converted to luminance.
func ReadRaster(path string) (*models.Frame, error) {
	img, err := loadImage(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load image %s: %w", path, err)
	}
	return imageToFrame(img), nil
}

// loadImage decodes an image file using the decoder for its extension
func loadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var decode func(io.Reader) (image.Image, error)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		decode = png.Decode
	case ".jpg", ".jpeg":
		decode = jpeg.Decode
	case ".tif", ".tiff":
		decode = tiff.Decode
	default:
		return nil, fmt.Errorf("unsupported image format %q", filepath.Ext(path))
	}

	return decode(file)
}

// imageToFrame converts an image to a frame holding 16-bit gray levels
func imageToFrame(img image.Image) *models.Frame {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	frame := models.NewFrame(width, height)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			g := color.Gray16Model.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray16)
			frame.Data[y*width+x] = float64(g.Y)
		}
	}

	return frame
}
