// Package frameio reads raw detector frames from FITS and raster files,
// writes combined frames back to FITS and assembles frames into stacks.
package frameio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/astrogo/fitsio"

	"specstack/internal/models"
)

// ErrNoImage is returned for FITS files without a 2D image HDU
var ErrNoImage = errors.New("no image data")

// Exposure is a frame read from disk together with its exposure time
type Exposure struct {
	// Path is the file the frame was read from
	Path string

	// Frame holds the pixel values in counts
	Frame *models.Frame

	// Exptime is the exposure time in seconds, 0 when unknown
	Exptime float64
}

// IsFITS reports whether path has a FITS file extension
func IsFITS(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".fits", ".fit", ".fts":
		return true
	}
	return false
}

// ReadExposure reads a FITS or raster frame depending on the file extension
func ReadExposure(path string) (*Exposure, error) {
	if IsFITS(path) {
		return ReadFITS(path)
	}
	f, err := ReadRaster(path)
	if err != nil {
		return nil, err
	}
	return &Exposure{Path: path, Frame: f}, nil
}

// ReadFITS reads the first two-dimensional image HDU of a FITS file.
// BZERO and BSCALE are applied so the frame holds physical counts.
func ReadFITS(path string) (*Exposure, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	f, err := fitsio.Open(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open FITS file %s: %w", path, err)
	}
	defer f.Close()

	for _, hdu := range f.HDUs() {
		img, ok := hdu.(fitsio.Image)
		if !ok {
			continue
		}
		hdr := img.Header()
		axes := hdr.Axes()
		if len(axes) < 2 || axes[0] == 0 || axes[1] == 0 {
			continue
		}
		// Higher axes of size 1 are tolerated; cubes are not frames
		for _, n := range axes[2:] {
			if n != 1 {
				return nil, fmt.Errorf("%w: %s has a %d-dimensional image %v", ErrNoImage, path, len(axes), axes)
			}
		}

		width, height := axes[0], axes[1]
		data, err := readPixels(img, width*height)
		if err != nil {
			return nil, fmt.Errorf("failed to read image data from %s: %w", path, err)
		}

		bzero := cardFloat(hdr, "BZERO", 0)
		bscale := cardFloat(hdr, "BSCALE", 1)
		if bzero != 0 || bscale != 1 {
			for i, v := range data {
				data[i] = bzero + bscale*v
			}
		}

		exptime := cardFloat(hdr, "EXPTIME", 0)
		if exptime == 0 {
			exptime = cardFloat(hdr, "EXPOSURE", 0)
		}

		return &Exposure{
			Path:    path,
			Frame:   &models.Frame{Data: data, Width: width, Height: height},
			Exptime: exptime,
		}, nil
	}

	return nil, fmt.Errorf("%w in %s", ErrNoImage, path)
}

// pixel is an element type fitsio can read an image into
type pixel interface {
	uint8 | int16 | int32 | int64 | float32 | float64
}

// readPixels reads the n raw values of img as float64. fitsio only reads
// into a preallocated slice whose element type matches BITPIX.
func readPixels(img fitsio.Image, n int) ([]float64, error) {
	switch bitpix := img.Header().Bitpix(); bitpix {
	case 8:
		return readAs[uint8](img, n)
	case 16:
		return readAs[int16](img, n)
	case 32:
		return readAs[int32](img, n)
	case 64:
		return readAs[int64](img, n)
	case -32:
		return readAs[float32](img, n)
	case -64:
		return readAs[float64](img, n)
	default:
		return nil, fmt.Errorf("unsupported BITPIX %d", bitpix)
	}
}

func readAs[T pixel](img fitsio.Image, n int) ([]float64, error) {
	raw := make([]T, n)
	if err := img.Read(&raw); err != nil {
		return nil, err
	}
	if len(raw) != n {
		return nil, fmt.Errorf("%w: read %d values, want %d", models.ErrShapeMismatch, len(raw), n)
	}
	data := make([]float64, n)
	for i, v := range raw {
		data[i] = float64(v)
	}
	return data, nil
}

// cardFloat returns the numeric value of a header card, or def when the
// card is missing or not a number
func cardFloat(hdr *fitsio.Header, name string, def float64) float64 {
	card := hdr.Get(name)
	if card == nil {
		return def
	}
	switch v := card.Value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	}
	return def
}

// WriteFITS writes frame as a 64-bit float primary image with the given
// extra header cards. Parent directories are created as needed.
func WriteFITS(path string, frame *models.Frame, cards ...fitsio.Card) error {
	if frame == nil {
		return fmt.Errorf("%w: no frame to write to %s", models.ErrShapeMismatch, path)
	}
	if err := frame.Validate(); err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	w, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := writeImage(w, frame, cards); err != nil {
		w.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return w.Close()
}

// writeImage streams frame as a FITS file to w
func writeImage(w io.Writer, frame *models.Frame, cards []fitsio.Card) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()

	im := fitsio.NewImage(-64, []int{frame.Width, frame.Height})
	defer im.Close()

	if err := im.Header().Append(cards...); err != nil {
		return err
	}
	if err := im.Write(frame.Data); err != nil {
		return err
	}
	return fits.Write(im)
}
