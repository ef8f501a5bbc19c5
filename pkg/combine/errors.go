package combine

import (
	"errors"
	"fmt"

	"specstack/internal/models"
)

var (
	// ErrConfiguration is the parent of every invalid-parameter error
	ErrConfiguration = errors.New("configuration error")

	// ErrMissingInput is returned when no frame stack is supplied
	ErrMissingInput = errors.New("missing input frames")

	// ErrShapeMismatch is returned when dimensions of the stack, weights or
	// per-pixel arrays disagree
	ErrShapeMismatch = models.ErrShapeMismatch
)

var (
	ErrUnknownMethod   = fmt.Errorf("%w: unknown combination method", ErrConfiguration)
	ErrUnknownMode     = fmt.Errorf("%w: unknown saturated pixel mode", ErrConfiguration)
	ErrUnknownReplace  = fmt.Errorf("%w: unknown replacement rule", ErrConfiguration)
	ErrInvalidPolicy   = fmt.Errorf("%w: invalid rejection policy", ErrConfiguration)
	ErrMissingDetector = fmt.Errorf("%w: missing detector parameters", ErrConfiguration)
	ErrInvalidMask     = fmt.Errorf("%w: invalid mask value", ErrConfiguration)
)
