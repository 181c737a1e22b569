package pstack

import(
	"errors"
	"fmt"

	"github.com/abworrall/planet-stack/pkg/compute"
	"github.com/abworrall/planet-stack/pkg/ser"
)

// The error kinds a pipeline run can surface. Reader and backend errors
// are re-exported so callers only need to match against this package.
var(
	ErrInvalidHeader      = ser.ErrInvalidHeader
	ErrUnsupportedFormat  = ser.ErrUnsupportedFormat
	ErrBackendUnavailable = compute.ErrBackendUnavailable

	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrAlignmentFailed = errors.New("alignment failed")
	ErrCancelled       = errors.New("cancelled")
	ErrNumerical       = errors.New("numerical failure")
)

// A StageError wraps a stage failure with the stage's name, so the driver
// can report exactly which stage fell over.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError)Error() string { return fmt.Sprintf("stage %s: %v", e.Stage, e.Err) }
func (e *StageError)Unwrap() error { return e.Err }
