package compute

import(
	"errors"
	"log"

	"github.com/abworrall/planet-stack/pkg/pmath"
)

// Backend is the compute surface the alignment, stacking and sharpening
// code is written against. The CPU implementation runs everywhere; the GPU
// implementation runs the same op set as compute shaders. A Backend handle
// is immutable and safe to share across goroutines.
//
// Complex buffers hold interleaved [re,im,...] pairs, so their storage row
// is twice the logical width.
type Backend interface {
	Name() string
	IsGPU() bool

	Upload(g pmath.Grid) *Buffer
	Download(b *Buffer) pmath.Grid

	// FFT2D zero-pads to the next powers of two and returns the complex
	// spectrum at the padded dimensions.
	FFT2D(b *Buffer) *Buffer
	// IFFT2DReal inverts a complex spectrum, normalizes, and crops the
	// real part to (h, w).
	IFFT2DReal(b *Buffer, h, w int) *Buffer
	// CrossPowerSpectrum computes a*conj(b) / |a*conj(b)| elementwise,
	// with zero-magnitude elements mapping to zero.
	CrossPowerSpectrum(a, b *Buffer) *Buffer
	ComplexMul(a, b *Buffer) *Buffer

	HannWindow(b *Buffer) *Buffer
	ShiftBilinear(b *Buffer, dx, dy float64) *Buffer
	// ConvolveSeparable applies the 1-D kernel along rows then columns,
	// clamping at the borders.
	ConvolveSeparable(b *Buffer, kernel []float32) *Buffer
	// AtrousConvolve applies the B3 spline kernel dilated by 2^scale,
	// with mirror reflection at the borders.
	AtrousConvolve(b *Buffer, scale int) *Buffer

	DivideReal(a, b *Buffer, epsilon float32) *Buffer
	MultiplyReal(a, b *Buffer) *Buffer

	// FindPeak returns the argmax of a real buffer.
	FindPeak(b *Buffer) (row, col int, val float64)

	Close()
}

// Buffer is an opaque handle to a (h, w) array of float32 that lives
// either host-side or on the device. GPU-resident buffers keep a reference
// to their backend so the device and queue outlive them.
type Buffer struct {
	H, W    int
	Complex bool

	host []float32  // nil for device buffers
	dev  *deviceBuf // nil for host buffers
}

// DevicePreference selects which backend New constructs.
type DevicePreference int

const (
	DeviceAuto DevicePreference = iota
	DeviceCPU
	DeviceGPU
)

func (d DevicePreference)String() string {
	switch d {
	case DeviceCPU: return "cpu"
	case DeviceGPU: return "gpu"
	}
	return "auto"
}

// ErrBackendUnavailable means a GPU was asked for and no adapter could be
// opened (or the build carries the nogpu tag).
var ErrBackendUnavailable = errors.New("compute backend unavailable")

// New builds a backend for the preference. Auto tries the GPU and quietly
// falls back to the CPU; an explicit GPU request fails hard.
func New(pref DevicePreference) (Backend, error) {
	switch pref {
	case DeviceCPU:
		return NewCPUBackend(), nil
	case DeviceGPU:
		return newGPUBackend()
	}

	if b, err := newGPUBackend(); err == nil {
		return b, nil
	} else {
		log.Printf("No usable GPU (%v), falling back to CPU\n", err)
	}
	return NewCPUBackend(), nil
}
