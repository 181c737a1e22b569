package pstack

import(
	"fmt"
	"math"

	"github.com/abworrall/planet-stack/pkg/compute"
	"github.com/abworrall/planet-stack/pkg/pmath"
)

// Iterative deconvolution, run before the wavelets when configured. All
// convolutions happen in the frequency domain; the PSF's transform (and
// its flip's) is computed once and reused across iterations.

type DeconvMethod int

const (
	// DeconvRichardsonLucy: multiplicative updates, non-negative,
	// flux-preserving. 10-50 iterations is the useful range.
	DeconvRichardsonLucy DeconvMethod = iota
	// DeconvWiener: one-pass frequency-domain filter with a
	// noise-to-signal floor K.
	DeconvWiener
)

func (m DeconvMethod)String() string {
	if m == DeconvWiener { return "wiener" }
	return "richardsonlucy"
}

type DeconvParams struct {
	Method     DeconvMethod
	Iterations int     // richardson-lucy
	NoiseRatio float64 // wiener K
	Psf        PsfParams
}

func DefaultDeconvParams() DeconvParams {
	return DeconvParams{
		Method:     DeconvRichardsonLucy,
		Iterations: 20,
		NoiseRatio: 0.01,
		Psf:        PsfParams{Model: PsfGaussian, Sigma: 1.5},
	}
}

func (p DeconvParams)validate() error {
	if p.Method == DeconvRichardsonLucy && p.Iterations < 1 {
		return fmt.Errorf("%w: deconvolution iterations %d", ErrInvalidConfig, p.Iterations)
	}
	if p.Method == DeconvWiener && p.NoiseRatio < 0.0 {
		return fmt.Errorf("%w: wiener noise ratio %g", ErrInvalidConfig, p.NoiseRatio)
	}
	return p.Psf.validate()
}

// Deconvolve sharpens f with the configured algorithm, clamped to [0,1].
func Deconvolve(f Frame, p DeconvParams, be compute.Backend) (Frame, error) {
	if err := p.validate(); err != nil {
		return Frame{}, err
	}

	// A NaN or Inf anywhere spreads to the whole frame through the FFTs
	// and the multiplicative updates can't recover it
	for _, v := range f.Grid.Values() {
		f64 := float64(v)
		if math.IsNaN(f64) || math.IsInf(f64, 0) {
			return Frame{}, fmt.Errorf("%w: non-finite pixels in deconvolution input", ErrNumerical)
		}
	}

	// The backend FFT pads to powers of two; the PSF has to be laid out
	// at the padded size, or the wrap-around taps land in the wrong place
	// and the circular convolution shifts the image.
	w, h := f.Grid.Dx(), f.Grid.Dy()
	psf := GeneratePSF(p.Psf, pmath.NextPow2(w), pmath.NextPow2(h), be)

	var out pmath.Grid
	switch p.Method {
	case DeconvWiener:
		out = wienerFilter(&f.Grid, &psf, p.NoiseRatio)
	default:
		out = richardsonLucy(&f.Grid, &psf, p.Iterations, be)
	}
	out.Clamp01()

	return Frame{Grid: out, BitDepth: f.BitDepth, Index: f.Index, TimestampUS: f.TimestampUS}, nil
}

// richardsonLucy iterates E <- E * (Hflip (x) (O / (H (x) E + eps))),
// entirely through the backend so the GPU path keeps the loop on-device.
func richardsonLucy(obs *pmath.Grid, psf *pmath.Grid, iterations int, be compute.Backend) pmath.Grid {
	w, h := obs.Dx(), obs.Dy()
	const epsilon = 1e-10

	observed := be.Upload(*obs)
	hFFT := be.FFT2D(be.Upload(*psf))

	// Flipped PSF: psf[-r,-c], which in wrap-around layout is [ph-r, pw-c]
	pw, ph := psf.Dx(), psf.Dy()
	flipped := pmath.NewGrid(pw, ph)
	for y := 0; y < ph; y++ {
		sy := 0
		if y > 0 { sy = ph - y }
		for x := 0; x < pw; x++ {
			sx := 0
			if x > 0 { sx = pw - x }
			flipped.Set(x, y, psf.Get(sx, sy))
		}
	}
	hFlipFFT := be.FFT2D(be.Upload(flipped))

	estimate := be.Upload(*obs)

	for iter := 0; iter < iterations; iter++ {
		estFFT := be.FFT2D(estimate)
		blurred := be.IFFT2DReal(be.ComplexMul(estFFT, hFFT), h, w)

		ratio := be.DivideReal(observed, blurred, epsilon)

		ratioFFT := be.FFT2D(ratio)
		correction := be.IFFT2DReal(be.ComplexMul(ratioFFT, hFlipFFT), h, w)

		estimate = be.MultiplyReal(estimate, correction)
	}

	return be.Download(estimate)
}

// wienerFilter computes IFFT(O(f) H*(f) / (|H(f)|^2 + K)). It runs on the
// CPU even when a GPU backend is active: it is a single pass, and the
// complex quotient isn't part of the backend op set.
func wienerFilter(obs *pmath.Grid, psf *pmath.Grid, noiseRatio float64) pmath.Grid {
	w, h := obs.Dx(), obs.Dy()
	cpu := compute.NewCPUBackend()

	oBuf := cpu.FFT2D(cpu.Upload(*obs))
	hBuf := cpu.FFT2D(cpu.Upload(*psf))
	ph, pw := oBuf.H, oBuf.W

	oGrid := cpu.Download(oBuf)
	oVals := oGrid.Values()
	hGrid := cpu.Download(hBuf)
	hVals := hGrid.Values()

	restored := make([]float32, 2*ph*pw)
	for i := 0; i < ph*pw; i++ {
		oRe, oIm := float64(oVals[2*i]), float64(oVals[2*i+1])
		hRe, hIm := float64(hVals[2*i]), float64(hVals[2*i+1])

		denom := hRe*hRe + hIm*hIm + noiseRatio
		if math.Abs(denom) < 1e-30 { continue }

		// O * conj(H) / denom
		restored[2*i] = float32((oRe*hRe + oIm*hIm) / denom)
		restored[2*i+1] = float32((oIm*hRe - oRe*hIm) / denom)
	}

	return cpu.Download(cpu.IFFT2DReal(cpu.ComplexBuffer(ph, pw, restored), h, w))
}
