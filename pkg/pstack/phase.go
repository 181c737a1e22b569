package pstack

import(
	"fmt"
	"math"

	"github.com/abworrall/planet-stack/pkg/compute"
	"github.com/abworrall/planet-stack/pkg/pmath"
)

// Phase correlation: Hann-window both images, correlate in the frequency
// domain via the normalized cross-power spectrum, take the argmax of the
// inverse transform, then refine to sub-pixel with a parabola fit. The
// whole thing runs through the compute backend, so the same code serves
// the CPU and the GPU.

// MinCorrelationConfidence is the peak/mean ratio below which an offset is
// flagged low-confidence. A clean planetary correlation lands in the
// hundreds; a featureless or mismatched pair hovers near 1.
const MinCorrelationConfidence = 5.0

// PhaseCorrelate measures the displacement of tgt's content relative to
// ref (target position minus reference position).
func PhaseCorrelate(ref, tgt *pmath.Grid, be compute.Backend) (AlignmentOffset, error) {
	if ref.Dx() != tgt.Dx() || ref.Dy() != tgt.Dy() {
		return AlignmentOffset{}, fmt.Errorf("size mismatch: %dx%d vs %dx%d",
			ref.Dx(), ref.Dy(), tgt.Dx(), tgt.Dy())
	}

	refBuf := be.Upload(*ref)
	tgtBuf := be.Upload(*tgt)

	refFFT := be.FFT2D(be.HannWindow(refBuf))
	tgtFFT := be.FFT2D(be.HannWindow(tgtBuf))

	cross := be.CrossPowerSpectrum(refFFT, tgtFFT)

	// Keep the padded dimensions: negative shifts wrap to high indices in
	// the padded domain, and cropping would throw them away.
	ph, pw := refFFT.H, refFFT.W
	corrBuf := be.IFFT2DReal(cross, ph, pw)

	peakRow, peakCol, peakVal := be.FindPeak(corrBuf)
	corr := be.Download(corrBuf)

	// Confidence: how much the peak stands out over the mean magnitude
	n := float64(ph * pw)
	meanAbs := 0.0
	for _, v := range corr.Values() {
		meanAbs += math.Abs(float64(v))
	}
	meanAbs /= n

	confidence := 0.0
	if meanAbs > 1e-15 { confidence = peakVal / meanAbs }

	dy := float64(peakRow)
	if peakRow > ph/2 { dy -= float64(ph) }
	dx := float64(peakCol)
	if peakCol > pw/2 { dx -= float64(pw) }

	subDy, subDx := refinePeakParabola(&corr, peakRow, peakCol)

	// The correlation peak lands at minus the target's displacement;
	// negate so the offset reads as "where the target content sits
	// relative to the reference".
	off := AlignmentOffset{
		Dx:         -(dx + subDx),
		Dy:         -(dy + subDy),
		Confidence: confidence,
	}
	if confidence < MinCorrelationConfidence {
		off.LowConfidence = true
	}
	return off, nil
}

// refinePeakParabola fits a parabola through the 3 samples around the peak
// independently in each axis: delta = (c[-1]-c[+1]) / (2*(c[-1]+c[+1]-2*c[0])).
// A flat or edge-bound neighborhood refines to zero; results clamp to
// half a pixel.
func refinePeakParabola(corr *pmath.Grid, peakRow, peakCol int) (dy, dx float64) {
	w, h := corr.Dx(), corr.Dy()
	if peakRow <= 0 || peakRow >= h-1 || peakCol <= 0 || peakCol >= w-1 {
		return 0.0, 0.0
	}

	fit := func(prev, curr, next float64) float64 {
		denom := prev - 2.0*curr + next
		if math.Abs(denom) < 1e-12 { return 0.0 }
		return pmath.Clamp((prev-next)/(2.0*denom), -0.5, 0.5)
	}

	dy = fit(float64(corr.Get(peakCol, peakRow-1)),
		float64(corr.Get(peakCol, peakRow)),
		float64(corr.Get(peakCol, peakRow+1)))
	dx = fit(float64(corr.Get(peakCol-1, peakRow)),
		float64(corr.Get(peakCol, peakRow)),
		float64(corr.Get(peakCol+1, peakRow)))
	return dy, dx
}
