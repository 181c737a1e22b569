package pstack

import(
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/abworrall/planet-stack/pkg/compute"
	"github.com/abworrall/planet-stack/pkg/pmath"
)

// StackMethod is the closed set of stacking strategies.
type StackMethod int

const (
	StackMean StackMethod = iota
	StackMedian
	StackSigmaClip
	StackMultiPoint
	StackDrizzle
)

func (m StackMethod)String() string {
	switch m {
	case StackMedian:     return "median"
	case StackSigmaClip:  return "sigmaclip"
	case StackMultiPoint: return "multipoint"
	case StackDrizzle:    return "drizzle"
	}
	return "mean"
}

// StackParams is the method tag plus every per-method parameter.
type StackParams struct {
	Method StackMethod

	// Sigma clip
	Sigma          float32
	Iterations     int

	MultiPoint MultiPointParams
	Drizzle    DrizzleParams
}

func DefaultStackParams() StackParams {
	return StackParams{
		Method:     StackMean,
		Sigma:      2.5,
		Iterations: 2,
		MultiPoint: DefaultMultiPointParams(),
		Drizzle:    DefaultDrizzleParams(),
	}
}

// Stack combines the selected frames into one. sel and offsets run in
// parallel: offsets[i] belongs to sel[i]. refGrid is the alignment
// reference (multi-point scores and locally aligns against it).
func Stack(ctx context.Context, src FrameSource, sel []ScoredFrame, offsets []AlignmentOffset, refGrid *pmath.Grid, p StackParams, be compute.Backend, onProgress func(done, total int)) (Frame, error) {
	if len(sel) == 0 {
		return Frame{}, fmt.Errorf("%w: no frames selected", ErrInvalidConfig)
	}
	if len(sel) != len(offsets) {
		return Frame{}, fmt.Errorf("selected %d frames but have %d offsets", len(sel), len(offsets))
	}

	switch p.Method {
	case StackMean:
		return meanStack(ctx, src, sel, offsets, onProgress)
	case StackMedian:
		return medianStack(ctx, src, sel, offsets, onProgress)
	case StackSigmaClip:
		return sigmaClipStack(ctx, src, sel, offsets, p.Sigma, p.Iterations, onProgress)
	case StackMultiPoint:
		return multiPointStack(ctx, src, sel, offsets, refGrid, p.MultiPoint, be, onProgress)
	case StackDrizzle:
		return drizzleStack(ctx, src, sel, offsets, p.Drizzle, onProgress)
	}
	return Frame{}, fmt.Errorf("%w: unknown stack method %d", ErrInvalidConfig, p.Method)
}

// meanStack runs fully streaming: one decoded frame resident at a time.
func meanStack(ctx context.Context, src FrameSource, sel []ScoredFrame, offsets []AlignmentOffset, onProgress func(done, total int)) (Frame, error) {
	h, w := src.Dimensions()
	acc := make([]float64, h*w)
	bitDepth := 8

	for i, sf := range sel {
		if err := ctx.Err(); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		f, err := src.Frame(sf.Index)
		if err != nil {
			return Frame{}, err
		}
		bitDepth = f.BitDepth
		aligned := AlignGrid(&f.Grid, offsets[i])
		for j, v := range aligned.Values() {
			acc[j] += float64(v)
		}
		if onProgress != nil { onProgress(i+1, len(sel)) }
	}

	n := float64(len(sel))
	out := pmath.NewGrid(w, h)
	for j := range acc {
		out.Values()[j] = float32(acc[j] / n)
	}
	out.Clamp01()

	return Frame{Grid: out, BitDepth: bitDepth}, nil
}

// loadAligned decodes and aligns every selected frame; the random-access
// methods below need them all at once.
func loadAligned(ctx context.Context, src FrameSource, sel []ScoredFrame, offsets []AlignmentOffset, onProgress func(done, total int)) ([]pmath.Grid, int, error) {
	grids := make([]pmath.Grid, len(sel))
	bitDepth := 8
	for i, sf := range sel {
		if err := ctx.Err(); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		f, err := src.Frame(sf.Index)
		if err != nil {
			return nil, 0, err
		}
		bitDepth = f.BitDepth
		grids[i] = AlignGrid(&f.Grid, offsets[i])
		if onProgress != nil { onProgress(i+1, len(sel)) }
	}
	return grids, bitDepth, nil
}

// medianStack takes the per-pixel median. The aligned frames get
// pre-transposed into a pixel-major buffer ([pixel*n + frame]) so the
// inner loop walks contiguous memory instead of striding across frames.
func medianStack(ctx context.Context, src FrameSource, sel []ScoredFrame, offsets []AlignmentOffset, onProgress func(done, total int)) (Frame, error) {
	grids, bitDepth, err := loadAligned(ctx, src, sel, offsets, onProgress)
	if err != nil {
		return Frame{}, err
	}

	h, w := src.Dimensions()
	n := len(grids)
	pixels := h * w

	transposed := make([]float32, pixels*n)
	for fi, g := range grids {
		for p, v := range g.Values() {
			transposed[p*n+fi] = v
		}
	}

	out := pmath.NewGrid(w, h)
	scratch := make([]float64, n)
	for p := 0; p < pixels; p++ {
		for fi := 0; fi < n; fi++ {
			scratch[fi] = float64(transposed[p*n+fi])
		}
		out.Values()[p] = float32(medianOf(scratch))
	}
	out.Clamp01()

	return Frame{Grid: out, BitDepth: bitDepth}, nil
}

// medianOf computes the median in place. NaNs are dropped first so the
// sort order stays total; an all-NaN pixel comes out 0.
func medianOf(vals []float64) float64 {
	n := 0
	for _, v := range vals {
		if v == v {
			vals[n] = v
			n++
		}
	}
	if n == 0 { return 0.0 }
	vals = vals[:n]
	sort.Float64s(vals)
	if n%2 == 1 {
		return vals[n/2]
	}
	return (vals[n/2-1] + vals[n/2]) / 2.0
}

// sigmaClipStack iteratively rejects outliers beyond sigma standard
// deviations of the running mean, then averages the survivors. A pixel
// that rejects everything falls back to the plain mean.
func sigmaClipStack(ctx context.Context, src FrameSource, sel []ScoredFrame, offsets []AlignmentOffset, sigma float32, iterations int, onProgress func(done, total int)) (Frame, error) {
	grids, bitDepth, err := loadAligned(ctx, src, sel, offsets, onProgress)
	if err != nil {
		return Frame{}, err
	}

	h, w := src.Dimensions()
	n := len(grids)
	out := pmath.NewGrid(w, h)

	vals := make([]float64, n)
	mask := make([]bool, n)

	for p := 0; p < h*w; p++ {
		for fi, g := range grids {
			vals[fi] = float64(g.Values()[p])
			mask[fi] = true
		}
		out.Values()[p] = float32(sigmaClipPixel(vals, mask, float64(sigma), iterations))
	}
	out.Clamp01()

	return Frame{Grid: out, BitDepth: bitDepth}, nil
}

func sigmaClipPixel(vals []float64, mask []bool, sigma float64, iterations int) float64 {
	n := len(vals)

	for iter := 0; iter < iterations; iter++ {
		mean, stddev := maskedMeanStdDev(vals, mask)
		if stddev < 1e-10 {
			break // all survivors agree; iterating further can't diverge
		}
		lo, hi := mean-sigma*stddev, mean+sigma*stddev
		for i := 0; i < n; i++ {
			if mask[i] && (vals[i] < lo || vals[i] > hi) {
				mask[i] = false
			}
		}
	}

	sum, count := 0.0, 0
	for i := 0; i < n; i++ {
		if mask[i] {
			sum += vals[i]
			count++
		}
	}
	if count == 0 {
		// everything got clipped; fall back to the unclipped mean
		for _, v := range vals {
			sum += v
		}
		return sum / float64(n)
	}
	return sum / float64(count)
}

func maskedMeanStdDev(vals []float64, mask []bool) (float64, float64) {
	sum, count := 0.0, 0
	for i, v := range vals {
		if mask[i] {
			sum += v
			count++
		}
	}
	if count == 0 { return 0.0, 0.0 }
	mean := sum / float64(count)

	varSum := 0.0
	for i, v := range vals {
		if mask[i] {
			d := v - mean
			varSum += d * d
		}
	}
	return mean, math.Sqrt(varSum/float64(count))
}
