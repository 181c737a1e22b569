package pstack

import(
	"context"
	"fmt"
	"log"
	"math"
	"runtime"
	"sort"
	"sync"

	"github.com/abworrall/planet-stack/pkg/compute"
	"github.com/abworrall/planet-stack/pkg/pmath"
)

// Multi-point stacking models the atmosphere's tip-tilt as constant over
// small patches instead of the whole frame. The reference frame is tiled
// with alignment points (APs) overlapping by 50%; each AP picks its own
// best frames, aligns them locally, stacks them, and the patches blend
// back together under a raised-cosine window. At 50% stride the Hann
// weights sum to one, so the blend has no seams.

// LocalStackMethod stacks the per-AP patch set.
type LocalStackMethod int

const (
	LocalMean LocalStackMethod = iota
	// LocalWeightedMean weights each patch by quality^alpha.
	LocalWeightedMean
	// LocalMedian and LocalSigmaClip behave like their global
	// counterparts; with the handful of frames an AP typically keeps,
	// median degenerates toward the mean, which is fine.
	LocalMedian
	LocalSigmaClip
)

func (m LocalStackMethod)String() string {
	switch m {
	case LocalWeightedMean: return "weightedmean"
	case LocalMedian:       return "median"
	case LocalSigmaClip:    return "sigmaclip"
	}
	return "mean"
}

type MultiPointParams struct {
	// APSize is the patch edge in pixels; 0 derives it from the frame.
	APSize           int
	// SearchRadius pads the local correlation window; local offsets
	// clamp to it.
	SearchRadius     int
	// SelectPercentage of candidate frames each AP keeps.
	SelectPercentage float64
	// MinBrightness gates APs: reference patches dimmer than this are
	// skipped (sky background).
	MinBrightness    float64
	// MinContrast gates APs on the reference patch's stddev, so blank
	// cloud decks don't get alignment points.
	MinContrast      float64
	Metric           QualityMetric
	LocalMethod      LocalStackMethod
	// WeightAlpha is the exponent for LocalWeightedMean.
	WeightAlpha      float64
	// Sigma/Iterations for LocalSigmaClip.
	Sigma            float32
	Iterations       int
	// OverlayPath, when set, gets a debug render of the scored AP grid.
	OverlayPath      string
}

func DefaultMultiPointParams() MultiPointParams {
	return MultiPointParams{
		APSize:           64,
		SearchRadius:     16,
		SelectPercentage: 0.25,
		MinBrightness:    0.05,
		MinContrast:      0.0,
		Metric:           MetricLaplacian,
		LocalMethod:      LocalMean,
		WeightAlpha:      1.0,
		Sigma:            2.5,
		Iterations:       2,
	}
}

// An AlignmentPoint is one cell of the AP grid: a center on the reference
// frame plus its index in the grid ordering.
type AlignmentPoint struct {
	Cy, Cx int
	Index  int

	// MeanQuality is filled in during scoring; the overlay renderer
	// colors APs by it.
	MeanQuality float64
}

type APGrid struct {
	Points []AlignmentPoint
	APSize int
}

// AutoAPSize derives a patch size from the frame dimensions: about a
// fifth of the short edge, clamped to [32,128], rounded down to a
// multiple of 8.
func AutoAPSize(w, h int) int {
	dim := w
	if h < dim { dim = h }
	size := dim / 5
	if size < 32 { size = 32 }
	if size > 128 { size = 128 }
	return (size / 8) * 8
}

// BuildAPGrid tiles the reference with APs at stride apSize/2. Patches
// failing the brightness or contrast gates are skipped. An image smaller
// than one AP yields an empty grid.
func BuildAPGrid(ref *pmath.Grid, p MultiPointParams) APGrid {
	apSize := p.APSize
	if apSize <= 0 { apSize = AutoAPSize(ref.Dx(), ref.Dy()) }
	half := apSize / 2
	stride := half // 50% overlap is what makes the blend seamless

	grid := APGrid{APSize: apSize}
	w, h := ref.Dx(), ref.Dy()

	for cy := half; cy+half <= h; cy += stride {
		for cx := half; cx+half <= w; cx += stride {
			patch := ref.SubGrid(cx, cy, half)
			mean, stddev := patch.MeanStdDev()
			if mean < p.MinBrightness { continue }
			if stddev < p.MinContrast { continue }
			grid.Points = append(grid.Points, AlignmentPoint{
				Cy: cy, Cx: cx, Index: len(grid.Points),
			})
		}
	}

	return grid
}

// scoreAPs builds the quality matrix Q[ap][candidate] frame-major, so
// each candidate frame decodes once however many APs there are.
func scoreAPs(ctx context.Context, src FrameSource, sel []ScoredFrame, offsets []AlignmentOffset, grid *APGrid, p MultiPointParams) ([][]float64, error) {
	half := grid.APSize / 2
	q := make([][]float64, len(grid.Points))
	for i := range q {
		q[i] = make([]float64, len(sel))
	}

	for k, sf := range sel {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		f, err := src.Frame(sf.Index)
		if err != nil {
			return nil, err
		}
		for _, ap := range grid.Points {
			region := f.Grid.SubGridShifted(ap.Cx, ap.Cy, half, offsets[k].Dx, offsets[k].Dy)
			q[ap.Index][k] = p.Metric.Score(&region)
		}
	}

	return q, nil
}

// selectPerAP sorts each AP's candidates by quality and keeps the top
// fraction, always at least one.
func selectPerAP(q []float64, fraction float64) []int {
	idx := make([]int, len(q))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		if q[idx[a]] == q[idx[b]] {
			return idx[a] < idx[b]
		}
		return betterScore(q[idx[a]], q[idx[b]])
	})

	keep := int(math.Ceil(float64(len(q)) * fraction))
	if keep < 1 { keep = 1 }
	if keep > len(q) { keep = len(q) }
	return idx[:keep]
}

// stackOneAP locally aligns and stacks the AP's chosen frames.
func stackOneAP(src FrameSource, ap AlignmentPoint, chosen []int, q []float64, sel []ScoredFrame, offsets []AlignmentOffset, ref *pmath.Grid, apSize int, p MultiPointParams, be compute.Backend) (pmath.Grid, error) {
	half := apSize / 2
	searchHalf := half + p.SearchRadius

	// The padded search regions read past the AP by the search radius;
	// near the frame border the reference reads clamp to the edge pixel,
	// while target reads that fall outside the frame are zero.
	refSearch := ref.SubGrid(ap.Cx, ap.Cy, searchHalf)

	patches := make([]pmath.Grid, 0, len(chosen))
	weights := make([]float64, 0, len(chosen))

	for _, k := range chosen {
		f, err := src.Frame(sel[k].Index)
		if err != nil {
			return pmath.Grid{}, err
		}

		tgtSearch := f.Grid.SubGridShifted(ap.Cx, ap.Cy, searchHalf, offsets[k].Dx, offsets[k].Dy)

		local, err := PhaseCorrelate(&refSearch, &tgtSearch, be)
		if err != nil || local.LowConfidence {
			// An AP that can't see this frame just skips it
			continue
		}
		local.Dx = pmath.Clamp(local.Dx, -float64(p.SearchRadius), float64(p.SearchRadius))
		local.Dy = pmath.Clamp(local.Dy, -float64(p.SearchRadius), float64(p.SearchRadius))

		// Final patch: center of the search region, offset by the local
		// residual, trimmed to the AP size
		center := float64(searchHalf)
		patch := pmath.NewGrid(apSize, apSize)
		for r := 0; r < apSize; r++ {
			for c := 0; c < apSize; c++ {
				srcX := center + float64(c-half) + local.Dx
				srcY := center + float64(r-half) + local.Dy
				patch.Set(c, r, tgtSearch.BilinearSample(srcX, srcY))
			}
		}

		patches = append(patches, patch)
		weights = append(weights, q[k])
	}

	if len(patches) == 0 {
		// Every candidate failed local correlation; use the reference patch
		return ref.SubGrid(ap.Cx, ap.Cy, half), nil
	}

	return stackPatches(patches, weights, p), nil
}

func stackPatches(patches []pmath.Grid, weights []float64, p MultiPointParams) pmath.Grid {
	n := len(patches)
	size := patches[0].Dx()
	out := pmath.NewGrid(size, size)

	switch p.LocalMethod {
	case LocalWeightedMean:
		wsum := 0.0
		for i, w := range weights {
			wgt := math.Pow(math.Max(w, 0.0), p.WeightAlpha)
			if math.IsNaN(wgt) || wgt <= 0.0 { wgt = 0.0 }
			weights[i] = wgt
			wsum += wgt
		}
		if wsum <= 0.0 {
			// degenerate weights; fall through to a plain mean
			for i := range weights {
				weights[i] = 1.0
			}
			wsum = float64(n)
		}
		for px := 0; px < size*size; px++ {
			acc := 0.0
			for i := range patches {
				acc += float64(patches[i].Values()[px]) * weights[i]
			}
			out.Values()[px] = float32(acc / wsum)
		}

	case LocalMedian:
		scratch := make([]float64, n)
		for px := 0; px < size*size; px++ {
			for i := range patches {
				scratch[i] = float64(patches[i].Values()[px])
			}
			out.Values()[px] = float32(medianOf(scratch[:n]))
		}

	case LocalSigmaClip:
		vals := make([]float64, n)
		mask := make([]bool, n)
		for px := 0; px < size*size; px++ {
			for i := range patches {
				vals[i] = float64(patches[i].Values()[px])
				mask[i] = true
			}
			out.Values()[px] = float32(sigmaClipPixel(vals, mask, float64(p.Sigma), p.Iterations))
		}

	default: // LocalMean
		for px := 0; px < size*size; px++ {
			acc := 0.0
			for i := range patches {
				acc += float64(patches[i].Values()[px])
			}
			out.Values()[px] = float32(acc / float64(n))
		}
	}

	return out
}

// blendAPs composites the stacked patches under separable Hann weights,
// dividing by the accumulated weight at the end. With the 50% stride the
// interior weight sum is 1; the self-check below verifies that, since a
// broken stride shows up as visible seams.
func blendAPs(stacks []pmath.Grid, grid *APGrid, h, w int) pmath.Grid {
	apSize := grid.APSize
	half := apSize / 2

	acc := make([]float64, h*w)
	wsum := make([]float64, h*w)

	for i, ap := range grid.Points {
		patch := &stacks[i]
		for r := 0; r < apSize; r++ {
			imgY := ap.Cy - half + r
			if imgY < 0 || imgY >= h { continue }
			wy := pmath.HannWeight(r, apSize)
			for c := 0; c < apSize; c++ {
				imgX := ap.Cx - half + c
				if imgX < 0 || imgX >= w { continue }
				weight := wy * pmath.HannWeight(c, apSize)
				acc[imgY*w+imgX] += float64(patch.Get(c, r)) * weight
				wsum[imgY*w+imgX] += weight
			}
		}
	}

	// Partition-of-unity self check over the interior
	minW := math.Inf(1)
	for y := half; y < h-half; y++ {
		for x := half; x < w-half; x++ {
			if wsum[y*w+x] < minW { minW = wsum[y*w+x] }
		}
	}
	if minW < 1.0-1e-3 {
		log.Printf("Multi-point blend: interior weight sum dropped to %f (gated APs leave holes)\n", minW)
	}

	out := pmath.NewGrid(w, h)
	for p := range acc {
		if wsum[p] > 1e-12 {
			out.Values()[p] = float32(acc[p] / wsum[p])
		}
	}
	return out
}

// multiPointStack is the phase A-E driver; see the package comment above.
func multiPointStack(ctx context.Context, src FrameSource, sel []ScoredFrame, offsets []AlignmentOffset, ref *pmath.Grid, p MultiPointParams, be compute.Backend, onProgress func(done, total int)) (Frame, error) {
	h, w := src.Dimensions()

	grid := BuildAPGrid(ref, p)
	if len(grid.Points) == 0 {
		log.Printf("Multi-point: no alignment points (image %dx%d vs ap_size %d); falling back to mean stack\n",
			w, h, grid.APSize)
		return meanStack(ctx, src, sel, offsets, onProgress)
	}
	log.Printf("Multi-point: %d APs of %dpx over %dx%d\n", len(grid.Points), grid.APSize, w, h)

	q, err := scoreAPs(ctx, src, sel, offsets, &grid, p)
	if err != nil {
		return Frame{}, err
	}
	for i := range grid.Points {
		sum := 0.0
		for _, v := range q[i] {
			if !math.IsNaN(v) { sum += v }
		}
		grid.Points[i].MeanQuality = sum / float64(len(q[i]))
	}

	if p.OverlayPath != "" {
		if err := WriteAPOverlay(ref, &grid, p.OverlayPath); err != nil {
			log.Printf("AP overlay failed: %v\n", err)
		}
	}

	// Per-AP stacking is independent, so fan out over a pool
	stacks := make([]pmath.Grid, len(grid.Points))
	var wg sync.WaitGroup
	var firstErr error
	var mu sync.Mutex
	var done int
	jobs := make(chan int, len(grid.Points))

	nWorkers := runtime.NumCPU()
	if nWorkers > len(grid.Points) { nWorkers = len(grid.Points) }

	for i := 0; i < nWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				if ctx.Err() != nil {
					continue
				}
				ap := grid.Points[idx]
				chosen := selectPerAP(q[ap.Index], p.SelectPercentage)
				stacked, err := stackOneAP(src, ap, chosen, q[ap.Index], sel, offsets, ref, grid.APSize, p, be)

				mu.Lock()
				if err != nil && firstErr == nil { firstErr = err }
				stacks[idx] = stacked
				done++
				d := done
				mu.Unlock()
				if onProgress != nil { onProgress(d, len(grid.Points)) }
			}
		}()
	}

	for i := range grid.Points {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	if firstErr != nil {
		return Frame{}, firstErr
	}

	out := blendAPs(stacks, &grid, h, w)
	out.Clamp01()

	f0, err := src.Frame(sel[0].Index)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Grid: out, BitDepth: f0.BitDepth}, nil
}
