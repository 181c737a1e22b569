package pstack

import(
	"context"
	"fmt"
	"log"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/abworrall/planet-stack/pkg/compute"
	"github.com/abworrall/planet-stack/pkg/pmath"
)

// AlignmentMethod picks the offset estimator. They all honour the same
// contract and differ only in accuracy and cost.
type AlignmentMethod int

const (
	// AlignPhase is FFT phase correlation with parabola sub-pixel
	// refinement. The default.
	AlignPhase AlignmentMethod = iota
	// AlignEnhancedPhase adds a matrix-DFT upsampling stage around the
	// coarse peak; accuracy ~ 1/upsample px.
	AlignEnhancedPhase
	// AlignCentroid is the intensity-weighted center of gravity. Fast and
	// coarse; fine for bright disks on dark sky.
	AlignCentroid
	// AlignGradient runs phase correlation on Sobel-filtered images,
	// which helps when brightness flickers between frames.
	AlignGradient
	// AlignPyramid is coarse-to-fine over a downsample pyramid, for
	// displacements big enough to wrap the FFT.
	AlignPyramid
)

func (m AlignmentMethod)String() string {
	switch m {
	case AlignEnhancedPhase: return "enhancedphase"
	case AlignCentroid:      return "centroid"
	case AlignGradient:      return "gradient"
	case AlignPyramid:       return "pyramid"
	}
	return "phase"
}

// AlignmentParams bundles the method with its per-method knobs.
type AlignmentParams struct {
	Method            AlignmentMethod
	UpsampleFactor    int     // enhanced phase; 20 gives ~0.05px
	CentroidThreshold float64 // fraction of max brightness
	PyramidLevels     int
}

func DefaultAlignmentParams() AlignmentParams {
	return AlignmentParams{
		Method:            AlignPhase,
		UpsampleFactor:    20,
		CentroidThreshold: 0.1,
		PyramidLevels:     3,
	}
}

// ComputeOffset measures where tgt's content sits relative to ref,
// dispatching on the configured method.
func ComputeOffset(ref, tgt *pmath.Grid, p AlignmentParams, be compute.Backend) (AlignmentOffset, error) {
	switch p.Method {
	case AlignPhase:
		return PhaseCorrelate(ref, tgt, be)
	case AlignEnhancedPhase:
		return EnhancedPhaseCorrelate(ref, tgt, p.UpsampleFactor, be)
	case AlignCentroid:
		return CentroidOffset(ref, tgt, p.CentroidThreshold), nil
	case AlignGradient:
		return GradientCorrelate(ref, tgt, be)
	case AlignPyramid:
		return PyramidCorrelate(ref, tgt, p.PyramidLevels, be)
	}
	return AlignmentOffset{}, fmt.Errorf("%w: unknown alignment method %d", ErrInvalidConfig, p.Method)
}

// AlignGrid resamples g so its content lines up with the reference,
// undoing the measured displacement.
func AlignGrid(g *pmath.Grid, off AlignmentOffset) pmath.Grid {
	return g.Shift(-off.Dx, -off.Dy)
}

// Frame counts below this are aligned on the calling goroutine.
const parallelFrameThreshold = 4

// AlignAll computes one offset per frame of src against refGrid, in
// parallel when there are enough frames to bother. Progress (frames done)
// is published through an atomic counter into onProgress; cancellation is
// honoured between frames.
func AlignAll(ctx context.Context, src FrameSource, refGrid *pmath.Grid, p AlignmentParams, be compute.Backend, onProgress func(done, total int)) ([]AlignmentOffset, error) {
	n := src.FrameCount()
	offsets := make([]AlignmentOffset, n)
	if n == 0 {
		return offsets, nil
	}

	var counter int64
	work := func(idx int) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		f, err := src.Frame(idx)
		if err != nil {
			return err
		}
		off, err := ComputeOffset(refGrid, &f.Grid, p, be)
		if err != nil {
			return err
		}
		offsets[idx] = off

		done := int(atomic.AddInt64(&counter, 1))
		if onProgress != nil { onProgress(done, n) }
		return nil
	}

	if n < parallelFrameThreshold {
		for i := 0; i < n; i++ {
			if err := work(i); err != nil {
				return nil, err
			}
		}
		return offsets, nil
	}

	var wg sync.WaitGroup
	var firstErr error
	var errMu sync.Mutex
	jobs := make(chan int, n)

	nWorkers := runtime.NumCPU()
	if nWorkers > n { nWorkers = n }

	for i := 0; i < nWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				if err := work(idx); err != nil {
					errMu.Lock()
					if firstErr == nil { firstErr = err }
					errMu.Unlock()
				}
			}
		}()
	}

	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	nLow := 0
	for _, off := range offsets {
		if off.LowConfidence { nLow++ }
	}
	if nLow > 0 {
		log.Printf("Alignment: %d/%d frames below confidence %.1f\n", nLow, n, MinCorrelationConfidence)
	}

	return offsets, nil
}
