package pstack

import(
	"context"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abworrall/planet-stack/pkg/compute"
	"github.com/abworrall/planet-stack/pkg/pmath"
)

// gaussianBlob puts a small gaussian at (cx,cy) on a dark field.
func gaussianBlob(w, h int, cx, cy, sigma float64) pmath.Grid {
	g := pmath.NewGrid(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			d2 := (float64(x)-cx)*(float64(x)-cx) + (float64(y)-cy)*(float64(y)-cy)
			g.Set(x, y, float32(math.Exp(-d2/(2.0*sigma*sigma))))
		}
	}
	return g
}

func TestSelfAlignmentIsZero(t *testing.T) {
	be := compute.NewCPUBackend()
	g := gaussianBlob(64, 64, 32, 32, 2.0)

	off, err := PhaseCorrelate(&g, &g, be)
	require.NoError(t, err)

	assert.InDelta(t, 0.0, off.Dx, 1e-6)
	assert.InDelta(t, 0.0, off.Dy, 1e-6)
	assert.False(t, off.LowConfidence)
}

// Shift recovery: blob at (32,32) vs (33,31) means the target moved
// +1 in y and -1 in x.
func TestShiftRecovery(t *testing.T) {
	be := compute.NewCPUBackend()
	ref := gaussianBlob(64, 64, 32, 32, 2.0)
	tgt := gaussianBlob(64, 64, 31, 33, 2.0)

	off, err := PhaseCorrelate(&ref, &tgt, be)
	require.NoError(t, err)

	assert.InDelta(t, -1.0, off.Dx, 0.01)
	assert.InDelta(t, 1.0, off.Dy, 0.01)
}

func TestUniformFrameLowConfidence(t *testing.T) {
	be := compute.NewCPUBackend()
	ref := pmath.NewGrid(64, 64)
	ref.Fill(0.5)
	tgt := pmath.NewGrid(64, 64)
	tgt.Fill(0.5)

	off, err := PhaseCorrelate(&ref, &tgt, be)
	require.NoError(t, err, "uniform content must not panic")

	assert.Equal(t, 0.0, off.Dx)
	assert.Equal(t, 0.0, off.Dy)
	assert.True(t, off.LowConfidence)
}

func TestSizeMismatchErrors(t *testing.T) {
	be := compute.NewCPUBackend()
	a := pmath.NewGrid(32, 32)
	b := pmath.NewGrid(16, 16)

	_, err := PhaseCorrelate(&a, &b, be)
	assert.Error(t, err)
}

func TestCentroidOffset(t *testing.T) {
	ref := gaussianBlob(64, 64, 32, 32, 2.0)
	tgt := gaussianBlob(64, 64, 35, 30, 2.0)

	off := CentroidOffset(&ref, &tgt, 0.1)
	assert.InDelta(t, 3.0, off.Dx, 0.5)
	assert.InDelta(t, -2.0, off.Dy, 0.5)
}

func TestCentroidAllDark(t *testing.T) {
	ref := pmath.NewGrid(32, 32)
	tgt := pmath.NewGrid(32, 32)

	off := CentroidOffset(&ref, &tgt, 0.1)
	assert.Equal(t, 0.0, off.Dx)
	assert.Equal(t, 0.0, off.Dy)
}

func TestGradientCorrelate(t *testing.T) {
	be := compute.NewCPUBackend()
	ref := gaussianBlob(64, 64, 32, 32, 3.0)
	tgt := gaussianBlob(64, 64, 30, 34, 3.0)

	off, err := GradientCorrelate(&ref, &tgt, be)
	require.NoError(t, err)
	assert.InDelta(t, -2.0, off.Dx, 0.1)
	assert.InDelta(t, 2.0, off.Dy, 0.1)
}

func TestPyramidHandlesLargeShift(t *testing.T) {
	be := compute.NewCPUBackend()
	ref := gaussianBlob(128, 128, 64, 64, 4.0)
	tgt := gaussianBlob(128, 128, 84, 50, 4.0)

	off, err := PyramidCorrelate(&ref, &tgt, 3, be)
	require.NoError(t, err)
	assert.InDelta(t, 20.0, off.Dx, 0.5)
	assert.InDelta(t, -14.0, off.Dy, 0.5)
}

func TestEnhancedPhaseSelfAlign(t *testing.T) {
	be := compute.NewCPUBackend()
	g := gaussianBlob(64, 64, 32, 32, 2.0)

	off, err := EnhancedPhaseCorrelate(&g, &g, 20, be)
	require.NoError(t, err)

	// accuracy contract is ~1/upsample
	assert.InDelta(t, 0.0, off.Dx, 0.05)
	assert.InDelta(t, 0.0, off.Dy, 0.05)
}

func TestAlignAllParallel(t *testing.T) {
	be := compute.NewCPUBackend()
	ref := gaussianBlob(64, 64, 32, 32, 2.0)

	grids := []pmath.Grid{
		gaussianBlob(64, 64, 32, 32, 2.0),
		gaussianBlob(64, 64, 33, 32, 2.0),
		gaussianBlob(64, 64, 32, 34, 2.0),
		gaussianBlob(64, 64, 30, 31, 2.0),
		gaussianBlob(64, 64, 31, 33, 2.0),
	}
	src := framesSource(grids...)

	var maxDone int64
	offsets, err := AlignAll(context.Background(), src, &ref, DefaultAlignmentParams(), be,
		func(done, total int) {
			for {
				cur := atomic.LoadInt64(&maxDone)
				if int64(done) <= cur || atomic.CompareAndSwapInt64(&maxDone, cur, int64(done)) {
					break
				}
			}
		})
	require.NoError(t, err)
	require.Len(t, offsets, 5)
	assert.Equal(t, int64(5), atomic.LoadInt64(&maxDone))

	wantDx := []float64{0, 1, 0, -2, -1}
	wantDy := []float64{0, 0, 2, -1, 1}
	for i := range offsets {
		assert.InDelta(t, wantDx[i], offsets[i].Dx, 0.05, "frame %d dx", i)
		assert.InDelta(t, wantDy[i], offsets[i].Dy, 0.05, "frame %d dy", i)
	}
}

func TestAlignAllCancellation(t *testing.T) {
	be := compute.NewCPUBackend()
	ref := gaussianBlob(64, 64, 32, 32, 2.0)
	src := framesSource(ref.Copy(), ref.Copy(), ref.Copy(), ref.Copy())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := AlignAll(ctx, src, &ref, DefaultAlignmentParams(), be, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
}
