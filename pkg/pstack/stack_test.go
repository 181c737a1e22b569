package pstack

import(
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abworrall/planet-stack/pkg/compute"
	"github.com/abworrall/planet-stack/pkg/pmath"
)

func identicalStackInput(n int) (FrameSource, []ScoredFrame, []AlignmentOffset, pmath.Grid) {
	base := gaussianBlob(64, 64, 32, 32, 4.0)
	grids := make([]pmath.Grid, n)
	sel := make([]ScoredFrame, n)
	offsets := make([]AlignmentOffset, n)
	for i := range grids {
		grids[i] = base.Copy()
		sel[i] = ScoredFrame{Index: i, Score: 1.0}
	}
	return framesSource(grids...), sel, offsets, base
}

// Stacking N identical frames must reproduce the frame, whatever the
// method.
func TestStackingIdenticalFramesIsIdentity(t *testing.T) {
	be := compute.NewCPUBackend()

	for _, method := range []StackMethod{StackMean, StackMedian, StackSigmaClip, StackMultiPoint} {
		src, sel, offsets, base := identicalStackInput(8)
		p := DefaultStackParams()
		p.Method = method
		p.MultiPoint.APSize = 32
		p.MultiPoint.MinBrightness = 0.0
		p.MultiPoint.SelectPercentage = 1.0

		out, err := Stack(context.Background(), src, sel, offsets, &base, p, be, nil)
		require.NoError(t, err, method.String())

		// multi-point re-samples through its local correlator, so it gets
		// a slightly looser leash than the pixel-for-pixel methods
		tol := 1e-5
		if method == StackMultiPoint { tol = 1e-3 }

		for i, v := range base.Values() {
			assert.InDelta(t, float64(v), float64(out.Grid.Values()[i]), tol,
				"%s at %d", method, i)
		}
	}
}

// Mean stacking N noisy copies reduces noise like sigma/sqrt(N).
func TestMeanStackNoiseReduction(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	n := 100
	sigma := 0.05

	grids := make([]pmath.Grid, n)
	sel := make([]ScoredFrame, n)
	offsets := make([]AlignmentOffset, n)
	for i := range grids {
		g := pmath.NewGrid(64, 64)
		for j := range g.Values() {
			g.Values()[j] = float32(0.5 + rng.NormFloat64()*sigma)
		}
		grids[i] = g
		sel[i] = ScoredFrame{Index: i, Score: 1.0}
	}

	out, err := meanStack(context.Background(), framesSource(grids...), sel, offsets, nil)
	require.NoError(t, err)

	mean, stddev := out.Grid.MeanStdDev()
	assert.InDelta(t, 0.5, mean, 0.005)
	assert.LessOrEqual(t, stddev, 0.0055, "predicted sigma/sqrt(N) = 0.005 + 10%% margin")
}

func TestMedianRejectsOutlier(t *testing.T) {
	base := pmath.NewGrid(16, 16)
	base.Fill(0.5)
	hot := base.Copy()
	hot.Set(8, 8, 1.0)

	src := framesSource(base.Copy(), base.Copy(), hot, base.Copy(), base.Copy())
	sel := make([]ScoredFrame, 5)
	for i := range sel {
		sel[i] = ScoredFrame{Index: i, Score: 1.0}
	}
	offsets := make([]AlignmentOffset, 5)

	out, err := medianStack(context.Background(), src, sel, offsets, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, float64(out.Grid.Get(8, 8)), 1e-6, "median kills the hot pixel")
}

func TestSigmaClipRejectsOutlier(t *testing.T) {
	base := pmath.NewGrid(16, 16)
	base.Fill(0.4)
	hot := base.Copy()
	hot.Set(4, 4, 1.0)

	grids := []pmath.Grid{}
	for i := 0; i < 9; i++ {
		g := base.Copy()
		// a touch of variation so stddev isn't exactly zero
		g.Set(0, 0, float32(0.4+0.001*float64(i)))
		grids = append(grids, g)
	}
	grids = append(grids, hot)

	sel := make([]ScoredFrame, 10)
	for i := range sel {
		sel[i] = ScoredFrame{Index: i, Score: 1.0}
	}
	offsets := make([]AlignmentOffset, 10)

	out, err := sigmaClipStack(context.Background(), framesSource(grids...), sel, offsets, 2.5, 2, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, float64(out.Grid.Get(4, 4)), 1e-3, "sigma clip kills the hot pixel")
}

// All-equal values at a pixel must not diverge or NaN out.
func TestSigmaClipStableOnEqualValues(t *testing.T) {
	vals := []float64{0.3, 0.3, 0.3, 0.3}
	mask := []bool{true, true, true, true}
	got := sigmaClipPixel(vals, mask, 2.5, 10)
	assert.Equal(t, 0.3, got)
	assert.False(t, math.IsNaN(got))
}

func TestMedianOf(t *testing.T) {
	assert.Equal(t, 2.0, medianOf([]float64{3, 1, 2}))
	assert.Equal(t, 2.5, medianOf([]float64{1, 2, 3, 4}))
	assert.Equal(t, 1.0, medianOf([]float64{1}))
	assert.Equal(t, 1.5, medianOf([]float64{1, math.NaN(), 2}))
	assert.Equal(t, 0.0, medianOf([]float64{math.NaN()}))
}

func TestDrizzleIdenticalFrames(t *testing.T) {
	src, sel, offsets, _ := identicalStackInput(4)
	p := DefaultDrizzleParams()
	p.Scale = 2.0

	out, err := drizzleStack(context.Background(), src, sel, offsets, p, nil)
	require.NoError(t, err)

	assert.Equal(t, 128, out.Grid.Dx())
	assert.Equal(t, 128, out.Grid.Dy())

	// the blob's peak should survive near (64,64) at output scale
	assert.Greater(t, float64(out.Grid.Get(64, 64)), 0.9)
}

func TestDrizzleValidation(t *testing.T) {
	src, sel, offsets, _ := identicalStackInput(2)

	p := DefaultDrizzleParams()
	p.Pixfrac = 1.5
	_, err := drizzleStack(context.Background(), src, sel, offsets, p, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	p = DefaultDrizzleParams()
	p.Scale = 0.5
	_, err = drizzleStack(context.Background(), src, sel, offsets, p, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestStackEmptySelection(t *testing.T) {
	be := compute.NewCPUBackend()
	src, _, _, base := identicalStackInput(2)

	_, err := Stack(context.Background(), src, nil, nil, &base, DefaultStackParams(), be, nil)
	assert.Error(t, err)
}
