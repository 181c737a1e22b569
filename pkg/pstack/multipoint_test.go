package pstack

import(
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abworrall/planet-stack/pkg/compute"
	"github.com/abworrall/planet-stack/pkg/pmath"
)

func TestAutoAPSize(t *testing.T) {
	assert.Equal(t, 32, AutoAPSize(100, 100))   // clamps up to the floor
	assert.Equal(t, 48, AutoAPSize(240, 300))   // 240/5 = 48
	assert.Equal(t, 128, AutoAPSize(2000, 2000)) // clamps at the ceiling
	assert.Equal(t, 96, AutoAPSize(500, 640))   // 100 rounds down to 96
}

func TestBuildAPGridCoverage(t *testing.T) {
	ref := pmath.NewGrid(256, 256)
	ref.Fill(0.5)

	p := DefaultMultiPointParams()
	p.APSize = 64

	grid := BuildAPGrid(&ref, p)
	require.Equal(t, 64, grid.APSize)

	// centers step by 32 from 32 to 224: 7 per axis
	assert.Len(t, grid.Points, 49)
	assert.Equal(t, 32, grid.Points[0].Cy)
	assert.Equal(t, 32, grid.Points[0].Cx)
}

func TestBuildAPGridBrightnessGate(t *testing.T) {
	ref := pmath.NewGrid(256, 256)
	// only the middle is bright
	for y := 96; y < 160; y++ {
		for x := 96; x < 160; x++ {
			ref.Set(x, y, 0.8)
		}
	}

	p := DefaultMultiPointParams()
	p.APSize = 64
	p.MinBrightness = 0.1

	grid := BuildAPGrid(&ref, p)
	assert.NotEmpty(t, grid.Points)
	assert.Less(t, len(grid.Points), 49, "dark sky APs get gated")
}

func TestBuildAPGridTooSmall(t *testing.T) {
	ref := pmath.NewGrid(32, 32)
	ref.Fill(0.5)

	p := DefaultMultiPointParams()
	p.APSize = 64

	grid := BuildAPGrid(&ref, p)
	assert.Empty(t, grid.Points, "image smaller than one AP yields no APs")
}

// The blend of all-ones patches must come out all ones: with Hann
// weighting at 50% stride the weights are a partition of unity, and the
// final division normalizes whatever is left at the borders.
func TestBlendPartitionOfUnity(t *testing.T) {
	ref := pmath.NewGrid(256, 256)
	ref.Fill(0.5)

	p := DefaultMultiPointParams()
	p.APSize = 64
	grid := BuildAPGrid(&ref, p)
	require.Len(t, grid.Points, 49)

	ones := make([]pmath.Grid, len(grid.Points))
	for i := range ones {
		g := pmath.NewGrid(64, 64)
		g.Fill(1.0)
		ones[i] = g
	}

	out := blendAPs(ones, &grid, 256, 256)

	for y := 32; y < 224; y++ {
		for x := 32; x < 224; x++ {
			assert.InDelta(t, 1.0, float64(out.Get(x, y)), 1e-6, "at (%d,%d)", x, y)
		}
	}
}

// The raw weight sums themselves must hit 1.0 over the interior -- the
// invariant behind the seamless blend, checked without the normalizing
// division hiding anything.
func TestHannWeightSumInterior(t *testing.T) {
	apSize := 64
	half := apSize / 2
	size := 256

	wsum := make([]float64, size*size)
	for cy := half; cy+half <= size; cy += half {
		for cx := half; cx+half <= size; cx += half {
			for r := 0; r < apSize; r++ {
				for c := 0; c < apSize; c++ {
					y, x := cy-half+r, cx-half+c
					wsum[y*size+x] += pmath.HannWeight(r, apSize) * pmath.HannWeight(c, apSize)
				}
			}
		}
	}

	for y := half; y < size-half; y++ {
		for x := half; x < size-half; x++ {
			assert.InDelta(t, 1.0, wsum[y*size+x], 1e-6, "at (%d,%d)", x, y)
		}
	}
}

func TestSelectPerAP(t *testing.T) {
	q := []float64{0.1, 0.9, 0.5, 0.7}

	chosen := selectPerAP(q, 0.5)
	require.Len(t, chosen, 2)
	assert.Equal(t, 1, chosen[0])
	assert.Equal(t, 3, chosen[1])

	assert.Len(t, selectPerAP(q, 0.01), 1, "always at least one")
}

// Different APs select different frames when sharpness varies locally.
func TestPerAPSelectionIsIndependent(t *testing.T) {
	mk := func(sharpLeft bool) pmath.Grid {
		g := pmath.NewGrid(128, 64)
		g.Fill(0.5)
		x0, x1 := 0, 64
		if !sharpLeft { x0, x1 = 64, 128 }
		for y := 0; y < 64; y++ {
			for x := x0; x < x1; x++ {
				if (x+y)%2 == 0 { g.Set(x, y, 1.0) }
			}
		}
		return g
	}

	leftSharp := mk(true)
	rightSharp := mk(false)
	src := framesSource(leftSharp, rightSharp)
	sel := []ScoredFrame{{Index: 0, Score: 1.0}, {Index: 1, Score: 1.0}}
	offsets := make([]AlignmentOffset, 2)

	p := DefaultMultiPointParams()
	p.APSize = 32
	p.MinBrightness = 0.0

	grid := BuildAPGrid(&leftSharp, p)
	require.NotEmpty(t, grid.Points)

	q, err := scoreAPs(context.Background(), src, sel, offsets, &grid, p)
	require.NoError(t, err)

	// an AP on the left half prefers frame 0; on the right, frame 1
	var leftAP, rightAP *AlignmentPoint
	for i := range grid.Points {
		if grid.Points[i].Cx < 48 && leftAP == nil { leftAP = &grid.Points[i] }
		if grid.Points[i].Cx > 80 && rightAP == nil { rightAP = &grid.Points[i] }
	}
	require.NotNil(t, leftAP)
	require.NotNil(t, rightAP)

	assert.Greater(t, q[leftAP.Index][0], q[leftAP.Index][1])
	assert.Greater(t, q[rightAP.Index][1], q[rightAP.Index][0])
}

func TestMultiPointFallsBackToMeanOnTinyImage(t *testing.T) {
	be := compute.NewCPUBackend()

	base := pmath.NewGrid(32, 32)
	base.Fill(0.5)
	src := framesSource(base.Copy(), base.Copy())
	sel := []ScoredFrame{{Index: 0, Score: 1.0}, {Index: 1, Score: 1.0}}
	offsets := make([]AlignmentOffset, 2)

	p := DefaultMultiPointParams()
	p.APSize = 64 // bigger than the frame

	out, err := multiPointStack(context.Background(), src, sel, offsets, &base, p, be, nil)
	require.NoError(t, err)

	for i, v := range base.Values() {
		assert.InDelta(t, float64(v), float64(out.Grid.Values()[i]), 1e-5, "mean fallback at %d", i)
	}
}
