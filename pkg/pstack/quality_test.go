package pstack

import(
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abworrall/planet-stack/pkg/pmath"
)

// checkerboard has maximal Laplacian response; blur washes it out
func sharpGrid(w, h int) pmath.Grid {
	g := pmath.NewGrid(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x+y)%2 == 0 { g.Set(x, y, 1.0) }
		}
	}
	return g
}

func blurredGrid(w, h int) pmath.Grid {
	g := pmath.NewGrid(w, h)
	g.Fill(0.5)
	return g
}

func framesSource(grids ...pmath.Grid) FrameSource {
	frames := make([]Frame, len(grids))
	for i, g := range grids {
		frames[i] = Frame{Grid: g, BitDepth: 8, Index: i}
	}
	return &eagerSource{frames: frames}
}

func TestMetricsPreferSharp(t *testing.T) {
	// 2x2 blocks: the one-pixel checkerboard of sharpGrid cancels out in
	// the Sobel kernels, whose x-1 and x+1 taps see equal values
	sharp := pmath.NewGrid(32, 32)
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			if (x/2+y/2)%2 == 0 { sharp.Set(x, y, 1.0) }
		}
	}
	blurred := blurredGrid(32, 32)

	for _, m := range []QualityMetric{MetricLaplacian, MetricGradient} {
		assert.Greater(t, m.Score(&sharp), m.Score(&blurred), m.String())
	}
}

func TestMetricTinyFrame(t *testing.T) {
	g := pmath.NewGrid(2, 2)
	assert.Equal(t, 0.0, MetricLaplacian.Score(&g))
	assert.Equal(t, 0.0, MetricGradient.Score(&g))
}

func TestRankFramesOrdersByScore(t *testing.T) {
	src := framesSource(blurredGrid(32, 32), sharpGrid(32, 32), blurredGrid(32, 32))

	ranked, err := RankFrames(src, MetricLaplacian)
	require.NoError(t, err)
	require.Len(t, ranked, 3)

	assert.Equal(t, 1, ranked[0].Index, "the sharp frame ranks first")
	// deterministic tie-break between the two identical blurred frames
	assert.Equal(t, 0, ranked[1].Index)
	assert.Equal(t, 2, ranked[2].Index)
}

func TestNaNScoresSortLast(t *testing.T) {
	assert.True(t, betterScore(1.0, math.NaN()))
	assert.False(t, betterScore(math.NaN(), 1.0))
	assert.False(t, betterScore(math.NaN(), math.NaN()))
	assert.True(t, betterScore(2.0, 1.0))
}

func TestSelectTop(t *testing.T) {
	ranked := []ScoredFrame{{0, 9}, {1, 8}, {2, 7}, {3, 6}}

	assert.Len(t, SelectTop(ranked, 0.25), 1)
	assert.Len(t, SelectTop(ranked, 0.5), 2)
	assert.Len(t, SelectTop(ranked, 0.6), 3, "ceil")
	assert.Len(t, SelectTop(ranked, 1.0), 4)
	assert.Len(t, SelectTop(ranked, 0.0001), 1, "never empty")
}

func TestRankManyFramesParallel(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	grids := make([]pmath.Grid, 20)
	for i := range grids {
		g := pmath.NewGrid(64, 64)
		for j := range g.Values() {
			g.Values()[j] = rng.Float32()
		}
		grids[i] = g
	}
	src := framesSource(grids...)

	ranked, err := RankFrames(src, MetricGradient)
	require.NoError(t, err)
	require.Len(t, ranked, 20)

	for i := 1; i < len(ranked); i++ {
		assert.GreaterOrEqual(t, ranked[i-1].Score, ranked[i].Score)
	}
}
