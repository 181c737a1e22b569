package pstack

import(
	"math"

	"github.com/abworrall/planet-stack/pkg/compute"
	"github.com/abworrall/planet-stack/pkg/pmath"
)

// Gradient correlation: phase-correlate the Sobel gradient magnitudes
// instead of the raw intensities. Edges survive seeing-driven brightness
// flicker better than the intensities themselves do.

func GradientCorrelate(ref, tgt *pmath.Grid, be compute.Backend) (AlignmentOffset, error) {
	refEdges := sobelMagnitude(ref)
	tgtEdges := sobelMagnitude(tgt)
	return PhaseCorrelate(&refEdges, &tgtEdges, be)
}

func sobelMagnitude(g *pmath.Grid) pmath.Grid {
	w, h := g.Dx(), g.Dy()
	out := pmath.NewGrid(w, h)

	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := -float64(g.Get(x-1, y-1)) + float64(g.Get(x+1, y-1)) +
				-2.0*float64(g.Get(x-1, y)) + 2.0*float64(g.Get(x+1, y)) +
				-float64(g.Get(x-1, y+1)) + float64(g.Get(x+1, y+1))
			gy := -float64(g.Get(x-1, y-1)) - 2.0*float64(g.Get(x, y-1)) - float64(g.Get(x+1, y-1)) +
				float64(g.Get(x-1, y+1)) + 2.0*float64(g.Get(x, y+1)) + float64(g.Get(x+1, y+1))
			out.Set(x, y, float32(math.Sqrt(gx*gx+gy*gy)))
		}
	}
	return out
}
