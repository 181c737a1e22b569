package pstack

import(
	"github.com/abworrall/planet-stack/pkg/pmath"
)

// Centroid alignment: the offset between the intensity-weighted centers
// of gravity of the two images. Naturally sub-pixel, O(n), no FFT; only
// good to ~half a pixel but hard to fool with a bright disk on dark sky.

// CentroidOffset returns tgt's centroid minus ref's centroid. Pixels
// below threshold*max are excluded so the sky background doesn't drag
// the centroid toward the frame center.
func CentroidOffset(ref, tgt *pmath.Grid, threshold float64) AlignmentOffset {
	refY, refX := centroid(ref, threshold)
	tgtY, tgtX := centroid(tgt, threshold)

	return AlignmentOffset{
		Dx: tgtX - refX,
		Dy: tgtY - refY,
	}
}

func centroid(g *pmath.Grid, threshold float64) (cy, cx float64) {
	w, h := g.Dx(), g.Dy()

	_, max := g.MinMax()
	if max <= 0.0 {
		// All-dark frame; call it centered rather than blowing up
		return float64(h) / 2.0, float64(w) / 2.0
	}
	cutoff := float32(threshold * float64(max))

	sumY, sumX, sumW := 0.0, 0.0, 0.0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := g.Get(x, y)
			if v > cutoff {
				wgt := float64(v)
				sumY += float64(y) * wgt
				sumX += float64(x) * wgt
				sumW += wgt
			}
		}
	}

	if sumW <= 0.0 {
		return float64(h) / 2.0, float64(w) / 2.0
	}
	return sumY / sumW, sumX / sumW
}
