package pstack

import(
	"github.com/abworrall/planet-stack/pkg/compute"
	"github.com/abworrall/planet-stack/pkg/pmath"
)

// Coarse-to-fine alignment over a downsample pyramid. Each level halves
// the dimensions, so a displacement that would wrap the FFT at full
// resolution is small at the top of the pyramid; lower levels only have
// to correct the residual.

func PyramidCorrelate(ref, tgt *pmath.Grid, levels int, be compute.Backend) (AlignmentOffset, error) {
	if levels < 1 { levels = 1 }

	refPyr := buildPyramid(ref, levels)
	tgtPyr := buildPyramid(tgt, levels)

	off := AlignmentOffset{}
	for level := len(refPyr) - 1; level >= 0; level-- {
		// Promote the accumulated offset to this level's scale
		off.Dx *= 2.0
		off.Dy *= 2.0

		// Undo what we know so far, then measure the residual
		shifted := AlignGrid(&tgtPyr[level], off)
		res, err := PhaseCorrelate(&refPyr[level], &shifted, be)
		if err != nil {
			return AlignmentOffset{}, err
		}

		off.Dx += res.Dx
		off.Dy += res.Dy
		off.Confidence = res.Confidence
		off.LowConfidence = res.LowConfidence
	}

	// The loop pre-doubles before level 0's residual, and level 0 is full
	// resolution already, so no rescale is needed here -- but the first
	// (coarsest) iteration doubled a zero offset, which is harmless.
	return off, nil
}

// buildPyramid returns grids from full resolution (index 0) down to the
// coarsest level, stopping early if a level would shrink below the FFT's
// useful size.
func buildPyramid(g *pmath.Grid, levels int) []pmath.Grid {
	pyr := []pmath.Grid{g.Copy()}
	for i := 1; i < levels; i++ {
		prev := &pyr[i-1]
		if prev.Dx() < 32 || prev.Dy() < 32 { break }
		pyr = append(pyr, prev.DownSample())
	}
	return pyr
}
