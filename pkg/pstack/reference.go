package pstack

import(
	"context"
	"fmt"
	"log"

	"github.com/abworrall/planet-stack/pkg/compute"
	"github.com/abworrall/planet-stack/pkg/pmath"
)

// The alignment reference. A single frame -- even the best one -- bakes
// that frame's atmospheric state into every comparison; averaging the top
// frames (each shifted into register first) gives a cleaner, less biased
// target. Fraction of ranked frames that get averaged:
const referenceFraction = 0.1

// BuildReference averages the best already-ranked frames into a synthetic
// reference grid. ranked must be sorted best-first (RankFrames order).
// The best frame anchors the registration; the rest align to it with the
// configured method before averaging.
func BuildReference(ctx context.Context, src FrameSource, ranked []ScoredFrame, p AlignmentParams, be compute.Backend) (pmath.Grid, error) {
	if len(ranked) == 0 {
		return pmath.Grid{}, fmt.Errorf("%w: no frames to build a reference from", ErrInvalidConfig)
	}

	top := SelectTop(ranked, referenceFraction)

	best, err := src.Frame(top[0].Index)
	if err != nil {
		return pmath.Grid{}, err
	}
	if len(top) == 1 {
		return best.Grid.Copy(), nil
	}

	h, w := best.Grid.Dy(), best.Grid.Dx()
	acc := make([]float64, h*w)
	n := 0

	for i, sf := range top {
		if err := ctx.Err(); err != nil {
			return pmath.Grid{}, fmt.Errorf("%w: %v", ErrCancelled, err)
		}

		f, err := src.Frame(sf.Index)
		if err != nil {
			return pmath.Grid{}, err
		}

		g := f.Grid
		if i > 0 {
			off, err := ComputeOffset(&best.Grid, &g, p, be)
			if err != nil || off.LowConfidence {
				continue // a frame that won't register just sits this out
			}
			g = AlignGrid(&g, off)
		}

		for j, v := range g.Values() {
			acc[j] += float64(v)
		}
		n++
	}

	if n == 0 {
		log.Printf("Reference: nothing registered; using the single best frame\n")
		return best.Grid.Copy(), nil
	}

	out := pmath.NewGrid(w, h)
	for j := range acc {
		out.Values()[j] = float32(acc[j] / float64(n))
	}
	log.Printf("Reference: averaged %d of top %d frames\n", n, len(top))
	return out, nil
}
