package pstack

import(
	"math"
	"runtime"
	"sort"
	"sync"

	"github.com/abworrall/planet-stack/pkg/pmath"
)

// QualityMetric picks how frame sharpness is measured.
type QualityMetric int

const (
	// MetricLaplacian is the variance of the Laplacian-filtered image.
	// Focused detail produces strong second derivatives, so higher is
	// sharper. The planetary stacking standard.
	MetricLaplacian QualityMetric = iota
	// MetricGradient is the mean Sobel gradient magnitude. A bit more
	// noise-tolerant, a bit less discriminating.
	MetricGradient
)

func (m QualityMetric)String() string {
	if m == MetricGradient { return "gradient" }
	return "laplacian"
}

// Score computes the metric over a grid. Frames smaller than the 3x3
// kernels score zero.
func (m QualityMetric)Score(g *pmath.Grid) float64 {
	if m == MetricGradient {
		return gradientScore(g)
	}
	return laplacianVariance(g)
}

// laplacianVariance convolves with [[0,1,0],[1,-4,1],[0,1,0]] over the
// interior and returns the variance of the response.
func laplacianVariance(g *pmath.Grid) float64 {
	w, h := g.Dx(), g.Dy()
	if w < 3 || h < 3 { return 0.0 }

	sum, sumSq := 0.0, 0.0
	count := float64((w - 2) * (h - 2))

	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			lap := -4.0*float64(g.Get(x, y)) +
				float64(g.Get(x, y-1)) + float64(g.Get(x, y+1)) +
				float64(g.Get(x-1, y)) + float64(g.Get(x+1, y))
			sum += lap
			sumSq += lap * lap
		}
	}

	mean := sum / count
	return sumSq/count - mean*mean
}

// gradientScore is the mean of sqrt(Gx^2+Gy^2) with the 3x3 Sobel kernels.
func gradientScore(g *pmath.Grid) float64 {
	w, h := g.Dx(), g.Dy()
	if w < 3 || h < 3 { return 0.0 }

	sum := 0.0
	count := float64((w - 2) * (h - 2))

	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := -float64(g.Get(x-1, y-1)) + float64(g.Get(x+1, y-1)) +
				-2.0*float64(g.Get(x-1, y)) + 2.0*float64(g.Get(x+1, y)) +
				-float64(g.Get(x-1, y+1)) + float64(g.Get(x+1, y+1))
			gy := -float64(g.Get(x-1, y-1)) - 2.0*float64(g.Get(x, y-1)) - float64(g.Get(x+1, y-1)) +
				float64(g.Get(x-1, y+1)) + 2.0*float64(g.Get(x, y+1)) + float64(g.Get(x+1, y+1))
			sum += math.Sqrt(gx*gx + gy*gy)
		}
	}

	return sum / count
}

// betterScore is the sort order for quality scores: descending, with NaN
// always last and NaN==NaN, so sorting is total and deterministic.
func betterScore(a, b float64) bool {
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	switch {
	case aNaN && bNaN: return false
	case aNaN:         return false
	case bNaN:         return true
	}
	return a > b
}

type ScoredFrame struct {
	Index int
	Score float64
}

// RankFrames scores every frame with the metric and returns the frame
// indices ordered best-first. Frames are scored in parallel; ties and NaNs
// order deterministically (by index).
func RankFrames(src FrameSource, metric QualityMetric) ([]ScoredFrame, error) {
	n := src.FrameCount()
	scores := make([]ScoredFrame, n)

	var wg sync.WaitGroup
	var firstErr error
	var errMu sync.Mutex
	jobs := make(chan int, n)

	nWorkers := runtime.NumCPU()
	if nWorkers > n { nWorkers = n }
	if nWorkers < 1 { nWorkers = 1 }

	for i := 0; i < nWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				f, err := src.Frame(idx)
				if err != nil {
					errMu.Lock()
					if firstErr == nil { firstErr = err }
					errMu.Unlock()
					scores[idx] = ScoredFrame{Index: idx, Score: math.NaN()}
					continue
				}
				scores[idx] = ScoredFrame{Index: idx, Score: metric.Score(&f.Grid)}
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

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Score == scores[j].Score {
			return scores[i].Index < scores[j].Index
		}
		return betterScore(scores[i].Score, scores[j].Score)
	})
	return scores, nil
}

// SelectTop keeps the best ceil(n*fraction) of the ranked scores, always
// at least one.
func SelectTop(ranked []ScoredFrame, fraction float64) []ScoredFrame {
	keep := int(math.Ceil(float64(len(ranked)) * fraction))
	if keep < 1 { keep = 1 }
	if keep > len(ranked) { keep = len(ranked) }
	return ranked[:keep]
}
