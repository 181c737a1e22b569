package pstack

import(
	"fmt"
	"math"
	"sort"

	"github.com/abworrall/planet-stack/pkg/compute"
	"github.com/abworrall/planet-stack/pkg/pmath"
)

// A trous B3-spline wavelet sharpening. The decomposition dilates the
// [1,4,6,4,1]/16 kernel by 2^j at each scale instead of shrinking the
// image, so every detail layer keeps full resolution. Reconstruction
// scales each layer by its coefficient, optionally soft-thresholding
// small coefficients against a MAD noise estimate, and adds back the
// residual. With unit coefficients and zero thresholds it is an identity.

type WaveletParams struct {
	NumLayers    int
	// Coefficients multiply each detail layer: >1 sharpens, <1 smooths.
	Coefficients []float64
	// Thresholds are per-layer denoise strengths in units of the layer's
	// estimated noise sigma; 0 disables.
	Thresholds   []float64
}

func DefaultWaveletParams() WaveletParams {
	return WaveletParams{
		NumLayers:    6,
		Coefficients: []float64{1.5, 1.3, 1.2, 1.1, 1.0, 1.0},
	}
}

func (p WaveletParams)validate() error {
	if p.NumLayers < 1 {
		return fmt.Errorf("%w: wavelet layers %d", ErrInvalidConfig, p.NumLayers)
	}
	if len(p.Coefficients) != p.NumLayers {
		return fmt.Errorf("%w: %d wavelet coefficients for %d layers",
			ErrInvalidConfig, len(p.Coefficients), p.NumLayers)
	}
	if len(p.Thresholds) != 0 && len(p.Thresholds) != p.NumLayers {
		return fmt.Errorf("%w: %d wavelet thresholds for %d layers",
			ErrInvalidConfig, len(p.Thresholds), p.NumLayers)
	}
	return nil
}

// WaveletDecompose splits g into detail layers plus the smooth residual;
// summing everything back together reproduces the input.
func WaveletDecompose(g *pmath.Grid, numLayers int, be compute.Backend) (layers []pmath.Grid, residual pmath.Grid) {
	current := be.Upload(*g)

	for scale := 0; scale < numLayers; scale++ {
		smoothed := be.AtrousConvolve(current, scale)

		cur := be.Download(current)
		smo := be.Download(smoothed)
		detail := cur.NewFromThis()
		for i, v := range cur.Values() {
			detail.Values()[i] = v - smo.Values()[i]
		}

		layers = append(layers, detail)
		current = smoothed
	}

	return layers, be.Download(current)
}

// WaveletReconstruct rebuilds the image from scaled (and optionally
// denoised) detail layers plus the residual, clamped into [0,1].
func WaveletReconstruct(layers []pmath.Grid, residual *pmath.Grid, p WaveletParams) pmath.Grid {
	out := residual.Copy()

	for j, layer := range layers {
		coeff := 1.0
		if j < len(p.Coefficients) { coeff = p.Coefficients[j] }

		threshold := 0.0
		if j < len(p.Thresholds) { threshold = p.Thresholds[j] }

		if threshold > 0.0 {
			t := threshold * madSigma(&layer)
			for i, v := range layer.Values() {
				w := float64(v)
				aw := math.Abs(w)
				if aw <= t {
					continue
				}
				soft := math.Copysign(aw-t, w)
				out.Values()[i] += float32(soft * coeff)
			}
		} else {
			for i, v := range layer.Values() {
				out.Values()[i] += float32(float64(v) * coeff)
			}
		}
	}

	out.Clamp01()
	return out
}

// WaveletSharpen runs decompose + reconstruct on a frame.
func WaveletSharpen(f Frame, p WaveletParams, be compute.Backend) (Frame, error) {
	if err := p.validate(); err != nil {
		return Frame{}, err
	}
	layers, residual := WaveletDecompose(&f.Grid, p.NumLayers, be)
	out := WaveletReconstruct(layers, &residual, p)
	return Frame{Grid: out, BitDepth: f.BitDepth, Index: f.Index, TimestampUS: f.TimestampUS}, nil
}

// madSigma estimates a layer's noise sigma as the median absolute
// deviation over 0.6745, robust against the actual detail content.
func madSigma(layer *pmath.Grid) float64 {
	vals := layer.Values()
	abs := make([]float64, 0, len(vals))
	for _, v := range vals {
		f := math.Abs(float64(v))
		if !math.IsNaN(f) {
			abs = append(abs, f)
		}
	}
	if len(abs) == 0 { return 0.0 }
	sort.Float64s(abs)
	median := abs[len(abs)/2]
	return median / 0.6745
}
