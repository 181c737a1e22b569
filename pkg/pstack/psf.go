package pstack

import(
	"fmt"
	"math"

	"github.com/abworrall/planet-stack/pkg/compute"
	"github.com/abworrall/planet-stack/pkg/pmath"
)

// PSF kernels for deconvolution. All are generated at the full image size
// in FFT-ready layout (center at (0,0), wrapping to the far corners) and
// normalized to unit sum so deconvolution preserves flux.

type PsfModel int

const (
	// PsfGaussian: exp(-r^2 / 2 sigma^2). The workhorse.
	PsfGaussian PsfModel = iota
	// PsfKolmogorov: long-exposure atmospheric PSF with the given seeing
	// FWHM, built from its OTF exp(-3.44 (f/f0)^(5/3)).
	PsfKolmogorov
	// PsfAiry: diffraction pattern (2 J1(pi r/R) / (pi r/R))^2 with the
	// first dark ring at radius R.
	PsfAiry
)

func (m PsfModel)String() string {
	switch m {
	case PsfKolmogorov: return "kolmogorov"
	case PsfAiry:       return "airy"
	}
	return "gaussian"
}

type PsfParams struct {
	Model  PsfModel
	Sigma  float64 // gaussian
	Seeing float64 // kolmogorov FWHM, px
	Radius float64 // airy first dark ring, px
}

func (p PsfParams)validate() error {
	switch p.Model {
	case PsfGaussian:
		if p.Sigma <= 0.0 {
			return fmt.Errorf("%w: psf sigma %g", ErrInvalidConfig, p.Sigma)
		}
	case PsfKolmogorov:
		if p.Seeing <= 0.0 {
			return fmt.Errorf("%w: psf seeing %g", ErrInvalidConfig, p.Seeing)
		}
	case PsfAiry:
		if p.Radius <= 0.0 {
			return fmt.Errorf("%w: psf radius %g", ErrInvalidConfig, p.Radius)
		}
	}
	return nil
}

// GeneratePSF builds the kernel for the model at (w, h).
func GeneratePSF(p PsfParams, w, h int, be compute.Backend) pmath.Grid {
	switch p.Model {
	case PsfKolmogorov:
		return kolmogorovPSF(p.Seeing, w, h, be)
	case PsfAiry:
		return airyPSF(p.Radius, w, h)
	}
	return gaussianPSF(p.Sigma, w, h)
}

// wrapCoord maps an FFT-layout index to a signed distance from origin.
func wrapCoord(i, n int) float64 {
	if i <= n/2 {
		return float64(i)
	}
	return float64(i - n)
}

func gaussianPSF(sigma float64, w, h int) pmath.Grid {
	psf := pmath.NewGrid(w, h)
	twoSigma2 := 2.0 * sigma * sigma

	for yi := 0; yi < h; yi++ {
		y := wrapCoord(yi, h)
		for xi := 0; xi < w; xi++ {
			x := wrapCoord(xi, w)
			psf.Set(xi, yi, float32(math.Exp(-(x*x+y*y)/twoSigma2)))
		}
	}

	normalizePSF(&psf)
	return psf
}

// kolmogorovPSF synthesizes the kernel by inverse-transforming the
// long-exposure OTF; negative ringing from the transform clips to zero
// before normalization.
func kolmogorovPSF(seeing float64, w, h int, be compute.Backend) pmath.Grid {
	f0 := 0.98 / seeing

	// Build the OTF directly as an FFT-domain "image", then IFFT it. The
	// OTF is real and symmetric so the imaginary part is already zero.
	otf := pmath.NewGrid(w, h)
	for yi := 0; yi < h; yi++ {
		fy := wrapCoord(yi, h) / float64(h)
		for xi := 0; xi < w; xi++ {
			fx := wrapCoord(xi, w) / float64(w)
			f := math.Sqrt(fx*fx + fy*fy)
			otf.Set(xi, yi, float32(math.Exp(-3.44*math.Pow(f/f0, 5.0/3.0))))
		}
	}

	// The OTF is real and even-symmetric, so its inverse transform equals
	// its forward transform divided by N, and comes out real. FFT2D pads
	// to powers of two, which would distort a non-pow2 OTF; those fall
	// back to a direct transform.
	psf := pmath.NewGrid(w, h)
	if pmath.NextPow2(w) == w && pmath.NextPow2(h) == h {
		specGrid := be.Download(be.FFT2D(be.Upload(otf)))
		spec := specGrid.Values()
		scale := 1.0 / float64(w*h)
		for i := range psf.Values() {
			v := float64(spec[2*i]) * scale
			if v < 0.0 { v = 0.0 }
			psf.Values()[i] = float32(v)
		}
	} else {
		dftReal2D(&otf, &psf)
	}

	normalizePSF(&psf)
	return psf
}

// dftReal2D is a direct inverse DFT of a real symmetric spectrum; slow,
// only used for non-power-of-two frames.
func dftReal2D(otf, out *pmath.Grid) {
	w, h := otf.Dx(), otf.Dy()
	for yi := 0; yi < h; yi++ {
		for xi := 0; xi < w; xi++ {
			sum := 0.0
			for fy := 0; fy < h; fy++ {
				for fx := 0; fx < w; fx++ {
					phase := 2.0 * math.Pi * (float64(fx*xi)/float64(w) + float64(fy*yi)/float64(h))
					sum += float64(otf.Get(fx, fy)) * math.Cos(phase)
				}
			}
			if sum < 0.0 { sum = 0.0 }
			out.Set(xi, yi, float32(sum))
		}
	}
}

func airyPSF(radius float64, w, h int) pmath.Grid {
	psf := pmath.NewGrid(w, h)

	for yi := 0; yi < h; yi++ {
		y := wrapCoord(yi, h)
		for xi := 0; xi < w; xi++ {
			x := wrapCoord(xi, w)
			r := math.Sqrt(x*x + y*y)
			var v float64
			if r < 1e-12 {
				v = 1.0 // limit of (2 J1(z)/z)^2 at z=0
			} else {
				z := math.Pi * r / radius
				jinc := 2.0 * math.J1(z) / z
				v = jinc * jinc
			}
			psf.Set(xi, yi, float32(v))
		}
	}

	normalizePSF(&psf)
	return psf
}

func normalizePSF(psf *pmath.Grid) {
	sum := 0.0
	for _, v := range psf.Values() {
		sum += float64(v)
	}
	if sum <= 0.0 { return }
	inv := float32(1.0 / sum)
	for i := range psf.Values() {
		psf.Values()[i] *= inv
	}
}
