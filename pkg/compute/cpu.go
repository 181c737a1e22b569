package compute

import(
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/abworrall/planet-stack/pkg/pmath"
)

// B3 spline 1-D kernel [1,4,6,4,1]/16, the analysis kernel for the
// a trous wavelet decomposition.
var b3Kernel = []float32{1.0 / 16, 4.0 / 16, 6.0 / 16, 4.0 / 16, 1.0 / 16}

// Images at or above this many pixels get row-parallel kernels.
const parallelPixelThreshold = 65536

// CPUBackend implements Backend with gonum FFTs and data-parallel pixel
// loops over a pool of goroutines.
type CPUBackend struct {
	plans *fftPlanPool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{plans: newFFTPlanPool()}
}

func (be *CPUBackend)Name() string { return "cpu/gonum" }
func (be *CPUBackend)IsGPU() bool  { return false }
func (be *CPUBackend)Close()       {}

func (be *CPUBackend)Upload(g pmath.Grid) *Buffer {
	c := g.Copy()
	return &Buffer{H: c.Dy(), W: c.Dx(), host: c.Values()}
}

func (be *CPUBackend)Download(b *Buffer) pmath.Grid {
	vals := make([]float32, len(b.host))
	copy(vals, b.host)
	return pmath.NewGridFromValues(b.W, vals)
}

// hostGrid gives a Grid view of a real host buffer, without copying.
func hostGrid(b *Buffer) pmath.Grid {
	return pmath.NewGridFromValues(b.W, b.host)
}

// ComplexBuffer wraps interleaved [re,im,...] host data as a complex
// buffer, for callers that assemble a spectrum themselves (the Wiener
// filter does).
func (be *CPUBackend)ComplexBuffer(h, w int, interleaved []float32) *Buffer {
	return &Buffer{H: h, W: w, Complex: true, host: interleaved}
}

func newHostBuffer(h, w int, complex bool) *Buffer {
	n := h * w
	if complex { n *= 2 }
	return &Buffer{H: h, W: w, Complex: complex, host: make([]float32, n)}
}

func (be *CPUBackend)FFT2D(b *Buffer) *Buffer {
	ph := pmath.NextPow2(b.H)
	pw := pmath.NextPow2(b.W)

	// Zero-pad into a complex working array
	work := make([]complex128, ph*pw)
	for y := 0; y < b.H; y++ {
		for x := 0; x < b.W; x++ {
			work[y*pw+x] = complex(float64(b.host[y*b.W+x]), 0.0)
		}
	}

	be.fftRows(work, ph, pw, false)
	be.fftCols(work, ph, pw, false)

	out := newHostBuffer(ph, pw, true)
	for i, c := range work {
		out.host[2*i] = float32(real(c))
		out.host[2*i+1] = float32(imag(c))
	}
	return out
}

func (be *CPUBackend)IFFT2DReal(b *Buffer, h, w int) *Buffer {
	ph, pw := b.H, b.W

	work := make([]complex128, ph*pw)
	for i := range work {
		work[i] = complex(float64(b.host[2*i]), float64(b.host[2*i+1]))
	}

	be.fftRows(work, ph, pw, true)
	be.fftCols(work, ph, pw, true)

	if h > ph { h = ph }
	if w > pw { w = pw }
	scale := 1.0 / float64(ph*pw)
	out := newHostBuffer(h, w, false)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.host[y*w+x] = float32(real(work[y*pw+x]) * scale)
		}
	}
	return out
}

func (be *CPUBackend)fftRows(work []complex128, h, w int, inverse bool) {
	fft := be.plans.get(w)
	defer be.plans.put(w, fft)
	row := make([]complex128, w)
	for y := 0; y < h; y++ {
		copy(row, work[y*w:(y+1)*w])
		if inverse {
			fft.Sequence(work[y*w:(y+1)*w], row)
		} else {
			fft.Coefficients(work[y*w:(y+1)*w], row)
		}
	}
}

func (be *CPUBackend)fftCols(work []complex128, h, w int, inverse bool) {
	fft := be.plans.get(h)
	defer be.plans.put(h, fft)
	col := make([]complex128, h)
	out := make([]complex128, h)
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			col[y] = work[y*w+x]
		}
		if inverse {
			fft.Sequence(out, col)
		} else {
			fft.Coefficients(out, col)
		}
		for y := 0; y < h; y++ {
			work[y*w+x] = out[y]
		}
	}
}

func (be *CPUBackend)CrossPowerSpectrum(a, b *Buffer) *Buffer {
	out := newHostBuffer(a.H, a.W, true)
	n := a.H * a.W
	for i := 0; i < n; i++ {
		aRe, aIm := float64(a.host[2*i]), float64(a.host[2*i+1])
		bRe, bIm := float64(b.host[2*i]), float64(b.host[2*i+1])

		// a * conj(b)
		re := aRe*bRe + aIm*bIm
		im := aIm*bRe - aRe*bIm

		mag := math.Sqrt(re*re + im*im)
		if mag > 1e-12 {
			out.host[2*i] = float32(re / mag)
			out.host[2*i+1] = float32(im / mag)
		}
	}
	return out
}

func (be *CPUBackend)ComplexMul(a, b *Buffer) *Buffer {
	out := newHostBuffer(a.H, a.W, true)
	n := a.H * a.W
	for i := 0; i < n; i++ {
		aRe, aIm := float64(a.host[2*i]), float64(a.host[2*i+1])
		bRe, bIm := float64(b.host[2*i]), float64(b.host[2*i+1])
		out.host[2*i] = float32(aRe*bRe - aIm*bIm)
		out.host[2*i+1] = float32(aRe*bIm + aIm*bRe)
	}
	return out
}

func (be *CPUBackend)HannWindow(b *Buffer) *Buffer {
	out := newHostBuffer(b.H, b.W, false)
	for y := 0; y < b.H; y++ {
		wy := pmath.HannWeight(y, b.H)
		for x := 0; x < b.W; x++ {
			wx := pmath.HannWeight(x, b.W)
			out.host[y*b.W+x] = b.host[y*b.W+x] * float32(wy*wx)
		}
	}
	return out
}

func (be *CPUBackend)ShiftBilinear(b *Buffer, dx, dy float64) *Buffer {
	src := hostGrid(b)
	out := newHostBuffer(b.H, b.W, false)
	forEachRow(b.H, b.H*b.W, func(y int) {
		for x := 0; x < b.W; x++ {
			out.host[y*b.W+x] = src.BilinearSample(float64(x)-dx, float64(y)-dy)
		}
	})
	return out
}

func (be *CPUBackend)ConvolveSeparable(b *Buffer, kernel []float32) *Buffer {
	tmp := newHostBuffer(b.H, b.W, false)
	half := len(kernel) / 2

	forEachRow(b.H, b.H*b.W, func(y int) {
		for x := 0; x < b.W; x++ {
			sum := float32(0.0)
			for k, kv := range kernel {
				xx := clampIndex(x+k-half, b.W)
				sum += b.host[y*b.W+xx] * kv
			}
			tmp.host[y*b.W+x] = sum
		}
	})

	out := newHostBuffer(b.H, b.W, false)
	forEachRow(b.H, b.H*b.W, func(y int) {
		for x := 0; x < b.W; x++ {
			sum := float32(0.0)
			for k, kv := range kernel {
				yy := clampIndex(y+k-half, b.H)
				sum += tmp.host[yy*b.W+x] * kv
			}
			out.host[y*b.W+x] = sum
		}
	})
	return out
}

func (be *CPUBackend)AtrousConvolve(b *Buffer, scale int) *Buffer {
	step := 1 << uint(scale)
	tmp := newHostBuffer(b.H, b.W, false)

	forEachRow(b.H, b.H*b.W, func(y int) {
		for x := 0; x < b.W; x++ {
			sum := float32(0.0)
			for k, kv := range b3Kernel {
				xx := pmath.MirrorIndex(x+(k-2)*step, b.W)
				sum += b.host[y*b.W+xx] * kv
			}
			tmp.host[y*b.W+x] = sum
		}
	})

	out := newHostBuffer(b.H, b.W, false)
	forEachRow(b.H, b.H*b.W, func(y int) {
		for x := 0; x < b.W; x++ {
			sum := float32(0.0)
			for k, kv := range b3Kernel {
				yy := pmath.MirrorIndex(y+(k-2)*step, b.H)
				sum += tmp.host[yy*b.W+x] * kv
			}
			out.host[y*b.W+x] = sum
		}
	})
	return out
}

func (be *CPUBackend)DivideReal(a, b *Buffer, epsilon float32) *Buffer {
	out := newHostBuffer(a.H, a.W, false)
	for i := range out.host {
		out.host[i] = a.host[i] / (b.host[i] + epsilon)
	}
	return out
}

func (be *CPUBackend)MultiplyReal(a, b *Buffer) *Buffer {
	out := newHostBuffer(a.H, a.W, false)
	for i := range out.host {
		out.host[i] = a.host[i] * b.host[i]
	}
	return out
}

func (be *CPUBackend)FindPeak(b *Buffer) (int, int, float64) {
	bestRow, bestCol := 0, 0
	best := math.Inf(-1)
	for y := 0; y < b.H; y++ {
		for x := 0; x < b.W; x++ {
			v := float64(b.host[y*b.W+x])
			if v > best {
				best = v
				bestRow, bestCol = y, x
			}
		}
	}
	return bestRow, bestCol, best
}

func clampIndex(i, n int) int {
	if i < 0 { return 0 }
	if i >= n { return n - 1 }
	return i
}

// forEachRow runs fn(y) for y in [0,h), fanning out over workers when the
// image is big enough to be worth it.
func forEachRow(h, pixels int, fn func(y int)) {
	if pixels < parallelPixelThreshold {
		for y := 0; y < h; y++ {
			fn(y)
		}
		return
	}

	var wg sync.WaitGroup
	rows := make(chan int, h)

	nWorkers := runtime.NumCPU()
	for i := 0; i < nWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for y := range rows {
				fn(y)
			}
		}()
	}

	for y := 0; y < h; y++ {
		rows <- y
	}
	close(rows)
	wg.Wait()
}

// fftPlanPool recycles gonum FFT plans per transform length; the plans
// carry trig tables and are not safe for concurrent use.
type fftPlanPool struct {
	mu    sync.Mutex
	plans map[int][]*fourier.CmplxFFT
}

func newFFTPlanPool() *fftPlanPool {
	return &fftPlanPool{plans: map[int][]*fourier.CmplxFFT{}}
}

func (p *fftPlanPool)get(n int) *fourier.CmplxFFT {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s := p.plans[n]; len(s) > 0 {
		fft := s[len(s)-1]
		p.plans[n] = s[:len(s)-1]
		return fft
	}
	return fourier.NewCmplxFFT(n)
}

func (p *fftPlanPool)put(n int, fft *fourier.CmplxFFT) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plans[n] = append(p.plans[n], fft)
}
