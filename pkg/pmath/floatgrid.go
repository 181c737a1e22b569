package pmath

import(
	"fmt"
	"math"
)

// A Grid is a rectangular grid of float32 pixel values, stored row-major
// in a flat slice. It is the in-memory currency of the whole pipeline:
// frames, patches, correlation surfaces and PSF kernels are all Grids.
// Values for image data are normalized into [0,1].
type Grid struct {
	stride int
	values []float32
}

func NewGrid(w, h int) Grid {
	return Grid{
		stride: w,
		values: make([]float32, w*h),
	}
}

// NewGridFromValues adopts the slice directly; len(values) must be a
// multiple of w.
func NewGridFromValues(w int, values []float32) Grid {
	return Grid{stride: w, values: values}
}

func (g1 *Grid)NewFromThis() Grid          { return NewGrid(g1.Dx(), g1.Dy()) }
func (g *Grid)Set(x, y int, v float32)     { g.values[g.stride*y + x] = v }
func (g *Grid)Get(x, y int) float32        { return g.values[g.stride*y + x] }
func (g *Grid)Dx() int                     { return g.stride }
func (g *Grid)Dy() int                     { return len(g.values) / g.stride }
func (g *Grid)Values() []float32           { return g.values }

func (g1 *Grid)Copy() Grid {
	g2 := Grid{stride: g1.stride, values: make([]float32, len(g1.values))}
	copy(g2.values, g1.values)
	return g2
}

func (g *Grid)Fill(v float32) {
	for i := range g.values {
		g.values[i] = v
	}
}

func (g *Grid)Mean() float64 {
	if len(g.values) == 0 { return 0.0 }
	sum := 0.0
	for _, v := range g.values {
		sum += float64(v)
	}
	return sum / float64(len(g.values))
}

// MeanStdDev treats NaN as zero contribution so a bad pixel can't poison
// a whole patch score.
func (g *Grid)MeanStdDev() (float64, float64) {
	n := float64(len(g.values))
	if n == 0 { return 0.0, 0.0 }
	sum, sumSq := 0.0, 0.0
	for _, v := range g.values {
		f := float64(v)
		if math.IsNaN(f) { f = 0.0 }
		sum += f
		sumSq += f * f
	}
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0.0 { variance = 0.0 }
	return mean, math.Sqrt(variance)
}

func (g *Grid)MinMax() (float32, float32) {
	min, max := float32(math.MaxFloat32), float32(-math.MaxFloat32)
	for _, v := range g.values {
		if v < min { min = v }
		if v > max { max = v }
	}
	return min, max
}

// Clamp01 clamps every value into [0,1]; NaNs become 0.
func (g *Grid)Clamp01() {
	for i, v := range g.values {
		switch {
		case math.IsNaN(float64(v)): g.values[i] = 0.0
		case v < 0.0:                g.values[i] = 0.0
		case v > 1.0:                g.values[i] = 1.0
		}
	}
}

// BilinearSample samples the grid at fractional coordinates (x,y).
// Out-of-bounds taps contribute zero.
func (g *Grid)BilinearSample(x, y float64) float32 {
	w, h := g.Dx(), g.Dy()

	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	fx := float32(x - float64(x0))
	fy := float32(y - float64(y0))

	sample := func(xx, yy int) float32 {
		if xx < 0 || xx >= w || yy < 0 || yy >= h { return 0.0 }
		return g.Get(xx, yy)
	}

	v00 := sample(x0,   y0)
	v10 := sample(x0+1, y0)
	v01 := sample(x0,   y0+1)
	v11 := sample(x0+1, y0+1)

	return v00*(1.0-fx)*(1.0-fy) + v10*fx*(1.0-fy) + v01*(1.0-fx)*fy + v11*fx*fy
}

// Shift resamples the grid by (dx,dy) with bilinear interpolation, so the
// content moves by the offset; samples from outside are zero.
func (g1 *Grid)Shift(dx, dy float64) Grid {
	w, h := g1.Dx(), g1.Dy()
	g2 := g1.NewFromThis()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g2.Set(x, y, g1.BilinearSample(float64(x)-dx, float64(y)-dy))
		}
	}
	return g2
}

// SubGrid extracts a size x size region centered at (cx,cy), clamping reads
// to the grid edge (so border regions repeat the edge pixel).
func (g *Grid)SubGrid(cx, cy, half int) Grid {
	w, h := g.Dx(), g.Dy()
	size := half * 2
	out := NewGrid(size, size)
	for dy := 0; dy < size; dy++ {
		for dx := 0; dx < size; dx++ {
			x := clampInt(cx+dx-half, 0, w-1)
			y := clampInt(cy+dy-half, 0, h-1)
			out.Set(dx, dy, g.Get(x, y))
		}
	}
	return out
}

// SubGridShifted extracts a size x size region that corresponds to the
// reference region centered at (cx,cy), in a grid whose content is
// displaced by (dx,dy) relative to the reference. Samples bilinearly;
// out-of-bounds reads are 0.
func (g *Grid)SubGridShifted(cx, cy, half int, dx, dy float64) Grid {
	size := half * 2
	out := NewGrid(size, size)
	for r := 0; r < size; r++ {
		for c := 0; c < size; c++ {
			srcX := float64(cx+c-half) + dx
			srcY := float64(cy+r-half) + dy
			out.Set(c, r, g.BilinearSample(srcX, srcY))
		}
	}
	return out
}

// DownSample returns a grid 1/4 the size, averaging 2x2 blocks. Used by
// the pyramid aligner.
func (g1 *Grid)DownSample() Grid {
	w := g1.Dx() / 2
	h := g1.Dy() / 2
	g2 := NewGrid(w, h)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p := g1.Get(2*x,   2*y)
			p += g1.Get(2*x+1, 2*y)
			p += g1.Get(2*x,   2*y+1)
			p += g1.Get(2*x+1, 2*y+1)
			g2.Set(x, y, p/4.0)
		}
	}

	return g2
}

func (g *Grid)Stats() string {
	min, max := g.MinMax()
	return fmt.Sprintf("grid[%dx%d, vals{%f,%f}]", g.Dx(), g.Dy(), min, max)
}

func clampInt(v, lo, hi int) int {
	if v < lo { return lo }
	if v > hi { return hi }
	return v
}
