package compute

import(
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abworrall/planet-stack/pkg/pmath"
)

func randomGrid(w, h int, rng *rand.Rand) pmath.Grid {
	g := pmath.NewGrid(w, h)
	for i := range g.Values() {
		g.Values()[i] = rng.Float32()
	}
	return g
}

func TestUploadDownload(t *testing.T) {
	be := NewCPUBackend()
	g := randomGrid(8, 8, rand.New(rand.NewSource(1)))

	got := be.Download(be.Upload(g))
	assert.Equal(t, g.Values(), got.Values())
}

// Forward FFT then inverse FFT (with its crop back to the input size)
// must reproduce the input.
func TestFFTRoundTrip(t *testing.T) {
	be := NewCPUBackend()

	for _, dims := range [][2]int{{64, 64}, {48, 32}, {33, 17}} {
		w, h := dims[0], dims[1]
		g := randomGrid(w, h, rand.New(rand.NewSource(42)))

		spec := be.FFT2D(be.Upload(g))
		back := be.Download(be.IFFT2DReal(spec, h, w))

		require.Equal(t, w, back.Dx())
		require.Equal(t, h, back.Dy())
		for i, v := range g.Values() {
			assert.InDelta(t, float64(v), float64(back.Values()[i]), 1e-5, "%dx%d at %d", w, h, i)
		}
	}
}

func TestFFTPadsToPow2(t *testing.T) {
	be := NewCPUBackend()
	g := randomGrid(48, 33, rand.New(rand.NewSource(7)))

	spec := be.FFT2D(be.Upload(g))
	assert.Equal(t, 64, spec.W)
	assert.Equal(t, 64, spec.H)
	assert.True(t, spec.Complex)
}

func TestHannWindowShape(t *testing.T) {
	be := NewCPUBackend()
	g := pmath.NewGrid(16, 16)
	g.Fill(1.0)

	wdw := be.Download(be.HannWindow(be.Upload(g)))

	// zero at the corner, unity at the center
	assert.InDelta(t, 0.0, float64(wdw.Get(0, 0)), 1e-6)
	assert.InDelta(t, 1.0, float64(wdw.Get(8, 8)), 1e-6)
}

// The normalized cross power of a spectrum with itself inverts to a
// delta at the origin.
func TestCrossPowerSelfIsDelta(t *testing.T) {
	be := NewCPUBackend()
	g := randomGrid(32, 32, rand.New(rand.NewSource(3)))

	spec := be.FFT2D(be.Upload(g))
	cross := be.CrossPowerSpectrum(spec, spec)
	corr := be.Download(be.IFFT2DReal(cross, 32, 32))

	row, col, val := be.FindPeak(be.Upload(corr))
	assert.Equal(t, 0, row)
	assert.Equal(t, 0, col)
	assert.InDelta(t, 1.0, val, 1e-3)
}

func TestShiftBilinear(t *testing.T) {
	be := NewCPUBackend()
	g := pmath.NewGrid(16, 16)
	g.Set(8, 8, 1.0)

	shifted := be.Download(be.ShiftBilinear(be.Upload(g), 2.0, -3.0))
	assert.InDelta(t, 1.0, float64(shifted.Get(10, 5)), 1e-6)
}

// A trous convolution preserves total flux away from borders (the B3
// kernel sums to 1), and smooths.
func TestAtrousConvolve(t *testing.T) {
	be := NewCPUBackend()
	g := pmath.NewGrid(32, 32)
	g.Fill(0.25)

	for scale := 0; scale < 3; scale++ {
		out := be.Download(be.AtrousConvolve(be.Upload(g), scale))
		for i, v := range out.Values() {
			assert.InDelta(t, 0.25, float64(v), 1e-6, "scale %d idx %d", scale, i)
		}
	}
}

func TestConvolveSeparable(t *testing.T) {
	be := NewCPUBackend()
	g := pmath.NewGrid(9, 9)
	g.Set(4, 4, 1.0)

	out := be.Download(be.ConvolveSeparable(be.Upload(g), []float32{0.25, 0.5, 0.25}))

	assert.InDelta(t, 0.25, float64(out.Get(4, 4)), 1e-6)
	assert.InDelta(t, 0.125, float64(out.Get(3, 4)), 1e-6)
	assert.InDelta(t, 0.0625, float64(out.Get(3, 3)), 1e-6)

	// flux preserved
	sum := 0.0
	for _, v := range out.Values() {
		sum += float64(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
}

func TestElementwiseOps(t *testing.T) {
	be := NewCPUBackend()
	a := pmath.NewGridFromValues(2, []float32{1, 2, 3, 4})
	b := pmath.NewGridFromValues(2, []float32{2, 2, 2, 2})

	mul := be.Download(be.MultiplyReal(be.Upload(a), be.Upload(b)))
	assert.Equal(t, []float32{2, 4, 6, 8}, mul.Values())

	div := be.Download(be.DivideReal(be.Upload(a), be.Upload(b), 0.0))
	assert.Equal(t, []float32{0.5, 1, 1.5, 2}, div.Values())
}

func TestFindPeak(t *testing.T) {
	be := NewCPUBackend()
	g := pmath.NewGrid(8, 8)
	g.Set(5, 2, 0.75)

	row, col, val := be.FindPeak(be.Upload(g))
	assert.Equal(t, 2, row)
	assert.Equal(t, 5, col)
	assert.InDelta(t, 0.75, val, 1e-6)
}

func TestComplexMul(t *testing.T) {
	be := NewCPUBackend()
	// (1+2i) * (3+4i) = -5 + 10i
	a := &Buffer{H: 1, W: 1, Complex: true, host: []float32{1, 2}}
	b := &Buffer{H: 1, W: 1, Complex: true, host: []float32{3, 4}}

	out := be.ComplexMul(a, b)
	assert.InDelta(t, -5.0, float64(out.host[0]), 1e-6)
	assert.InDelta(t, 10.0, float64(out.host[1]), 1e-6)
}

func TestDeviceDispatch(t *testing.T) {
	be, err := New(DeviceCPU)
	require.NoError(t, err)
	assert.False(t, be.IsGPU())

	// Auto must never fail, whatever the host has
	be, err = New(DeviceAuto)
	require.NoError(t, err)
	require.NotNil(t, be)
}

