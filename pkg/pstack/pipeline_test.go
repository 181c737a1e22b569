package pstack

import(
	"context"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abworrall/planet-stack/pkg/pmath"
	"github.com/abworrall/planet-stack/pkg/ser"
)

func writeSER(t *testing.T, path string, grids []pmath.Grid) {
	t.Helper()
	w, h := grids[0].Dx(), grids[0].Dy()
	wr, err := ser.NewWriter(path, w, h, 16, len(grids), "", "", "")
	require.NoError(t, err)
	for _, g := range grids {
		require.NoError(t, wr.WriteGrid(g, 0))
	}
	require.NoError(t, wr.Close())
}

// Single-frame identity: one synthetic frame through select-100%, phase
// alignment, mean stacking, no sharpening comes out untouched.
func TestPipelineSingleFrameIdentity(t *testing.T) {
	g := pmath.NewGrid(64, 64)
	g.Fill(0.5)
	g.Set(32, 32, 1.0)

	path := filepath.Join(t.TempDir(), "one.ser")
	writeSER(t, path, []pmath.Grid{g})

	cfg := NewConfiguration()
	cfg.Input = path
	cfg.Device = "cpu"
	cfg.Selection.Percentage = 1.0
	cfg.Stacking.Method = "mean"
	cfg.SharpenOff = true
	require.NoError(t, cfg.FinalizeConfiguration())

	p := NewPipeline(cfg)
	out, err := p.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 64, out.Grid.Dx())
	for i, v := range g.Values() {
		// one 16-bit quantization plus float noise
		assert.InDelta(t, float64(v), float64(out.Grid.Values()[i]), 1.0/65535.0+1e-6, "at %d", i)
	}
}

// A small end-to-end run: jittered copies of a blob, multi-point
// stacking, sharpening on. Mostly checks the stages hold together and
// the invariants (range, size) survive.
func TestPipelineEndToEnd(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	grids := make([]pmath.Grid, 12)
	for i := range grids {
		dx := (rng.Float64() - 0.5) * 4.0
		dy := (rng.Float64() - 0.5) * 4.0
		grids[i] = gaussianBlob(64, 64, 32+dx, 32+dy, 5.0)
	}

	path := filepath.Join(t.TempDir(), "run.ser")
	writeSER(t, path, grids)

	cfg := NewConfiguration()
	cfg.Input = path
	cfg.Device = "cpu"
	cfg.Selection.Percentage = 0.5
	cfg.Stacking.Method = "multipoint"
	cfg.Stacking.MultiPoint.APSize = 32
	cfg.Stacking.MultiPoint.SelectPercentage = 1.0
	cfg.Debug.APOverlay = filepath.Join(t.TempDir(), "aps.png")
	require.NoError(t, cfg.FinalizeConfiguration())

	p := NewPipeline(cfg)
	out, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 64, out.Grid.Dx())
	assert.Equal(t, 64, out.Grid.Dy())
	for _, v := range out.Grid.Values() {
		assert.False(t, math.IsNaN(float64(v)))
		assert.GreaterOrEqual(t, v, float32(0.0))
		assert.LessOrEqual(t, v, float32(1.0))
	}

	// the blob should still be the brightest thing, near the center
	_, max := out.Grid.MinMax()
	assert.Greater(t, float64(max), 0.5)
}

func TestPipelineCancellation(t *testing.T) {
	g := pmath.NewGrid(32, 32)
	g.Fill(0.5)
	path := filepath.Join(t.TempDir(), "cancel.ser")
	writeSER(t, path, []pmath.Grid{g, g.Copy()})

	cfg := NewConfiguration()
	cfg.Input = path
	cfg.Device = "cpu"
	require.NoError(t, cfg.FinalizeConfiguration())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPipeline(cfg)
	_, err := p.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestPipelineMissingInput(t *testing.T) {
	cfg := NewConfiguration()
	cfg.Input = "/no/such/file.ser"
	cfg.Device = "cpu"
	require.NoError(t, cfg.FinalizeConfiguration())

	p := NewPipeline(cfg)
	_, err := p.Run(context.Background())
	require.Error(t, err)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "read", se.Stage)
}

func TestConfigurationValidation(t *testing.T) {
	bad := func(mutate func(c *Configuration)) error {
		c := NewConfiguration()
		mutate(&c)
		return c.FinalizeConfiguration()
	}

	assert.ErrorIs(t, bad(func(c *Configuration) { c.Device = "quantum" }), ErrInvalidConfig)
	assert.ErrorIs(t, bad(func(c *Configuration) { c.Selection.Percentage = 0.0 }), ErrInvalidConfig)
	assert.ErrorIs(t, bad(func(c *Configuration) { c.Selection.Percentage = 1.5 }), ErrInvalidConfig)
	assert.ErrorIs(t, bad(func(c *Configuration) { c.Selection.Metric = "psychic" }), ErrInvalidConfig)
	assert.ErrorIs(t, bad(func(c *Configuration) { c.Alignment.Method = "vibes" }), ErrInvalidConfig)
	assert.ErrorIs(t, bad(func(c *Configuration) { c.Stacking.Method = "pile" }), ErrInvalidConfig)
	assert.ErrorIs(t, bad(func(c *Configuration) { c.Stacking.MultiPoint.APSize = 63 }), ErrInvalidConfig)
	assert.ErrorIs(t, bad(func(c *Configuration) { c.Stacking.MultiPoint.SelectPercentage = 2.0 }), ErrInvalidConfig)
	assert.ErrorIs(t, bad(func(c *Configuration) {
		c.Sharpening.Wavelet.Layers = 3
		c.Sharpening.Wavelet.Coefficients = []float64{1.0}
	}), ErrInvalidConfig)
	assert.ErrorIs(t, bad(func(c *Configuration) {
		c.Stacking.Method = "drizzle"
		c.Stacking.Drizzle.Pixfrac = 1.7
	}), ErrInvalidConfig)

	assert.NoError(t, bad(func(c *Configuration) {}), "defaults are valid")
}

func TestConfigurationDefaults(t *testing.T) {
	c := NewConfiguration()
	require.NoError(t, c.FinalizeConfiguration())

	assert.Equal(t, MetricLaplacian, c.Metric)
	assert.Equal(t, AlignPhase, c.AlignParams.Method)
	assert.Equal(t, StackMean, c.StackParams.Method)
	assert.Equal(t, 6, c.Wavelet.NumLayers)
	assert.Nil(t, c.Deconv)
}

func TestWriteComposite(t *testing.T) {
	g := gaussianBlob(32, 32, 16, 16, 4.0)
	f := Frame{Grid: g, BitDepth: 16}

	dir := t.TempDir()
	assert.NoError(t, WriteComposite(f, filepath.Join(dir, "out.png")))
	assert.NoError(t, WriteComposite(f, filepath.Join(dir, "out.tif")))
	assert.ErrorIs(t, WriteComposite(f, filepath.Join(dir, "out.bmp")), ErrUnsupportedFormat)
}

func TestReportDropCheck(t *testing.T) {
	r := NewReport()
	r.RecordStage("align", 100, 80)
	assert.NoError(t, r.DropCheck())

	r.RecordStage("stack", 100, 20)
	err := r.DropCheck()
	require.Error(t, err)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "stack", se.Stage)
}
