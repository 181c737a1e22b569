package ser

import(
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abworrall/planet-stack/pkg/pmath"
)

func writeTestSER(t *testing.T, path string, w, h, depth, frames int, stamps bool) {
	t.Helper()
	wr, err := NewWriter(path, w, h, depth, frames, "tester", "cam", "scope")
	require.NoError(t, err)
	for i := 0; i < frames; i++ {
		g := pmath.NewGrid(w, h)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				g.Set(x, y, float32(x+y+i)/float32(w+h+frames))
			}
		}
		ts := uint64(0)
		if stamps { ts = uint64(1000000 * (i + 1)) }
		require.NoError(t, wr.WriteGrid(g, ts))
	}
	require.NoError(t, wr.Close())
}

func TestRoundTrip16Bit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roundtrip.ser")
	writeTestSER(t, path, 32, 24, 16, 3, true)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, 3, r.FrameCount())
	h, w := r.Dimensions()
	assert.Equal(t, 24, h)
	assert.Equal(t, 32, w)
	assert.Equal(t, "tester", r.Header.Observer)
	assert.Equal(t, "cam", r.Header.Instrument)
	assert.Equal(t, "scope", r.Header.Telescope)

	for i := 0; i < 3; i++ {
		g, meta, err := r.ReadGrid(i)
		require.NoError(t, err)
		assert.Equal(t, i, meta.Index)
		assert.Equal(t, uint64(1000000*(i+1)), meta.TimestampUS)

		for _, v := range g.Values() {
			assert.GreaterOrEqual(t, v, float32(0.0))
			assert.LessOrEqual(t, v, float32(1.0))
		}
		// quantization error at 16 bits is tiny
		want := float32(10+12+i) / float32(32+24+3)
		assert.InDelta(t, want, g.Get(10, 12), 2.0/65535.0)
	}
}

func TestRoundTrip8Bit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roundtrip8.ser")
	writeTestSER(t, path, 16, 16, 8, 2, false)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	g, meta, err := r.ReadGrid(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), meta.TimestampUS, "no trailer written without stamps")
	assert.InDelta(t, float32(5+5+1)/float32(16+16+2), g.Get(5, 5), 2.0/255.0)
}

func TestRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.ser")
	buf := make([]byte, HeaderSize)
	copy(buf, "NOT-A-RECORDER")
	require.NoError(t, os.WriteFile(path, buf, 0644))

	_, err := Open(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidHeader)
}

func TestRejectsTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trunc.ser")
	writeTestSER(t, path, 32, 32, 16, 4, false)

	// Chop off half the last frame
	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, fi.Size()-1024))

	_, err = Open(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidHeader)
}

func TestRejectsTinyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.ser")
	require.NoError(t, os.WriteFile(path, []byte("LUCAM"), 0644))

	_, err := Open(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidHeader)
}

func TestRejectsBadDepth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "depth.ser")
	writeTestSER(t, path, 8, 8, 16, 1, false)

	// Corrupt the bits-per-sample field
	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	buf[34] = 99
	require.NoError(t, os.WriteFile(path, buf, 0644))

	_, err = Open(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestFrameIndexOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "range.ser")
	writeTestSER(t, path, 8, 8, 8, 2, false)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	_, _, err = r.ReadGrid(2)
	assert.Error(t, err)
	_, _, err = r.ReadGrid(-1)
	assert.Error(t, err)
}
