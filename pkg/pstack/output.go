package pstack

import(
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/abworrall/planet-stack/pkg/pmath"
)

// Output encoding for the final composite: 16-bit grayscale PNG, or
// 32-bit float TIFF when the full dynamic range should survive into a
// post-processing tool.

// WriteComposite dispatches on the filename extension.
func WriteComposite(f Frame, filename string) error {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		return WritePNG16(&f.Grid, filename)
	case ".tif", ".tiff":
		return WriteTIFF32(&f.Grid, filename)
	}
	return fmt.Errorf("%w: don't know how to write '%s'", ErrUnsupportedFormat, filename)
}

func WritePNG16(g *pmath.Grid, filename string) error {
	w, h := g.Dx(), g.Dy()
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := pmath.Clamp(float64(g.Get(x, y)), 0.0, 1.0)
			img.SetGray16(x, y, color.Gray16{Y: uint16(v*65535.0 + 0.5)})
		}
	}

	out, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("open+w '%s': %v", filename, err)
	}
	defer out.Close()
	return png.Encode(out, img)
}

// WriteTIFF32 stores the raw float32 values, unclamped by quantization.
// x/image's encoder only does integer samples, so the (tiny) baseline
// TIFF structure is written directly: one IFD, one strip, SampleFormat 3.
func WriteTIFF32(g *pmath.Grid, filename string) error {
	w, h := g.Dx(), g.Dy()

	le := binary.LittleEndian
	pixelBytes := w * h * 4

	// Layout: 8-byte header, pixel strip, then the IFD
	stripOffset := uint32(8)
	ifdOffset := stripOffset + uint32(pixelBytes)

	buf := make([]byte, 0, 8+pixelBytes+2+10*12+4)
	buf = append(buf, 'I', 'I', 42, 0)
	buf = le.AppendUint32(buf, ifdOffset)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			buf = le.AppendUint32(buf, math.Float32bits(g.Get(x, y)))
		}
	}

	type ifdEntry struct {
		tag, typ uint16
		count, value uint32
	}
	entries := []ifdEntry{
		{256, 4, 1, uint32(w)},             // ImageWidth
		{257, 4, 1, uint32(h)},             // ImageLength
		{258, 3, 1, 32},                    // BitsPerSample
		{259, 3, 1, 1},                     // Compression: none
		{262, 3, 1, 1},                     // Photometric: BlackIsZero
		{273, 4, 1, stripOffset},           // StripOffsets
		{277, 3, 1, 1},                     // SamplesPerPixel
		{278, 4, 1, uint32(h)},             // RowsPerStrip
		{279, 4, 1, uint32(pixelBytes)},    // StripByteCounts
		{339, 3, 1, 3},                     // SampleFormat: IEEE float
	}

	buf = le.AppendUint16(buf, uint16(len(entries)))
	for _, e := range entries {
		buf = le.AppendUint16(buf, e.tag)
		buf = le.AppendUint16(buf, e.typ)
		buf = le.AppendUint32(buf, e.count)
		buf = le.AppendUint32(buf, e.value)
	}
	buf = le.AppendUint32(buf, 0) // no next IFD

	if err := os.WriteFile(filename, buf, 0644); err != nil {
		return fmt.Errorf("open+w '%s': %v", filename, err)
	}
	return nil
}
