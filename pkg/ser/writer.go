package ser

import(
	"bufio"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/abworrall/planet-stack/pkg/pmath"
)

// Writer emits a valid SER container. The pipeline uses it for debug dumps
// of aligned frames; the tests use it to build fixtures.
type Writer struct {
	h      Header
	f      *os.File
	w      *bufio.Writer
	nDone  int
	stamps []uint64
}

// NewWriter creates path and writes a mono header for the given geometry.
// PixelDepth of 8 or 16 covers everything the pipeline emits.
func NewWriter(path string, width, height, pixelDepth, frameCount int, observer, instrument, telescope string) (*Writer, error) {
	h := Header{
		ColorID:      ColorMono,
		LittleEndian: true,
		Width:        width,
		Height:       height,
		PixelDepth:   pixelDepth,
		FrameCount:   frameCount,
		Observer:     observer,
		Instrument:   instrument,
		Telescope:    telescope,
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("ser create '%s': %w", path, err)
	}

	w := &Writer{h: h, f: f, w: bufio.NewWriter(f)}
	if err := w.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer)writeHeader() error {
	buf := make([]byte, HeaderSize)
	copy(buf[0:14], Magic)

	le := binary.LittleEndian
	le.PutUint32(buf[18:22], uint32(w.h.ColorID))
	// Samples are written little-endian. The flag field follows the
	// common-writer convention the reader honours: anything other than 1
	// means little-endian, so emit 0.
	le.PutUint32(buf[22:26], 0)
	le.PutUint32(buf[26:30], uint32(w.h.Width))
	le.PutUint32(buf[30:34], uint32(w.h.Height))
	le.PutUint32(buf[34:38], uint32(w.h.PixelDepth))
	le.PutUint32(buf[38:42], uint32(w.h.FrameCount))
	copy(buf[42:82], padded(w.h.Observer, 40))
	copy(buf[82:122], padded(w.h.Instrument, 40))
	copy(buf[122:162], padded(w.h.Telescope, 40))
	le.PutUint64(buf[162:170], w.h.DateTime)
	le.PutUint64(buf[170:178], w.h.DateTimeUTC)

	_, err := w.w.Write(buf)
	return err
}

// WriteGrid appends one frame, quantizing [0,1] values to the writer's
// bit depth. An optional microsecond timestamp lands in the trailer.
func (w *Writer)WriteGrid(g pmath.Grid, timestampUS uint64) error {
	if w.nDone >= w.h.FrameCount {
		return fmt.Errorf("ser write: already wrote %d frames", w.h.FrameCount)
	}
	if g.Dx() != w.h.Width || g.Dy() != w.h.Height {
		return fmt.Errorf("ser write: frame is %dx%d, container is %dx%d",
			g.Dx(), g.Dy(), w.h.Width, w.h.Height)
	}

	maxVal := float64(uint32(1)<<uint(w.h.PixelDepth) - 1)
	bps := w.h.BytesPerSamplePlane()
	buf := make([]byte, w.h.Width*w.h.Height*bps)

	i := 0
	for row := 0; row < w.h.Height; row++ {
		for col := 0; col < w.h.Width; col++ {
			q := uint32(pmath.Clamp(float64(g.Get(col, row)), 0.0, 1.0)*maxVal + 0.5)
			if bps == 1 {
				buf[i] = byte(q)
				i++
			} else {
				binary.LittleEndian.PutUint16(buf[i:i+2], uint16(q))
				i += 2
			}
		}
	}

	if _, err := w.w.Write(buf); err != nil {
		return err
	}
	w.stamps = append(w.stamps, timestampUS)
	w.nDone++
	return nil
}

// Close writes the timestamp trailer (if any frame carried a nonzero
// timestamp) and closes the file.
func (w *Writer)Close() error {
	if w.nDone != w.h.FrameCount {
		w.f.Close()
		return fmt.Errorf("ser close: wrote %d of %d frames", w.nDone, w.h.FrameCount)
	}

	anyStamp := false
	for _, ts := range w.stamps {
		if ts != 0 { anyStamp = true }
	}
	if anyStamp {
		buf := make([]byte, 8)
		for _, ts := range w.stamps {
			binary.LittleEndian.PutUint64(buf, ts)
			if _, err := w.w.Write(buf); err != nil {
				w.f.Close()
				return err
			}
		}
	}

	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

func padded(s string, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = ' '
	}
	copy(buf, s)
	return buf
}
