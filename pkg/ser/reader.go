package ser

import(
	"encoding/binary"
	"fmt"

	"golang.org/x/exp/mmap"

	"github.com/abworrall/planet-stack/pkg/pmath"
)

// Reader exposes random access to the frames of a SER file through a
// read-only memory map. It is safe for concurrent use: every read decodes
// into a fresh buffer, and the mapping itself is immutable. The file must
// not be truncated while the Reader is alive.
type Reader struct {
	Header  Header

	ra      *mmap.ReaderAt
	hasTrailer bool
}

// Open memory-maps path and validates the container header.
func Open(path string) (*Reader, error) {
	ra, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ser open '%s': %w", path, err)
	}

	hdr := make([]byte, HeaderSize)
	if ra.Len() < HeaderSize {
		ra.Close()
		return nil, fmt.Errorf("'%s': %w: file too small", path, ErrInvalidHeader)
	}
	if _, err := ra.ReadAt(hdr, 0); err != nil {
		ra.Close()
		return nil, fmt.Errorf("ser read header '%s': %w", path, err)
	}

	h, err := parseHeader(hdr)
	if err != nil {
		ra.Close()
		return nil, fmt.Errorf("'%s': %w", path, err)
	}

	wantData := HeaderSize + h.FrameByteSize()*h.FrameCount
	if ra.Len() < wantData {
		ra.Close()
		return nil, fmt.Errorf("'%s': %w: truncated, want %d bytes, have %d",
			path, ErrInvalidHeader, wantData, ra.Len())
	}

	r := &Reader{Header: h, ra: ra}
	r.hasTrailer = ra.Len() >= wantData + 8*h.FrameCount
	return r, nil
}

func (r *Reader)Close() error       { return r.ra.Close() }
func (r *Reader)FrameCount() int    { return r.Header.FrameCount }
func (r *Reader)Dimensions() (h, w int) { return r.Header.Height, r.Header.Width }

// DecodedFrameBytes is the in-memory footprint of one decoded frame,
// used to pick between eager and streaming modes.
func (r *Reader)DecodedFrameBytes() int {
	return r.Header.Width * r.Header.Height * 4
}

// Meta is the per-frame metadata a read produces.
type Meta struct {
	Index       int
	TimestampUS uint64 // 0 when the file has no trailer
}

// ReadGrid decodes frame index into a normalized [0,1] grid. Bayer data
// comes back as the raw single-plane mosaic (debayering is a concern for
// the caller); RGB/BGR data collapses to the green plane as luminance.
func (r *Reader)ReadGrid(index int) (pmath.Grid, Meta, error) {
	if index < 0 || index >= r.Header.FrameCount {
		return pmath.Grid{}, Meta{}, fmt.Errorf("frame %d out of range [0,%d)", index, r.Header.FrameCount)
	}

	raw := make([]byte, r.Header.FrameByteSize())
	off := int64(HeaderSize) + int64(index)*int64(r.Header.FrameByteSize())
	if _, err := r.ra.ReadAt(raw, off); err != nil {
		return pmath.Grid{}, Meta{}, fmt.Errorf("ser read frame %d: %w", index, err)
	}

	plane := 0
	if r.Header.PlanesPerPixel() == 3 {
		plane = 1 // green sits in the middle for both RGB and BGR
	}
	g := decodePlane(raw, r.Header, plane)

	m := Meta{Index: index, TimestampUS: r.timestamp(index)}
	return g, m, nil
}

func (r *Reader)timestamp(index int) uint64 {
	if !r.hasTrailer { return 0 }
	off := int64(HeaderSize) + int64(r.Header.FrameByteSize())*int64(r.Header.FrameCount) + int64(index)*8
	buf := make([]byte, 8)
	if _, err := r.ra.ReadAt(buf, off); err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(buf)
}

func decodePlane(raw []byte, h Header, plane int) pmath.Grid {
	g := pmath.NewGrid(h.Width, h.Height)
	bps := h.BytesPerSamplePlane()
	planes := h.PlanesPerPixel()
	maxVal := float32(uint32(1)<<uint(h.PixelDepth) - 1)

	for row := 0; row < h.Height; row++ {
		for col := 0; col < h.Width; col++ {
			idx := ((row*h.Width + col)*planes + plane) * bps
			var v float32
			if bps == 1 {
				v = float32(raw[idx])
			} else if h.LittleEndian {
				v = float32(binary.LittleEndian.Uint16(raw[idx : idx+2]))
			} else {
				v = float32(binary.BigEndian.Uint16(raw[idx : idx+2]))
			}
			g.Set(col, row, v/maxVal)
		}
	}

	return g
}
