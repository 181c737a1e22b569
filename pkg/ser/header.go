package ser

import(
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// SER is the uncompressed video container emitted by planetary capture
// tools (FireCapture, SharpCap, oaCapture). A fixed 178 byte header, then
// frame_count frames of packed samples, then an optional trailer of
// frame_count uint64 microsecond timestamps.

const (
	HeaderSize = 178
	Magic      = "LUCAM-RECORDER"
)

// Color IDs from the SER spec.
const (
	ColorMono      = 0
	ColorBayerRGGB = 8
	ColorBayerGRBG = 9
	ColorBayerGBRG = 10
	ColorBayerBGGR = 11
	ColorRGB       = 100
	ColorBGR       = 101
)

var(
	ErrInvalidHeader     = errors.New("invalid SER header")
	ErrUnsupportedFormat = errors.New("unsupported SER format")
)

type Header struct {
	ColorID      int32
	LittleEndian bool
	Width        int
	Height       int
	PixelDepth   int    // bits per sample, 1..16
	FrameCount   int
	Observer     string
	Instrument   string
	Telescope    string
	DateTime     uint64
	DateTimeUTC  uint64
}

// BytesPerSamplePlane is 1 for 8-bit data, 2 for 9-16 bit data.
func (h Header)BytesPerSamplePlane() int {
	if h.PixelDepth <= 8 {
		return 1
	}
	return 2
}

// PlanesPerPixel is 3 for interleaved RGB/BGR, 1 for mono and Bayer.
func (h Header)PlanesPerPixel() int {
	if h.ColorID == ColorRGB || h.ColorID == ColorBGR {
		return 3
	}
	return 1
}

func (h Header)FrameByteSize() int {
	return h.Width * h.Height * h.BytesPerSamplePlane() * h.PlanesPerPixel()
}

func (h Header)IsBayer() bool {
	return h.ColorID >= ColorBayerRGGB && h.ColorID <= ColorBayerBGGR
}

func (h Header)String() string {
	return fmt.Sprintf("ser[%dx%d, %dbit, %d frames, color=%d]",
		h.Width, h.Height, h.PixelDepth, h.FrameCount, h.ColorID)
}

func parseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: file shorter than %d byte header", ErrInvalidHeader, HeaderSize)
	}
	if string(buf[0:14]) != Magic {
		return Header{}, fmt.Errorf("%w: missing %s magic", ErrInvalidHeader, Magic)
	}

	le := binary.LittleEndian
	h := Header{
		ColorID:     int32(le.Uint32(buf[18:22])),
		Width:       int(int32(le.Uint32(buf[26:30]))),
		Height:      int(int32(le.Uint32(buf[30:34]))),
		PixelDepth:  int(int32(le.Uint32(buf[34:38]))),
		FrameCount:  int(int32(le.Uint32(buf[38:42]))),
		Observer:    fixedString(buf[42:82]),
		Instrument:  fixedString(buf[82:122]),
		Telescope:   fixedString(buf[122:162]),
		DateTime:    le.Uint64(buf[162:170]),
		DateTimeUTC: le.Uint64(buf[170:178]),
	}

	// The format spec says 0 means big-endian pixel data, but the common
	// capture tools write 0 and mean little-endian; follow that convention
	// and only honour an explicit 1 as big-endian.
	h.LittleEndian = le.Uint32(buf[22:26]) != 1

	if h.Width <= 0 || h.Height <= 0 {
		return Header{}, fmt.Errorf("%w: dimensions %dx%d", ErrInvalidHeader, h.Width, h.Height)
	}
	if h.FrameCount < 0 {
		return Header{}, fmt.Errorf("%w: frame count %d", ErrInvalidHeader, h.FrameCount)
	}
	if h.PixelDepth < 1 || h.PixelDepth > 16 {
		return Header{}, fmt.Errorf("%w: %d bits per sample", ErrUnsupportedFormat, h.PixelDepth)
	}

	switch h.ColorID {
	case ColorMono, ColorBayerRGGB, ColorBayerGRBG, ColorBayerGBRG, ColorBayerBGGR, ColorRGB, ColorBGR:
	default:
		return Header{}, fmt.Errorf("%w: color id %d", ErrUnsupportedFormat, h.ColorID)
	}

	return h, nil
}

func fixedString(buf []byte) string {
	return strings.TrimSpace(strings.TrimRight(string(buf), "\x00"))
}
