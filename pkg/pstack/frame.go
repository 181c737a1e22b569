package pstack

import(
	"fmt"

	"github.com/abworrall/planet-stack/pkg/pmath"
	"github.com/abworrall/planet-stack/pkg/ser"
)

// A Frame is one captured image, normalized into [0,1]. Frames move
// through the pipeline by value; the Grid inside is copied on write by the
// transforms, never mutated in place.
type Frame struct {
	Grid         pmath.Grid
	BitDepth     int     // bit depth of the source samples, 8 or 16
	Index        int     // position in the source file
	TimestampUS  uint64  // 0 when the container has no timestamp trailer
	Quality      float64 // composite sharpness score, set by the scorer
}

func (f Frame)String() string {
	return fmt.Sprintf("frame[#%d %dx%d q=%.4g]", f.Index, f.Grid.Dx(), f.Grid.Dy(), f.Quality)
}

// An AlignmentOffset is the (dx,dy) displacement of a frame's content
// relative to the reference, in fractional pixels; shifting the frame by
// (-dx,-dy) lines it up with the reference.
type AlignmentOffset struct {
	Dx, Dy     float64
	Confidence float64 // correlation peak / mean, 0 for non-correlation methods
	LowConfidence bool
}

func (o AlignmentOffset)String() string {
	return fmt.Sprintf("offset[(%6.2f,%6.2f) conf=%.1f]", o.Dx, o.Dy, o.Confidence)
}

// A FrameSource yields frames by index. The eager source decodes the whole
// file up front; the streaming source decodes on every call, keeping O(1)
// frames resident, at the cost of re-decoding for multi-pass stages.
type FrameSource interface {
	FrameCount() int
	Dimensions() (h, w int)
	Frame(i int) (Frame, error)
}

type eagerSource struct {
	frames []Frame
}

func (s *eagerSource)FrameCount() int { return len(s.frames) }
func (s *eagerSource)Dimensions() (int, int) {
	if len(s.frames) == 0 { return 0, 0 }
	return s.frames[0].Grid.Dy(), s.frames[0].Grid.Dx()
}
func (s *eagerSource)Frame(i int) (Frame, error) {
	if i < 0 || i >= len(s.frames) {
		return Frame{}, fmt.Errorf("frame %d out of range [0,%d)", i, len(s.frames))
	}
	return s.frames[i], nil
}

type streamSource struct {
	r *ser.Reader
}

func (s *streamSource)FrameCount() int         { return s.r.FrameCount() }
func (s *streamSource)Dimensions() (int, int)  { return s.r.Dimensions() }
func (s *streamSource)Frame(i int) (Frame, error) {
	return readFrame(s.r, i)
}

func readFrame(r *ser.Reader, i int) (Frame, error) {
	g, meta, err := r.ReadGrid(i)
	if err != nil {
		return Frame{}, err
	}
	depth := 8
	if r.Header.PixelDepth > 8 { depth = 16 }
	return Frame{Grid: g, BitDepth: depth, Index: meta.Index, TimestampUS: meta.TimestampUS}, nil
}

// NewEagerSource decodes every frame of the reader up front.
func NewEagerSource(r *ser.Reader) (FrameSource, error) {
	frames := make([]Frame, r.FrameCount())
	for i := range frames {
		f, err := readFrame(r, i)
		if err != nil {
			return nil, err
		}
		frames[i] = f
	}
	return &eagerSource{frames: frames}, nil
}

// NewStreamSource decodes on demand.
func NewStreamSource(r *ser.Reader) FrameSource {
	return &streamSource{r: r}
}
