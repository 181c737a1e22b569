package pstack

import(
	"context"
	"fmt"
	"log"

	"github.com/abworrall/planet-stack/pkg/compute"
	"github.com/abworrall/planet-stack/pkg/ser"
)

// The pipeline driver. Sequences reader -> quality -> selection ->
// alignment -> stacking -> sharpening, threading one compute backend
// through everything, checking for cancellation and reporting progress at
// stage and frame boundaries. Stages run to completion; an error aborts
// the run and names the stage that failed.

type Pipeline struct {
	Config   Configuration
	Reporter ProgressReporter
	Report   *Report

	backend compute.Backend
}

func NewPipeline(cfg Configuration) *Pipeline {
	return &Pipeline{
		Config:   cfg,
		Reporter: NopReporter{},
		Report:   NewReport(),
	}
}

// Run executes the whole pipeline and returns the composite frame.
func (p *Pipeline)Run(ctx context.Context) (Frame, error) {
	cfg := &p.Config

	be, err := compute.New(cfg.DevicePref)
	if err != nil {
		return Frame{}, &StageError{Stage: "init", Err: err}
	}
	defer be.Close()
	p.backend = be
	p.Report.Backend = be.Name()
	log.Printf("Compute backend: %s\n", be.Name())

	// --- read
	p.Reporter.StageStarted("read")
	reader, err := ser.Open(cfg.Input)
	if err != nil {
		return Frame{}, &StageError{Stage: "read", Err: err}
	}
	defer reader.Close()

	src, err := p.chooseSource(reader)
	if err != nil {
		return Frame{}, &StageError{Stage: "read", Err: err}
	}
	n := src.FrameCount()
	log.Printf("Opened %s: %s\n", cfg.Input, reader.Header)
	p.Reporter.StageFinished("read")

	if err := ctx.Err(); err != nil {
		return Frame{}, &StageError{Stage: "read", Err: fmt.Errorf("%w: %v", ErrCancelled, err)}
	}

	// --- quality ranking
	p.Reporter.StageStarted("quality")
	ranked, err := RankFrames(src, cfg.Metric)
	if err != nil {
		return Frame{}, &StageError{Stage: "quality", Err: err}
	}
	for _, sf := range ranked {
		p.Report.RecordQuality(sf.Score)
	}
	p.Report.RecordStage("quality", n, n)
	p.Reporter.StageFinished("quality")

	if err := ctx.Err(); err != nil {
		return Frame{}, &StageError{Stage: "quality", Err: fmt.Errorf("%w: %v", ErrCancelled, err)}
	}

	// --- selection
	p.Reporter.StageStarted("select")
	sel := SelectTop(ranked, cfg.Selection.Percentage)
	log.Printf("Selected %d of %d frames (best %.4g, worst kept %.4g)\n",
		len(sel), n, sel[0].Score, sel[len(sel)-1].Score)
	p.Report.RecordStage("select", n, len(sel))
	p.Reporter.StageFinished("select")

	// --- reference + global alignment
	p.Reporter.StageStarted("align")
	refGrid, err := BuildReference(ctx, src, ranked, cfg.AlignParams, be)
	if err != nil {
		return Frame{}, &StageError{Stage: "align", Err: err}
	}

	selSrc := &subsetSource{src: src, indices: sel}
	offsets, err := AlignAll(ctx, selSrc, &refGrid, cfg.AlignParams, be, func(done, total int) {
		p.Reporter.Progress("align", float64(done)/float64(total))
	})
	if err != nil {
		return Frame{}, &StageError{Stage: "align", Err: err}
	}

	// Frames that failed to correlate get dropped here, counted, and the
	// report turns an excessive drop rate into an error. Indices from
	// here on are in selSrc's dense [0,len(sel)) space.
	kept := make([]ScoredFrame, 0, len(sel))
	keptOffsets := make([]AlignmentOffset, 0, len(sel))
	for i, off := range offsets {
		if off.LowConfidence { continue }
		kept = append(kept, ScoredFrame{Index: i, Score: sel[i].Score})
		keptOffsets = append(keptOffsets, off)
	}
	if len(kept) == 0 {
		// Nothing aligned confidently; keep everything rather than nothing
		log.Printf("Alignment: no frame met the confidence bar; keeping all with offsets as-is\n")
		for i := range offsets {
			kept = append(kept, ScoredFrame{Index: i, Score: sel[i].Score})
		}
		keptOffsets = offsets
	}
	p.Report.RecordStage("align", len(sel), len(kept))
	if err := p.Report.DropCheck(); err != nil {
		return Frame{}, err
	}
	p.Reporter.StageFinished("align")

	if cfg.Debug.DumpAligned != "" {
		if err := p.dumpAligned(selSrc, kept, keptOffsets, cfg.Debug.DumpAligned); err != nil {
			log.Printf("Aligned dump failed: %v\n", err)
		}
	}

	// --- stacking
	p.Reporter.StageStarted("stack")
	stackParams := cfg.StackParams
	stackParams.MultiPoint.OverlayPath = cfg.Debug.APOverlay

	stacked, err := Stack(ctx, selSrc, kept, keptOffsets, &refGrid, stackParams, be, func(done, total int) {
		p.Reporter.Progress("stack", float64(done)/float64(total))
	})
	if err != nil {
		return Frame{}, &StageError{Stage: "stack", Err: err}
	}
	p.Report.RecordStage("stack", len(kept), len(kept))
	p.Reporter.StageFinished("stack")

	if err := ctx.Err(); err != nil {
		return Frame{}, &StageError{Stage: "stack", Err: fmt.Errorf("%w: %v", ErrCancelled, err)}
	}

	// --- sharpening
	if !cfg.SharpenOff {
		p.Reporter.StageStarted("sharpen")
		if cfg.Deconv != nil {
			stacked, err = Deconvolve(stacked, *cfg.Deconv, be)
			if err != nil {
				return Frame{}, &StageError{Stage: "sharpen", Err: err}
			}
		}
		stacked, err = WaveletSharpen(stacked, cfg.Wavelet, be)
		if err != nil {
			return Frame{}, &StageError{Stage: "sharpen", Err: err}
		}
		p.Reporter.StageFinished("sharpen")
	}

	p.Report.LogSummary()
	return stacked, nil
}

// chooseSource picks eager vs streaming by the decoded footprint.
func (p *Pipeline)chooseSource(reader *ser.Reader) (FrameSource, error) {
	mode := p.Config.MemoryMode
	if mode == MemoryAuto {
		total := reader.DecodedFrameBytes() * reader.FrameCount()
		if total > autoStreamingThreshold {
			log.Printf("Decoded size %d MiB; streaming frames on demand\n", total>>20)
			mode = MemoryStreaming
		} else {
			mode = MemoryEager
		}
	}
	if mode == MemoryStreaming {
		return NewStreamSource(reader), nil
	}
	return NewEagerSource(reader)
}

// dumpAligned writes the registered frames back out as a SER file, for
// eyeballing the registration in a player.
func (p *Pipeline)dumpAligned(src FrameSource, sel []ScoredFrame, offsets []AlignmentOffset, filename string) error {
	h, w := src.Dimensions()
	first, err := src.Frame(sel[0].Index)
	if err != nil {
		return err
	}

	wr, err := ser.NewWriter(filename, w, h, first.BitDepth, len(sel), "", "planet-stack", "")
	if err != nil {
		return err
	}
	for i, sf := range sel {
		f, err := src.Frame(sf.Index)
		if err != nil {
			wr.Close()
			return err
		}
		aligned := AlignGrid(&f.Grid, offsets[i])
		if err := wr.WriteGrid(aligned, f.TimestampUS); err != nil {
			wr.Close()
			return err
		}
	}
	return wr.Close()
}

// subsetSource views a FrameSource through a selection, so downstream
// stages see a dense [0,len) index space.
type subsetSource struct {
	src     FrameSource
	indices []ScoredFrame
}

func (s *subsetSource)FrameCount() int        { return len(s.indices) }
func (s *subsetSource)Dimensions() (int, int) { return s.src.Dimensions() }
func (s *subsetSource)Frame(i int) (Frame, error) {
	if i < 0 || i >= len(s.indices) {
		return Frame{}, fmt.Errorf("frame %d out of range [0,%d)", i, len(s.indices))
	}
	return s.src.Frame(s.indices[i].Index)
}

