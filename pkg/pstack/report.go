package pstack

import(
	"fmt"
	"log"
	"math"

	"github.com/codahale/hdrhistogram"
)

// A Report collects what happened across a run: how many frames each
// stage examined, kept, and quietly dropped, plus the distribution of
// quality scores. A stage dropping more than DropErrorFraction of its
// frames upgrades the warning to an error.

const DropErrorFraction = 0.5

type StageReport struct {
	Stage    string
	Examined int
	Kept     int
	Dropped  int
}

type Report struct {
	Stages  []StageReport
	Backend string

	// Quality score distribution, in millionths (the histogram is
	// integer-valued).
	qualityHist *hdrhistogram.Histogram
}

const qualityHistScale = 1e6

func NewReport() *Report {
	// Raw scores land in [0, ~1e4), so after scaling they stay under the
	// 1e10 ceiling; 3 significant figures is plenty for a log summary
	return &Report{
		qualityHist: hdrhistogram.New(1, int64(1e10), 3),
	}
}

func (r *Report)RecordStage(stage string, examined, kept int) {
	r.Stages = append(r.Stages, StageReport{
		Stage:    stage,
		Examined: examined,
		Kept:     kept,
		Dropped:  examined - kept,
	})
}

// DropCheck returns an error when a stage's silent drops cross the line.
func (r *Report)DropCheck() error {
	for _, s := range r.Stages {
		if s.Examined == 0 { continue }
		frac := float64(s.Dropped) / float64(s.Examined)
		if frac > DropErrorFraction {
			return &StageError{Stage: s.Stage,
				Err: fmt.Errorf("%w: dropped %d of %d frames", ErrAlignmentFailed, s.Dropped, s.Examined)}
		}
	}
	return nil
}

func (r *Report)RecordQuality(score float64) {
	if math.IsNaN(score) || score < 0.0 { return }
	v := int64(score * qualityHistScale)
	if v < 1 { v = 1 }
	r.qualityHist.RecordValue(v)
}

// LogSummary prints the run's story: stage throughput and the quality
// spread (p10/p50/p90 tells you how variable the seeing was).
func (r *Report)LogSummary() {
	for _, s := range r.Stages {
		if s.Dropped > 0 {
			log.Printf("Report: %-12s examined %4d, kept %4d, dropped %d\n", s.Stage, s.Examined, s.Kept, s.Dropped)
		} else {
			log.Printf("Report: %-12s examined %4d, kept %4d\n", s.Stage, s.Examined, s.Kept)
		}
	}
	if r.qualityHist.TotalCount() > 0 {
		p10 := float64(r.qualityHist.ValueAtQuantile(10)) / qualityHistScale
		p50 := float64(r.qualityHist.ValueAtQuantile(50)) / qualityHistScale
		p90 := float64(r.qualityHist.ValueAtQuantile(90)) / qualityHistScale
		log.Printf("Report: quality p10=%.4g p50=%.4g p90=%.4g over %d frames\n",
			p10, p50, p90, r.qualityHist.TotalCount())
	}
}
