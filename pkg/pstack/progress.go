package pstack

import(
	"log"
	"sync"
)

// ProgressReporter hears about stage lifecycles from the driver. It is
// never called from inside kernels, only between frames and stages, so an
// implementation can afford to do real work (UI updates, logging).
type ProgressReporter interface {
	StageStarted(stage string)
	Progress(stage string, fraction float64)
	StageFinished(stage string)
}

// NopReporter discards everything.
type NopReporter struct{}

func (NopReporter)StageStarted(string)            {}
func (NopReporter)Progress(string, float64)       {}
func (NopReporter)StageFinished(string)           {}

// LogReporter narrates stage boundaries (and coarse progress) via the
// standard logger.
type LogReporter struct {
	mu   sync.Mutex
	last map[string]int // last decile logged per stage
}

func NewLogReporter() *LogReporter {
	return &LogReporter{last: map[string]int{}}
}

func (r *LogReporter)StageStarted(stage string) {
	log.Printf("==> %s\n", stage)
}

func (r *LogReporter)Progress(stage string, fraction float64) {
	decile := int(fraction * 10.0)
	r.mu.Lock()
	defer r.mu.Unlock()
	if decile > r.last[stage] {
		r.last[stage] = decile
		log.Printf("    %s: %d%%\n", stage, decile*10)
	}
}

func (r *LogReporter)StageFinished(stage string) {
	log.Printf("<== %s\n", stage)
}
