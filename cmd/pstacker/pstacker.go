package main

import(
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/abworrall/planet-stack/pkg/pstack"
)

var(
	fConfigFilename string
	fOutputFilename string
	fDevice string
	fSelectPercentage float64
	fMetric string
	fAlignMethod string
	fStackMethod string
	fAPSize int
	fNoSharpen bool
	fAPOverlay string
)

func init() {
	flag.StringVar(&fConfigFilename, "c", "", "yaml config file (flags override it)")
	flag.StringVar(&fOutputFilename, "o", "", "name of output image file (.png or .tif; default out.png)")
	flag.StringVar(&fDevice, "device", "", "compute device: auto, cpu, gpu")
	flag.Float64Var(&fSelectPercentage, "select", 0, "fraction of frames to keep, (0,1]")
	flag.StringVar(&fMetric, "metric", "", "quality metric: laplacian, gradient")
	flag.StringVar(&fAlignMethod, "align", "", "alignment: phase, enhancedphase, centroid, gradient, pyramid")
	flag.StringVar(&fStackMethod, "stack", "", "stacking: mean, median, sigmaclip, multipoint, drizzle")
	flag.IntVar(&fAPSize, "apsize", 0, "multipoint alignment patch size (0 = auto)")
	flag.BoolVar(&fNoSharpen, "nosharpen", false, "skip deconvolution and wavelet sharpening")
	flag.StringVar(&fAPOverlay, "apoverlay", "", "write a debug render of the AP grid to this file")
	flag.Parse()

	log.Printf("Starting\n")
}

func main() {
	cfg := pstack.NewConfiguration()
	if fConfigFilename != "" {
		var err error
		if cfg, err = pstack.LoadConfiguration(fConfigFilename); err != nil {
			log.Fatal(err)
		}
	}

	// Override the config file with command line args, if relevant
	if flag.NArg() > 0          { cfg.Input = flag.Arg(0) }
	if fOutputFilename != ""    { cfg.Output = fOutputFilename }
	if fDevice != ""            { cfg.Device = fDevice }
	if fSelectPercentage > 0    { cfg.Selection.Percentage = fSelectPercentage }
	if fMetric != ""            { cfg.Selection.Metric = fMetric }
	if fAlignMethod != ""       { cfg.Alignment.Method = fAlignMethod }
	if fStackMethod != ""       { cfg.Stacking.Method = fStackMethod }
	if fAPSize != 0             { cfg.Stacking.MultiPoint.APSize = fAPSize }
	if fAPOverlay != ""         { cfg.Debug.APOverlay = fAPOverlay }
	cfg.SharpenOff = fNoSharpen

	if err := cfg.FinalizeConfiguration(); err != nil {
		log.Fatal(err)
	}
	if cfg.Input == "" {
		log.Fatal("no input file; usage: pstacker [flags] capture.ser")
	}
	if cfg.Output == "" { cfg.Output = "out.png" }

	// Ctrl-C cancels cooperatively at the next stage/frame boundary
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	p := pstack.NewPipeline(cfg)
	p.Reporter = pstack.NewLogReporter()

	composite, err := p.Run(ctx)
	if err != nil {
		log.Fatalf("Pipeline failed: %v\n", err)
	}

	if err := pstack.WriteComposite(composite, cfg.Output); err != nil {
		log.Fatal(err)
	}
	log.Printf("Composite written to '%s'\n", cfg.Output)
}
