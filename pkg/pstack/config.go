package pstack

import(
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/abworrall/planet-stack/pkg/compute"
)

/* Example config file ...

input:  jupiter.ser
output: jupiter.png
device: auto
memory: auto

selection:
  percentage: 0.25
  metric:     laplacian

alignment:
  method: phase

stacking:
  method: multipoint
  multipoint:
    apsize:           64
    searchradius:     16
    selectpercentage: 0.25
    minbrightness:    0.05

sharpening:
  wavelet:
    layers:       6
    coefficients: [1.5, 1.3, 1.2, 1.1, 1.0, 1.0]
  deconvolution:
    enabled:    true
    method:     richardsonlucy
    iterations: 20
    psf:        gaussian
    sigma:      1.5

debug:
  apoverlay: ap-grid.png

*/

// MemoryMode picks between decoding everything up front and re-decoding
// on demand.
type MemoryMode int

const (
	MemoryAuto MemoryMode = iota
	MemoryEager
	MemoryStreaming
)

// Decoded footprints above this stream rather than load eagerly.
const autoStreamingThreshold = 1 << 30 // 1 GiB

type Configuration struct {
	Input  string
	Output string
	Device string
	Memory string

	Selection struct {
		Percentage float64
		Metric     string
	}

	Alignment struct {
		Method            string
		UpsampleFactor    int     `yaml:"upsamplefactor"`
		CentroidThreshold float64 `yaml:"centroidthreshold"`
		PyramidLevels     int     `yaml:"pyramidlevels"`
	}

	Stacking struct {
		Method     string
		Sigma      float64
		Iterations int

		MultiPoint struct {
			APSize           int     `yaml:"apsize"`
			SearchRadius     int     `yaml:"searchradius"`
			SelectPercentage float64 `yaml:"selectpercentage"`
			MinBrightness    float64 `yaml:"minbrightness"`
			MinContrast      float64 `yaml:"mincontrast"`
			LocalMethod      string  `yaml:"localmethod"`
			WeightAlpha      float64 `yaml:"weightalpha"`
		} `yaml:"multipoint"`

		Drizzle struct {
			Scale           float64
			Pixfrac         float64
			QualityWeighted *bool `yaml:"qualityweighted"`
		}
	}

	Sharpening struct {
		Wavelet struct {
			Layers       int
			Coefficients []float64
			Thresholds   []float64
		}
		Deconvolution struct {
			Enabled    bool
			Method     string
			Iterations int
			NoiseRatio float64 `yaml:"noiseratio"`
			Psf        string
			Sigma      float64
			Seeing     float64
			Radius     float64
		}
	}

	Debug struct {
		APOverlay   string `yaml:"apoverlay"`
		DumpAligned string `yaml:"dumpaligned"`
	}

	// Values we derive in Finalize
	DevicePref   compute.DevicePreference `yaml:"-"`
	MemoryMode   MemoryMode               `yaml:"-"`
	Metric       QualityMetric            `yaml:"-"`
	AlignParams  AlignmentParams          `yaml:"-"`
	StackParams  StackParams              `yaml:"-"`
	Wavelet      WaveletParams            `yaml:"-"`
	Deconv       *DeconvParams            `yaml:"-"`
	SharpenOff   bool                     `yaml:"-"`
}

func NewConfiguration() Configuration {
	c := Configuration{}
	c.Selection.Percentage = 0.25
	return c
}

func LoadConfiguration(filename string) (Configuration, error) {
	c := NewConfiguration()

	if contents, err := os.ReadFile(filename); err != nil {
		return c, fmt.Errorf("read '%s': %v", filename, err)
	} else if err := yaml.Unmarshal(contents, &c); err != nil {
		return c, fmt.Errorf("parse '%s': %v", filename, err)
	}

	return c, c.FinalizeConfiguration()
}

// FinalizeConfiguration does sanity checks, fills defaults, and resolves
// the strategy strings into the typed parameter bundles the pipeline
// consumes.
func (c *Configuration)FinalizeConfiguration() error {
	switch c.Device {
	case "", "auto": c.DevicePref = compute.DeviceAuto
	case "cpu":      c.DevicePref = compute.DeviceCPU
	case "gpu":      c.DevicePref = compute.DeviceGPU
	default:
		return fmt.Errorf("%w: no device named '%s'", ErrInvalidConfig, c.Device)
	}

	switch c.Memory {
	case "", "auto":    c.MemoryMode = MemoryAuto
	case "eager":       c.MemoryMode = MemoryEager
	case "streaming":   c.MemoryMode = MemoryStreaming
	default:
		return fmt.Errorf("%w: no memory mode named '%s'", ErrInvalidConfig, c.Memory)
	}

	if c.Selection.Percentage <= 0.0 || c.Selection.Percentage > 1.0 {
		return fmt.Errorf("%w: selection percentage %g outside (0,1]", ErrInvalidConfig, c.Selection.Percentage)
	}
	switch c.Selection.Metric {
	case "", "laplacian": c.Metric = MetricLaplacian
	case "gradient":      c.Metric = MetricGradient
	default:
		return fmt.Errorf("%w: no quality metric named '%s'", ErrInvalidConfig, c.Selection.Metric)
	}

	c.AlignParams = DefaultAlignmentParams()
	switch c.Alignment.Method {
	case "", "phase":      c.AlignParams.Method = AlignPhase
	case "enhancedphase":  c.AlignParams.Method = AlignEnhancedPhase
	case "centroid":       c.AlignParams.Method = AlignCentroid
	case "gradient":       c.AlignParams.Method = AlignGradient
	case "pyramid":        c.AlignParams.Method = AlignPyramid
	default:
		return fmt.Errorf("%w: no alignment method named '%s'", ErrInvalidConfig, c.Alignment.Method)
	}
	if c.Alignment.UpsampleFactor > 0    { c.AlignParams.UpsampleFactor = c.Alignment.UpsampleFactor }
	if c.Alignment.CentroidThreshold > 0 { c.AlignParams.CentroidThreshold = c.Alignment.CentroidThreshold }
	if c.Alignment.PyramidLevels > 0     { c.AlignParams.PyramidLevels = c.Alignment.PyramidLevels }

	c.StackParams = DefaultStackParams()
	switch c.Stacking.Method {
	case "", "mean":    c.StackParams.Method = StackMean
	case "median":      c.StackParams.Method = StackMedian
	case "sigmaclip":   c.StackParams.Method = StackSigmaClip
	case "multipoint":  c.StackParams.Method = StackMultiPoint
	case "drizzle":     c.StackParams.Method = StackDrizzle
	default:
		return fmt.Errorf("%w: no stacking method named '%s'", ErrInvalidConfig, c.Stacking.Method)
	}
	if c.Stacking.Sigma > 0      { c.StackParams.Sigma = float32(c.Stacking.Sigma) }
	if c.Stacking.Iterations > 0 { c.StackParams.Iterations = c.Stacking.Iterations }

	mp := &c.StackParams.MultiPoint
	mpc := c.Stacking.MultiPoint
	if mpc.APSize != 0 {
		if mpc.APSize < 0 || mpc.APSize%2 != 0 {
			return fmt.Errorf("%w: ap size %d must be positive and even", ErrInvalidConfig, mpc.APSize)
		}
		mp.APSize = mpc.APSize
	}
	if mpc.SearchRadius > 0     { mp.SearchRadius = mpc.SearchRadius }
	if mpc.SelectPercentage > 0 {
		if mpc.SelectPercentage > 1.0 {
			return fmt.Errorf("%w: ap select percentage %g outside (0,1]", ErrInvalidConfig, mpc.SelectPercentage)
		}
		mp.SelectPercentage = mpc.SelectPercentage
	}
	if mpc.MinBrightness > 0 { mp.MinBrightness = mpc.MinBrightness }
	if mpc.MinContrast > 0   { mp.MinContrast = mpc.MinContrast }
	if mpc.WeightAlpha > 0   { mp.WeightAlpha = mpc.WeightAlpha }
	mp.Metric = c.Metric
	mp.Sigma = c.StackParams.Sigma
	mp.Iterations = c.StackParams.Iterations
	switch mpc.LocalMethod {
	case "", "mean":       mp.LocalMethod = LocalMean
	case "weightedmean":   mp.LocalMethod = LocalWeightedMean
	case "median":         mp.LocalMethod = LocalMedian
	case "sigmaclip":      mp.LocalMethod = LocalSigmaClip
	default:
		return fmt.Errorf("%w: no local stack method named '%s'", ErrInvalidConfig, mpc.LocalMethod)
	}

	dz := &c.StackParams.Drizzle
	if c.Stacking.Drizzle.Scale > 0   { dz.Scale = c.Stacking.Drizzle.Scale }
	if c.Stacking.Drizzle.Pixfrac > 0 { dz.Pixfrac = c.Stacking.Drizzle.Pixfrac }
	if c.Stacking.Drizzle.QualityWeighted != nil {
		dz.QualityWeighted = *c.Stacking.Drizzle.QualityWeighted
	}
	if c.StackParams.Method == StackDrizzle {
		if err := dz.validate(); err != nil {
			return err
		}
	}

	c.Wavelet = DefaultWaveletParams()
	if c.Sharpening.Wavelet.Layers > 0 {
		c.Wavelet.NumLayers = c.Sharpening.Wavelet.Layers
		c.Wavelet.Coefficients = c.Sharpening.Wavelet.Coefficients
		c.Wavelet.Thresholds = c.Sharpening.Wavelet.Thresholds
		if err := c.Wavelet.validate(); err != nil {
			return err
		}
	} else if len(c.Sharpening.Wavelet.Coefficients) > 0 {
		return fmt.Errorf("%w: wavelet coefficients given without a layer count", ErrInvalidConfig)
	}

	if c.Sharpening.Deconvolution.Enabled {
		d := DefaultDeconvParams()
		dc := c.Sharpening.Deconvolution
		switch dc.Method {
		case "", "richardsonlucy": d.Method = DeconvRichardsonLucy
		case "wiener":             d.Method = DeconvWiener
		default:
			return fmt.Errorf("%w: no deconvolution method named '%s'", ErrInvalidConfig, dc.Method)
		}
		if dc.Iterations > 0 { d.Iterations = dc.Iterations }
		if dc.NoiseRatio > 0 { d.NoiseRatio = dc.NoiseRatio }
		switch dc.Psf {
		case "", "gaussian": d.Psf.Model = PsfGaussian
		case "kolmogorov":   d.Psf.Model = PsfKolmogorov
		case "airy":         d.Psf.Model = PsfAiry
		default:
			return fmt.Errorf("%w: no psf model named '%s'", ErrInvalidConfig, dc.Psf)
		}
		if dc.Sigma > 0  { d.Psf.Sigma = dc.Sigma }
		if dc.Seeing > 0 { d.Psf.Seeing = dc.Seeing }
		if dc.Radius > 0 { d.Psf.Radius = dc.Radius }
		if err := d.validate(); err != nil {
			return err
		}
		c.Deconv = &d
	}

	return nil
}
