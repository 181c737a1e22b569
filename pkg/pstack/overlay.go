package pstack

import(
	"fmt"
	"image"
	"image/color"
	"log"
	"math"

	"github.com/fogleman/gg"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/draw"

	"github.com/abworrall/planet-stack/pkg/pmath"
)

// Debug rendering of the AP grid: the reference frame in grayscale with
// each alignment point boxed, colored red (worst) through green (best) by
// its mean per-frame quality. Invaluable when an AP grid is misbehaving
// over a limb or a moon shadow.

const overlayMinSize = 512

func WriteAPOverlay(ref *pmath.Grid, grid *APGrid, filename string) error {
	w, h := ref.Dx(), ref.Dy()

	base := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(pmath.Clamp(float64(ref.Get(x, y)), 0.0, 1.0) * 255.0)
			base.Set(x, y, color.RGBA{v, v, v, 0xff})
		}
	}

	// Planetary frames are small; upscale so the annotations are legible
	scale := 1
	for (w*scale < overlayMinSize || h*scale < overlayMinSize) && scale < 8 {
		scale *= 2
	}
	scaled := base
	if scale > 1 {
		scaled = image.NewRGBA(image.Rect(0, 0, w*scale, h*scale))
		draw.NearestNeighbor.Scale(scaled, scaled.Bounds(), base, base.Bounds(), draw.Src, nil)
	}

	qMin, qMax := math.Inf(1), math.Inf(-1)
	for _, ap := range grid.Points {
		if ap.MeanQuality < qMin { qMin = ap.MeanQuality }
		if ap.MeanQuality > qMax { qMax = ap.MeanQuality }
	}

	dc := gg.NewContextForImage(scaled)
	half := grid.APSize / 2

	for _, ap := range grid.Points {
		frac := 0.5
		if qMax > qMin {
			frac = (ap.MeanQuality - qMin) / (qMax - qMin)
		}
		// red (hue 0) for the worst APs through green (hue 120) for the best
		c := colorful.Hsv(120.0*frac, 0.9, 0.9)

		dc.SetRGBA(c.R, c.G, c.B, 0.8)
		dc.SetLineWidth(1.0)
		dc.DrawRectangle(
			float64((ap.Cx-half)*scale), float64((ap.Cy-half)*scale),
			float64(grid.APSize*scale), float64(grid.APSize*scale))
		dc.Stroke()
	}

	dc.SetRGB(1, 1, 1)
	dc.DrawString(fmt.Sprintf("%d APs, size %d", len(grid.Points), grid.APSize), 10, 20)

	if err := dc.SavePNG(filename); err != nil {
		return fmt.Errorf("open+w '%s': %v", filename, err)
	}
	log.Printf("AP overlay written to '%s'\n", filename)
	return nil
}
