package imageproc

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
)

// Editable ellipse bounds in percent of the canvas box.
const (
	regionLeftPct   = 16
	regionRightPct  = 84
	regionTopPct    = 4
	regionBottomPct = 82
)

// FeatherSigma is the gaussian blur applied to the mask alpha.
const FeatherSigma = 4.0

// EditableRegion returns the bounding box of the editable ellipse for a
// w x h canvas. Fractional edges round up.
func EditableRegion(w, h int) image.Rectangle {
	return image.Rect(
		ceilPct(w, regionLeftPct),
		ceilPct(h, regionTopPct),
		ceilPct(w, regionRightPct),
		ceilPct(h, regionBottomPct),
	)
}

func ceilPct(n, pct int) int {
	return (n*pct + 99) / 100
}

// BuildMask returns a PNG the size of canvas: opaque (keep) everywhere except
// a feathered transparent ellipse over EditableRegion. Only the canvas
// dimensions are read.
func BuildMask(canvas []byte) ([]byte, error) {
	info, err := Inspect(canvas)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, MaskForSize(info.Width, info.Height), imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode mask: %w", err)
	}
	return buf.Bytes(), nil
}

// MaskForSize renders the mask image for a w x h canvas.
func MaskForSize(w, h int) *image.NRGBA {
	r := EditableRegion(w, h)

	dc := gg.NewContext(w, h)
	dc.DrawEllipse(
		float64(r.Min.X+r.Max.X)/2, float64(r.Min.Y+r.Max.Y)/2,
		float64(r.Dx())/2, float64(r.Dy())/2,
	)
	dc.SetRGBA(0, 0, 0, 1)
	dc.Fill()
	ellipse := dc.AsMask()

	mask := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			mask.Pix[mask.PixOffset(x, y)+3] = 255 - ellipse.AlphaAt(x, y).A
		}
	}
	return imaging.Blur(mask, FeatherSigma)
}
