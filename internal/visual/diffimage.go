package visual

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// diffMark is the color differing pixels are painted with.
var diffMark = color.NRGBA{R: 230, G: 36, B: 41, A: 255}

// decodePNG decodes a PNG and normalizes it to NRGBA so channel arithmetic
// is uniform regardless of the encoder's chosen color model.
func decodePNG(data []byte) (*image.NRGBA, error) {
	src, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if n, ok := src.(*image.NRGBA); ok {
		return n, nil
	}
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst, nil
}

func chanDelta(x, y uint8) int {
	d := int(x) - int(y)
	if d < 0 {
		d = -d
	}
	return d
}

// pixelDiffers reports whether any channel differs by more than epsilon.
func pixelDiffers(a, b color.NRGBA, epsilon int) bool {
	return chanDelta(a.R, b.R) > epsilon ||
		chanDelta(a.G, b.G) > epsilon ||
		chanDelta(a.B, b.B) > epsilon ||
		chanDelta(a.A, b.A) > epsilon
}

// countDiff counts differing pixels between two images of equal dimensions.
func countDiff(baseline, actual *image.NRGBA, epsilon int) int {
	bb, ab := baseline.Bounds(), actual.Bounds()
	w, h := bb.Dx(), bb.Dy()
	n := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p := baseline.NRGBAAt(bb.Min.X+x, bb.Min.Y+y)
			q := actual.NRGBAAt(ab.Min.X+x, ab.Min.Y+y)
			if pixelDiffers(p, q, epsilon) {
				n++
			}
		}
	}
	return n
}

// renderDiff paints the comparison onto one canvas sized to the larger of the
// two images: unchanged pixels become washed-out grayscale of the actual
// frame, differing pixels (and any region present in only one image) are
// marked red, and the label is stamped in the bottom-left corner.
func renderDiff(baseline, actual *image.NRGBA, epsilon int, label string) ([]byte, error) {
	bb, ab := baseline.Bounds(), actual.Bounds()
	w := maxInt(bb.Dx(), ab.Dx())
	h := maxInt(bb.Dy(), ab.Dy())
	out := image.NewNRGBA(image.Rect(0, 0, w, h))

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			inB := x < bb.Dx() && y < bb.Dy()
			inA := x < ab.Dx() && y < ab.Dy()
			if inB && inA {
				p := baseline.NRGBAAt(bb.Min.X+x, bb.Min.Y+y)
				q := actual.NRGBAAt(ab.Min.X+x, ab.Min.Y+y)
				if pixelDiffers(p, q, epsilon) {
					out.SetNRGBA(x, y, diffMark)
				} else {
					out.SetNRGBA(x, y, dimmed(q))
				}
				continue
			}
			// A region present in only one image is by definition different.
			out.SetNRGBA(x, y, diffMark)
		}
	}

	drawLabel(out, label)

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("encoding diff image: %w", err)
	}
	return buf.Bytes(), nil
}

// dimmed converts a pixel to washed-out grayscale so the red marks stand out.
func dimmed(p color.NRGBA) color.NRGBA {
	l := (299*int(p.R) + 587*int(p.G) + 114*int(p.B)) / 1000
	g := uint8(l/2 + 96)
	return color.NRGBA{R: g, G: g, B: g, A: 255}
}

const labelStripHeight = 16

// drawLabel stamps the comparison name onto the bottom-left corner. Images
// too small to fit the text are left unlabeled.
func drawLabel(img *image.NRGBA, label string) {
	if label == "" {
		return
	}
	b := img.Bounds()
	face := basicfont.Face7x13
	textW := font.MeasureString(face, label).Ceil()
	if b.Dy() < labelStripHeight+4 || b.Dx() < textW+8 {
		return
	}

	strip := image.Rect(b.Min.X, b.Max.Y-labelStripHeight, b.Min.X+textW+8, b.Max.Y)
	draw.Draw(img, strip, image.NewUniform(color.NRGBA{A: 255}), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.NRGBA{R: 255, G: 255, B: 255, A: 255}),
		Face: face,
		Dot:  fixed.P(b.Min.X+4, b.Max.Y-4),
	}
	d.DrawString(label)
}
