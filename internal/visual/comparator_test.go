package visual

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var (
	paleBlue = color.NRGBA{R: 120, G: 150, B: 220, A: 255}
	offWhite = color.NRGBA{R: 245, G: 245, B: 240, A: 255}
)

// solidImage builds a single-color NRGBA test frame.
func solidImage(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img *image.NRGBA) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// shiftPixels returns a copy of img with n pixels (row-major from the origin)
// shifted on the red channel by delta.
func shiftPixels(img *image.NRGBA, n int, delta int) *image.NRGBA {
	out := image.NewNRGBA(img.Bounds())
	copy(out.Pix, img.Pix)
	b := img.Bounds()
	changed := 0
	for y := b.Min.Y; y < b.Max.Y && changed < n; y++ {
		for x := b.Min.X; x < b.Max.X && changed < n; x++ {
			p := out.NRGBAAt(x, y)
			if int(p.R)+delta <= 255 {
				p.R = uint8(int(p.R) + delta)
			} else {
				p.R = uint8(int(p.R) - delta)
			}
			out.SetNRGBA(x, y, p)
			changed++
		}
	}
	return out
}

func newTestComparator(t *testing.T, opts Options) *Comparator {
	t.Helper()
	if opts.BaselineDir == "" {
		opts.BaselineDir = filepath.Join(t.TempDir(), "baselines")
	}
	if opts.ResultsDir == "" {
		opts.ResultsDir = filepath.Join(t.TempDir(), "results")
	}
	if opts.ThresholdType == "" {
		opts.ThresholdType = ThresholdPercent
	}
	return New(opts, zap.NewNop())
}

func TestCompareFirstRunAutoAccepts(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	baseDir := filepath.Join(t.TempDir(), "baselines")
	resDir := filepath.Join(t.TempDir(), "results")
	comp := New(Options{BaselineDir: baseDir, ResultsDir: resDir, NoiseEpsilon: 10}, zap.New(core))

	capture := encodePNG(t, solidImage(12, 8, paleBlue))
	rec, err := comp.Compare("landing-page", capture)
	require.NoError(t, err)

	assert.True(t, rec.Passed)
	assert.True(t, rec.FirstRun)
	assert.Zero(t, rec.DiffPixels)
	assert.Zero(t, rec.DiffRatio)

	// The capture became the baseline verbatim.
	baseline, err := os.ReadFile(rec.BaselinePath)
	require.NoError(t, err)
	assert.Equal(t, capture, baseline)

	// The actual frame is written even on first run; the diff never is.
	actual, err := os.ReadFile(rec.ActualPath)
	require.NoError(t, err)
	assert.Equal(t, capture, actual)
	assert.NoFileExists(t, rec.DiffPath)

	require.Equal(t, 1, logs.FilterMessage("No baseline found; auto-accepting current capture.").Len(),
		"auto-accept must be loud in the logs")
}

func TestCompareIdenticalCapture(t *testing.T) {
	comp := newTestComparator(t, Options{Threshold: 0, NoiseEpsilon: 0})
	capture := encodePNG(t, solidImage(10, 10, paleBlue))

	_, err := comp.Compare("profile", capture)
	require.NoError(t, err)

	rec, err := comp.Compare("profile", capture)
	require.NoError(t, err)

	assert.True(t, rec.Passed)
	assert.False(t, rec.FirstRun)
	assert.Zero(t, rec.DiffPixels)
	assert.Zero(t, rec.DiffRatio)
	assert.NoFileExists(t, rec.DiffPath)
}

func TestCompareCountsDifferingPixelsExactly(t *testing.T) {
	base := solidImage(10, 10, paleBlue)

	t.Run("three changed pixels out of a hundred", func(t *testing.T) {
		comp := newTestComparator(t, Options{Threshold: 0.05, NoiseEpsilon: 10})
		_, err := comp.Compare("cart", encodePNG(t, base))
		require.NoError(t, err)

		rec, err := comp.Compare("cart", encodePNG(t, shiftPixels(base, 3, 40)))
		require.NoError(t, err)

		assert.Equal(t, 3, rec.DiffPixels)
		assert.InDelta(t, 0.03, rec.DiffRatio, 1e-12)
		assert.True(t, rec.Passed, "0.03 is within a 0.05 percent budget")
		assert.NoFileExists(t, rec.DiffPath, "passing comparisons write no diff image")
	})

	t.Run("same change fails a tighter budget and writes a diff", func(t *testing.T) {
		comp := newTestComparator(t, Options{Threshold: 0.01, NoiseEpsilon: 10})
		_, err := comp.Compare("cart", encodePNG(t, base))
		require.NoError(t, err)

		rec, err := comp.Compare("cart", encodePNG(t, shiftPixels(base, 3, 40)))
		require.NoError(t, err)

		assert.False(t, rec.Passed)
		assert.Equal(t, 3, rec.DiffPixels)

		diffPNG, err := os.ReadFile(rec.DiffPath)
		require.NoError(t, err, "failing comparisons must write the diff image")
		diffImg, err := decodePNG(diffPNG)
		require.NoError(t, err)
		assert.Equal(t, 10, diffImg.Bounds().Dx())
		assert.Equal(t, 10, diffImg.Bounds().Dy())
	})
}

func TestCompareNoiseEpsilon(t *testing.T) {
	base := solidImage(6, 6, paleBlue)

	t.Run("delta at epsilon is absorbed", func(t *testing.T) {
		comp := newTestComparator(t, Options{Threshold: 0, NoiseEpsilon: 16})
		_, err := comp.Compare("toast", encodePNG(t, base))
		require.NoError(t, err)

		rec, err := comp.Compare("toast", encodePNG(t, shiftPixels(base, 5, 16)))
		require.NoError(t, err)
		assert.Zero(t, rec.DiffPixels)
		assert.True(t, rec.Passed)
	})

	t.Run("delta just past epsilon counts", func(t *testing.T) {
		comp := newTestComparator(t, Options{Threshold: 0, NoiseEpsilon: 16})
		_, err := comp.Compare("toast", encodePNG(t, base))
		require.NoError(t, err)

		rec, err := comp.Compare("toast", encodePNG(t, shiftPixels(base, 5, 17)))
		require.NoError(t, err)
		assert.Equal(t, 5, rec.DiffPixels)
		assert.False(t, rec.Passed)
	})
}

func TestComparePixelBudget(t *testing.T) {
	base := solidImage(5, 4, offWhite)
	changed := shiftPixels(base, 4, 60)

	t.Run("absolute budget covers the change", func(t *testing.T) {
		comp := newTestComparator(t, Options{Threshold: 5, ThresholdType: ThresholdPixel, NoiseEpsilon: 8})
		_, err := comp.Compare("badge", encodePNG(t, base))
		require.NoError(t, err)

		rec, err := comp.Compare("badge", encodePNG(t, changed))
		require.NoError(t, err)
		assert.Equal(t, 4, rec.DiffPixels)
		assert.True(t, rec.Passed)
	})

	t.Run("percent interpretation of the same numbers fails", func(t *testing.T) {
		// 4 of 20 pixels is a 0.2 ratio: trivially over a 0.05 percent
		// budget even though a 5 pixel absolute budget passes.
		comp := newTestComparator(t, Options{Threshold: 0.05, ThresholdType: ThresholdPercent, NoiseEpsilon: 8})
		_, err := comp.Compare("badge", encodePNG(t, base))
		require.NoError(t, err)

		rec, err := comp.Compare("badge", encodePNG(t, changed))
		require.NoError(t, err)
		assert.Equal(t, 4, rec.DiffPixels)
		assert.InDelta(t, 0.2, rec.DiffRatio, 1e-12)
		assert.False(t, rec.Passed)
	})
}

func TestCompareDimensionMismatch(t *testing.T) {
	comp := newTestComparator(t, Options{Threshold: 0.5, NoiseEpsilon: 10})

	_, err := comp.Compare("modal", encodePNG(t, solidImage(10, 10, paleBlue)))
	require.NoError(t, err)

	rec, err := comp.Compare("modal", encodePNG(t, solidImage(8, 12, paleBlue)))
	require.NoError(t, err, "a size change is a comparison outcome, not an error")

	assert.False(t, rec.Passed)
	assert.Equal(t, 1.0, rec.DiffRatio, "dimension mismatch is a total mismatch")
	assert.Equal(t, 100, rec.DiffPixels, "the larger area bounds the count")

	diffPNG, err := os.ReadFile(rec.DiffPath)
	require.NoError(t, err)
	diffImg, err := decodePNG(diffPNG)
	require.NoError(t, err)
	assert.Equal(t, 10, diffImg.Bounds().Dx(), "diff canvas spans the wider image")
	assert.Equal(t, 12, diffImg.Bounds().Dy(), "diff canvas spans the taller image")
}

func TestCompareRejectsUnsafeNames(t *testing.T) {
	comp := newTestComparator(t, Options{})
	capture := encodePNG(t, solidImage(4, 4, paleBlue))

	for _, name := range []string{"", "a/b", `a\b`, "..", "sneaky..name", ".hidden"} {
		t.Run("name "+name, func(t *testing.T) {
			rec, err := comp.Compare(name, capture)
			assert.Nil(t, rec)
			assert.Error(t, err)
		})
	}
}

func TestCompareCorruptBaseline(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "baselines")
	comp := newTestComparator(t, Options{BaselineDir: baseDir})

	require.NoError(t, os.MkdirAll(baseDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(baseDir, "broken.png"), []byte("not a png"), 0o644))

	rec, err := comp.Compare("broken", encodePNG(t, solidImage(4, 4, paleBlue)))
	assert.Nil(t, rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding baseline")
}

func TestCompareAlwaysWritesActual(t *testing.T) {
	comp := newTestComparator(t, Options{Threshold: 0, NoiseEpsilon: 0})
	base := encodePNG(t, solidImage(6, 6, paleBlue))
	changed := encodePNG(t, shiftPixels(solidImage(6, 6, paleBlue), 6, 50))

	_, err := comp.Compare("footer", base)
	require.NoError(t, err)

	rec, err := comp.Compare("footer", changed)
	require.NoError(t, err)
	assert.False(t, rec.Passed)

	onDisk, err := os.ReadFile(rec.ActualPath)
	require.NoError(t, err)
	assert.Equal(t, changed, onDisk, "the failing frame must be preserved for review")
}
