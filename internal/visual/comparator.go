// Package visual implements screenshot comparison against stored baselines.
// A comparison never errors because pixels changed: mismatches are data for
// the report, and only I/O or decode problems surface as errors. The first
// capture of a name becomes its baseline (auto-accept), every comparison
// writes the actual frame to the results directory, and a visual diff image
// is rendered only when the comparison fails.
package visual

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/caliper-cli/api/schemas"
	"github.com/xkilldash9x/caliper-cli/internal/config"
)

// ThresholdType selects how Options.Threshold is interpreted.
type ThresholdType string

const (
	// ThresholdPercent treats Threshold as a maximum differing-pixel ratio
	// in [0,1].
	ThresholdPercent ThresholdType = "percent"
	// ThresholdPixel treats Threshold as an absolute differing-pixel budget.
	ThresholdPixel ThresholdType = "pixel"
)

// Options holds the comparator's explicit knobs.
type Options struct {
	// BaselineDir holds accepted reference images, one <name>.png each.
	BaselineDir string
	// ResultsDir receives <name>-actual.png and, on failure, <name>-diff.png.
	ResultsDir string
	// Threshold is the pass budget, interpreted per ThresholdType.
	Threshold float64
	// ThresholdType defaults to ThresholdPercent when empty.
	ThresholdType ThresholdType
	// NoiseEpsilon is the per-channel delta (0-255) at or below which two
	// pixels are considered equal, absorbing encoder and anti-alias noise.
	NoiseEpsilon int
}

// OptionsFromConfig maps the validated application configuration onto
// comparator options.
func OptionsFromConfig(cfg config.VisualConfig) Options {
	return Options{
		BaselineDir:   cfg.BaselineDir,
		ResultsDir:    cfg.ResultsDir,
		Threshold:     cfg.Threshold,
		ThresholdType: ThresholdType(cfg.ThresholdType),
		NoiseEpsilon:  cfg.NoiseEpsilon,
	}
}

// Comparator compares captures against baselines on disk.
type Comparator struct {
	opts   Options
	logger *zap.Logger
}

// New constructs a Comparator. A nil logger is replaced with a no-op one.
func New(opts Options, logger *zap.Logger) *Comparator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ThresholdType == "" {
		opts.ThresholdType = ThresholdPercent
	}
	return &Comparator{opts: opts, logger: logger.Named("visual")}
}

// BaselinePath returns where the named baseline lives.
func (c *Comparator) BaselinePath(name string) string {
	return filepath.Join(c.opts.BaselineDir, name+".png")
}

// Compare writes the actual capture, then measures it against the stored
// baseline. The returned record always carries all three artifact paths.
// A missing baseline is the first run: the capture is accepted as baseline
// and the comparison passes with zero differing pixels.
func (c *Comparator) Compare(name string, actualPNG []byte) (*schemas.ComparisonRecord, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	baselinePath := c.BaselinePath(name)
	actualPath := filepath.Join(c.opts.ResultsDir, name+"-actual.png")
	diffPath := filepath.Join(c.opts.ResultsDir, name+"-diff.png")

	if err := os.MkdirAll(c.opts.ResultsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating results dir: %w", err)
	}
	if err := os.WriteFile(actualPath, actualPNG, 0o644); err != nil {
		return nil, fmt.Errorf("writing actual capture: %w", err)
	}

	rec := &schemas.ComparisonRecord{
		Name:         name,
		BaselinePath: baselinePath,
		ActualPath:   actualPath,
		DiffPath:     diffPath,
	}

	baselinePNG, err := os.ReadFile(baselinePath)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(c.opts.BaselineDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating baseline dir: %w", err)
		}
		if err := os.WriteFile(baselinePath, actualPNG, 0o644); err != nil {
			return nil, fmt.Errorf("writing new baseline: %w", err)
		}
		c.logger.Warn("No baseline found; auto-accepting current capture.",
			zap.String("name", name),
			zap.String("baseline", baselinePath))
		rec.Passed = true
		rec.FirstRun = true
		return rec, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading baseline: %w", err)
	}

	if bytes.Equal(baselinePNG, actualPNG) {
		rec.Passed = true
		return rec, nil
	}

	baseImg, err := decodePNG(baselinePNG)
	if err != nil {
		return nil, fmt.Errorf("decoding baseline %s: %w", baselinePath, err)
	}
	actImg, err := decodePNG(actualPNG)
	if err != nil {
		return nil, fmt.Errorf("decoding actual capture for %s: %w", name, err)
	}

	bBounds, aBounds := baseImg.Bounds(), actImg.Bounds()
	if bBounds.Dx() != aBounds.Dx() || bBounds.Dy() != aBounds.Dy() {
		// A size change means the layouts are incomparable: total mismatch.
		rec.DiffPixels = maxInt(bBounds.Dx()*bBounds.Dy(), aBounds.Dx()*aBounds.Dy())
		rec.DiffRatio = 1.0
		rec.Passed = false
		c.logger.Warn("Capture dimensions differ from baseline.",
			zap.String("name", name),
			zap.String("baseline", fmt.Sprintf("%dx%d", bBounds.Dx(), bBounds.Dy())),
			zap.String("actual", fmt.Sprintf("%dx%d", aBounds.Dx(), aBounds.Dy())))
		c.writeDiff(diffPath, baseImg, actImg, name, rec.DiffRatio)
		return rec, nil
	}

	diffPixels := countDiff(baseImg, actImg, c.opts.NoiseEpsilon)
	total := bBounds.Dx() * bBounds.Dy()
	ratio := 0.0
	if total > 0 {
		ratio = float64(diffPixels) / float64(total)
	}

	rec.DiffPixels = diffPixels
	rec.DiffRatio = ratio
	rec.Passed = c.withinBudget(diffPixels, ratio)

	if rec.Passed {
		c.logger.Debug("Visual comparison passed.",
			zap.String("name", name),
			zap.Int("diffPixels", diffPixels),
			zap.Float64("diffRatio", ratio))
	} else {
		c.logger.Warn("Visual comparison failed.",
			zap.String("name", name),
			zap.Int("diffPixels", diffPixels),
			zap.Float64("diffRatio", ratio),
			zap.Float64("threshold", c.opts.Threshold),
			zap.String("thresholdType", string(c.opts.ThresholdType)))
		c.writeDiff(diffPath, baseImg, actImg, name, ratio)
	}
	return rec, nil
}

func (c *Comparator) withinBudget(diffPixels int, ratio float64) bool {
	switch c.opts.ThresholdType {
	case ThresholdPixel:
		return float64(diffPixels) <= c.opts.Threshold
	default:
		return ratio <= c.opts.Threshold
	}
}

// writeDiff renders and stores the diff visualization. Failure to render the
// diagnostic never fails the comparison itself.
func (c *Comparator) writeDiff(path string, baseline, actual *image.NRGBA, name string, ratio float64) {
	label := fmt.Sprintf("%s: %.2f%% diff", name, ratio*100)
	diffPNG, err := renderDiff(baseline, actual, c.opts.NoiseEpsilon, label)
	if err != nil {
		c.logger.Error("Failed to render diff image.", zap.String("name", name), zap.Error(err))
		return
	}
	if err := os.WriteFile(path, diffPNG, 0o644); err != nil {
		c.logger.Error("Failed to write diff image.", zap.String("path", path), zap.Error(err))
	}
}

// validateName rejects names that would escape the baseline or results
// directories or collide with the artifact suffixes.
func validateName(name string) error {
	if name == "" {
		return errors.New("visual: comparison name is empty")
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("visual: comparison name %q must not contain path separators", name)
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("visual: comparison name %q must not start with a dot", name)
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
