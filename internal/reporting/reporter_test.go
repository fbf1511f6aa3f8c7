package reporting

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/caliper-cli/api/schemas"
)

// sampleReport builds a two-suite report exercising every field the
// reporters render: a healed selector, a passing and a failing comparison,
// and a skipped trailing step.
func sampleReport() *schemas.RunReport {
	started := time.Date(2025, 6, 12, 10, 0, 0, 0, time.UTC)
	report := &schemas.RunReport{
		RunID:      "run-42",
		Profile:    "staging",
		Provider:   "local",
		StartedAt:  started,
		FinishedAt: started.Add(95 * time.Second),
		Suites: []schemas.SuiteResult{
			{
				Name:       "checkout",
				Status:     schemas.StatusPassed,
				StartedAt:  started,
				FinishedAt: started.Add(40 * time.Second),
				Steps: []schemas.StepResult{
					{Index: 0, Kind: "navigate", Target: "https://shop.test/cart", Status: schemas.StatusPassed, DurationMs: 1200},
					{
						Index: 1, Kind: "click", Target: "checkout.submit", Status: schemas.StatusPassed, DurationMs: 300,
						Healing: &schemas.HealingEvent{
							Group:    "checkout.submit",
							Chosen:   "button.checkout",
							Index:    1,
							FellBack: false,
							Failures: []string{`candidate 0 "#submit-btn": no elements matched`},
						},
					},
					{
						Index: 2, Kind: "snapshot", Target: "cart-summary", Status: schemas.StatusPassed, DurationMs: 800,
						Comparison: &schemas.ComparisonRecord{
							Name:         "cart-summary",
							Passed:       true,
							BaselinePath: "baselines/cart-summary.png",
							ActualPath:   "results/cart-summary-actual.png",
							DiffPath:     "results/cart-summary-diff.png",
						},
					},
				},
			},
			{
				Name:       "search",
				DataRow:    2,
				Status:     schemas.StatusFailed,
				StartedAt:  started.Add(40 * time.Second),
				FinishedAt: started.Add(95 * time.Second),
				Steps: []schemas.StepResult{
					{Index: 0, Kind: "navigate", Target: "https://shop.test", Status: schemas.StatusPassed, DurationMs: 900},
					{
						Index: 1, Kind: "snapshot", Target: "results-grid", Status: schemas.StatusFailed, DurationMs: 1100,
						Error: `visual mismatch for "results-grid": ratio 0.0450 exceeds threshold`,
						Comparison: &schemas.ComparisonRecord{
							Name:         "results-grid",
							DiffPixels:   5200,
							DiffRatio:    0.045,
							Passed:       false,
							BaselinePath: "baselines/results-grid.png",
							ActualPath:   "results/results-grid-actual.png",
							DiffPath:     "results/results-grid-diff.png",
						},
					},
					{Index: 2, Kind: "click", Target: "results.next", Status: schemas.StatusSkipped},
				},
			},
		},
	}
	report.Recount()
	return report
}

func TestNewReporter(t *testing.T) {
	t.Run("rejects unsupported formats", func(t *testing.T) {
		_, err := New("yaml", filepath.Join(t.TempDir(), "out.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported output format")
	})

	t.Run("empty path targets stdout", func(t *testing.T) {
		rep, err := New(FormatJSON, "")
		require.NoError(t, err)
		require.NoError(t, rep.Close())
	})

	t.Run("json report round-trips through a file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "report.json")
		rep, err := New(FormatJSON, path)
		require.NoError(t, err)

		require.NoError(t, rep.Write(sampleReport()))
		require.NoError(t, rep.Close())

		raw, err := os.ReadFile(path)
		require.NoError(t, err)

		var decoded schemas.RunReport
		require.NoError(t, json.Unmarshal(raw, &decoded))
		assert.Equal(t, "run-42", decoded.RunID)
		assert.Equal(t, 6, decoded.Totals.Steps)
		assert.Equal(t, 1, decoded.Totals.Failed)
		assert.Equal(t, 1, decoded.Totals.Healed)
		require.Len(t, decoded.Suites, 2)
		assert.Equal(t, "button.checkout", decoded.Suites[0].Steps[1].Healing.Chosen)
	})
}

func TestJUnitReporter(t *testing.T) {
	var buf bytes.Buffer
	rep := newJUnitReporter(&nopWriteCloser{&buf})
	require.NoError(t, rep.Write(sampleReport()))
	require.NoError(t, rep.Close())

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(buf.Bytes()))

	root := doc.SelectElement("testsuites")
	require.NotNil(t, root)
	assert.Equal(t, "6", root.SelectAttrValue("tests", ""))
	assert.Equal(t, "1", root.SelectAttrValue("failures", ""))
	assert.Equal(t, "1", root.SelectAttrValue("skipped", ""))

	suites := root.SelectElements("testsuite")
	require.Len(t, suites, 2)
	assert.Equal(t, "checkout", suites[0].SelectAttrValue("name", ""))
	assert.Equal(t, "search[row 2]", suites[1].SelectAttrValue("name", ""))

	t.Run("failed step carries message and artifact paths", func(t *testing.T) {
		cases := suites[1].SelectElements("testcase")
		require.Len(t, cases, 3)

		failure := cases[1].SelectElement("failure")
		require.NotNil(t, failure)
		assert.Contains(t, failure.SelectAttrValue("message", ""), "visual mismatch")
		assert.Contains(t, failure.Text(), "baselines/results-grid.png")
		assert.Contains(t, failure.Text(), "results/results-grid-diff.png")

		assert.NotNil(t, cases[2].SelectElement("skipped"))
	})

	t.Run("healed step is exposed as a property", func(t *testing.T) {
		cases := suites[0].SelectElements("testcase")
		require.Len(t, cases, 3)

		props := cases[1].SelectElement("properties")
		require.NotNil(t, props)
		prop := props.SelectElement("property")
		require.NotNil(t, prop)
		assert.Equal(t, "healedSelector", prop.SelectAttrValue("name", ""))
		assert.Equal(t, "button.checkout", prop.SelectAttrValue("value", ""))
	})
}

func TestWriteSummary(t *testing.T) {
	var buf bytes.Buffer
	WriteSummary(&buf, sampleReport())
	out := buf.String()

	assert.Contains(t, out, "Run run-42")
	assert.Contains(t, out, "PASS checkout")
	assert.Contains(t, out, "FAIL search[row 2]")
	assert.Contains(t, out, `step 2 healed "checkout.submit" -> "button.checkout"`)
	assert.Contains(t, out, "step 2 visual diff 4.50% (5200 px), see results/results-grid-diff.png")
	assert.Contains(t, out, "Suites: 1 of 2 passed")
	assert.Contains(t, out, "4 passed, 1 failed, 1 skipped (of 6)")
	assert.Contains(t, out, "1 healed selector(s), 2 visual comparison(s)")
}
