package reporting

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/beevik/etree"

	"github.com/xkilldash9x/caliper-cli/api/schemas"
)

// junitReporter renders the run report as JUnit XML, the lingua franca of CI
// test-result ingestion. One <testsuite> per executed suite/data-row pair,
// one <testcase> per step; healing and comparison details land in the
// failure text so the CI UI shows them without opening artifacts.
type junitReporter struct {
	writer io.WriteCloser
}

func newJUnitReporter(w io.WriteCloser) *junitReporter {
	return &junitReporter{writer: w}
}

func (r *junitReporter) Write(report *schemas.RunReport) error {
	if report == nil {
		return fmt.Errorf("junit reporter: nil report")
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	suites := doc.CreateElement("testsuites")
	suites.CreateAttr("name", "caliper run "+report.RunID)
	suites.CreateAttr("tests", strconv.Itoa(report.Totals.Steps))
	suites.CreateAttr("failures", strconv.Itoa(report.Totals.Failed))
	suites.CreateAttr("skipped", strconv.Itoa(report.Totals.Skipped))
	suites.CreateAttr("time", junitSeconds(report.FinishedAt.Sub(report.StartedAt)))

	for _, s := range report.Suites {
		r.appendSuite(suites, s)
	}

	doc.Indent(2)
	if _, err := doc.WriteTo(r.writer); err != nil {
		return fmt.Errorf("writing junit report: %w", err)
	}
	return nil
}

func (r *junitReporter) appendSuite(parent *etree.Element, s schemas.SuiteResult) {
	name := s.Name
	if s.DataRow > 0 {
		name = fmt.Sprintf("%s[row %d]", s.Name, s.DataRow)
	}

	var failures, skipped int
	for _, st := range s.Steps {
		switch st.Status {
		case schemas.StatusFailed:
			failures++
		case schemas.StatusSkipped:
			skipped++
		}
	}

	suite := parent.CreateElement("testsuite")
	suite.CreateAttr("name", name)
	suite.CreateAttr("tests", strconv.Itoa(len(s.Steps)))
	suite.CreateAttr("failures", strconv.Itoa(failures))
	suite.CreateAttr("skipped", strconv.Itoa(skipped))
	suite.CreateAttr("time", junitSeconds(s.FinishedAt.Sub(s.StartedAt)))
	suite.CreateAttr("timestamp", s.StartedAt.UTC().Format("2006-01-02T15:04:05"))

	for _, st := range s.Steps {
		r.appendStep(suite, name, st)
	}

	// Suite-level errors (session open failure, dataset problems) have no
	// step to hang off; JUnit models those as a suite <error>.
	if s.Error != "" {
		errEl := suite.CreateElement("error")
		errEl.CreateAttr("message", s.Error)
	}
}

func (r *junitReporter) appendStep(suite *etree.Element, suiteName string, st schemas.StepResult) {
	tc := suite.CreateElement("testcase")
	tc.CreateAttr("name", fmt.Sprintf("step %d: %s %s", st.Index+1, st.Kind, st.Target))
	tc.CreateAttr("classname", suiteName)
	tc.CreateAttr("time", junitSeconds(time.Duration(st.DurationMs)*time.Millisecond))

	switch st.Status {
	case schemas.StatusFailed:
		failure := tc.CreateElement("failure")
		failure.CreateAttr("message", st.Error)
		failure.SetText(stepDetail(st))
	case schemas.StatusSkipped:
		tc.CreateElement("skipped")
	}

	if st.Healing != nil {
		props := tc.CreateElement("properties")
		prop := props.CreateElement("property")
		prop.CreateAttr("name", "healedSelector")
		prop.CreateAttr("value", st.Healing.Chosen)
	}
}

// stepDetail expands a failed step's diagnostics: comparison artifact paths
// and the per-candidate healing trail, one item per line.
func stepDetail(st schemas.StepResult) string {
	detail := st.Error
	if c := st.Comparison; c != nil {
		detail += fmt.Sprintf("\nbaseline: %s\nactual:   %s\ndiff:     %s", c.BaselinePath, c.ActualPath, c.DiffPath)
	}
	if h := st.Healing; h != nil {
		for _, f := range h.Failures {
			detail += "\nprobe failure: " + f
		}
	}
	return detail
}

func junitSeconds(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

func (r *junitReporter) Close() error {
	return r.writer.Close()
}
