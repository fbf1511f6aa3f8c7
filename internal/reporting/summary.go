package reporting

import (
	"fmt"
	"io"
	"time"

	"github.com/xkilldash9x/caliper-cli/api/schemas"
)

const timeRounding = 10 * time.Millisecond

// WriteSummary prints a short human-readable digest of a run to w. The run
// command calls this after writing the machine-readable report so the
// terminal shows pass/fail at a glance without opening the report file.
func WriteSummary(w io.Writer, report *schemas.RunReport) {
	fmt.Fprintf(w, "\nRun %s (profile %q, provider %q)\n", report.RunID, report.Profile, report.Provider)
	fmt.Fprintf(w, "Duration: %s\n\n", report.FinishedAt.Sub(report.StartedAt).Round(timeRounding))

	var suitesPassed int
	for _, s := range report.Suites {
		if s.Status == schemas.StatusPassed {
			suitesPassed++
		}
		label := s.Name
		if s.DataRow > 0 {
			label = fmt.Sprintf("%s[row %d]", s.Name, s.DataRow)
		}
		fmt.Fprintf(w, "  %-4s %s\n", statusTag(s.Status), label)
		if s.Error != "" {
			fmt.Fprintf(w, "       %s\n", s.Error)
		}
		for _, st := range s.Steps {
			if st.Status == schemas.StatusFailed {
				fmt.Fprintf(w, "       step %d (%s %s): %s\n", st.Index+1, st.Kind, st.Target, st.Error)
			}
			if h := st.Healing; h != nil && h.Index > 0 {
				fmt.Fprintf(w, "       step %d healed %q -> %q\n", st.Index+1, h.Group, h.Chosen)
			}
			if c := st.Comparison; c != nil && !c.Passed {
				fmt.Fprintf(w, "       step %d visual diff %.2f%% (%d px), see %s\n",
					st.Index+1, c.DiffRatio*100, c.DiffPixels, c.DiffPath)
			}
		}
	}

	t := report.Totals
	fmt.Fprintf(w, "\nSuites: %d of %d passed\n", suitesPassed, t.Suites)
	fmt.Fprintf(w, "Steps:  %d passed, %d failed, %d skipped (of %d)\n", t.Passed, t.Failed, t.Skipped, t.Steps)
	fmt.Fprintf(w, "Extras: %d healed selector(s), %d visual comparison(s)\n", t.Healed, t.Comparisons)
}

func statusTag(s schemas.Status) string {
	switch s {
	case schemas.StatusPassed:
		return "PASS"
	case schemas.StatusFailed:
		return "FAIL"
	case schemas.StatusSkipped:
		return "SKIP"
	default:
		return string(s)
	}
}
