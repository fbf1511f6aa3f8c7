// Package schemas defines the shared data contracts passed between the
// runner, the reporting layer, and the run history store. Everything here is
// plain data: no behavior beyond small helpers, so any layer can depend on it
// without pulling in browser or storage machinery.
package schemas

import "time"

// Status classifies the outcome of a suite, a step, or a whole run.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// RunReport is the root artifact of one `caliper-cli run` invocation.
// It aggregates every executed suite together with run-wide metadata and is
// what reporters serialize and the store persists.
type RunReport struct {
	RunID      string        `json:"run_id"`
	Profile    string        `json:"profile,omitempty"`
	Provider   string        `json:"provider"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Suites     []SuiteResult `json:"suites"`
	Totals     Totals        `json:"totals"`
}

// Totals carries the aggregate counters shown in summaries and CI statuses.
type Totals struct {
	Suites      int `json:"suites"`
	Steps       int `json:"steps"`
	Passed      int `json:"passed"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
	Healed      int `json:"healed"`
	Comparisons int `json:"comparisons"`
}

// HasFailures reports whether the run as a whole should be considered a
// failure.
func (t Totals) HasFailures() bool { return t.Failed > 0 }

// SuiteResult records one execution of a suite against one data row.
type SuiteResult struct {
	Name       string          `json:"name"`
	DataRow    int             `json:"data_row"`
	Status     Status          `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Error      string          `json:"error,omitempty"`
	Steps      []StepResult    `json:"steps"`
	Console    []ConsoleEntry  `json:"console,omitempty"`
	Network    NetworkSummary  `json:"network"`
	ServerLog  []ServerLogLine `json:"server_log,omitempty"`
}

// StepResult records the outcome of a single suite step.
type StepResult struct {
	Index      int               `json:"index"`
	Kind       string            `json:"kind"`
	Target     string            `json:"target,omitempty"`
	Status     Status            `json:"status"`
	Error      string            `json:"error,omitempty"`
	DurationMs int64             `json:"duration_ms"`
	Healing    *HealingEvent     `json:"healing,omitempty"`
	Comparison *ComparisonRecord `json:"comparison,omitempty"`
}

// HealingEvent documents how a candidate group was resolved when the
// first-choice selector did not match: which candidate was chosen, whether
// the resolver fell back, and what each prior candidate reported. Suggestions
// are post-hoc diagnostics and never influence the resolution itself.
type HealingEvent struct {
	Group       string   `json:"group"`
	Chosen      string   `json:"chosen"`
	Index       int      `json:"index"`
	FellBack    bool     `json:"fell_back"`
	Failures    []string `json:"failures,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// ComparisonRecord is the serializable form of a visual comparison outcome.
// All three artifact paths are populated regardless of pass/fail so passing
// runs stay auditable; the diff file itself only exists for failures.
type ComparisonRecord struct {
	Name         string  `json:"name"`
	DiffPixels   int     `json:"diff_pixels"`
	DiffRatio    float64 `json:"diff_ratio"`
	Passed       bool    `json:"passed"`
	FirstRun     bool    `json:"first_run"`
	BaselinePath string  `json:"baseline_path"`
	ActualPath   string  `json:"actual_path"`
	DiffPath     string  `json:"diff_path"`
}

// ConsoleEntry is one captured browser console message.
type ConsoleEntry struct {
	Level     string    `json:"level"`
	Text      string    `json:"text"`
	URL       string    `json:"url,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NetworkEvent is one captured request/response pair. Failed requests carry
// the failure text reported by the browser instead of a status code.
type NetworkEvent struct {
	RequestID   string    `json:"request_id"`
	Method      string    `json:"method"`
	URL         string    `json:"url"`
	Status      int64     `json:"status,omitempty"`
	MimeType    string    `json:"mime_type,omitempty"`
	Encoding    string    `json:"encoding,omitempty"`
	BodySize    int       `json:"body_size,omitempty"`
	Failed      bool      `json:"failed,omitempty"`
	FailureText string    `json:"failure_text,omitempty"`
	StartedAt   time.Time `json:"started_at"`

	// Body is the response payload, fetched on demand for error responses
	// and capped; empty when never fetched.
	Body          string `json:"body,omitempty"`
	BodyTruncated bool   `json:"body_truncated,omitempty"`
}

// NetworkSummary condenses a session's traffic for the report. Full events
// are included only for failures to keep report sizes sane.
type NetworkSummary struct {
	Requests  int            `json:"requests"`
	Responses int            `json:"responses"`
	Failures  []NetworkEvent `json:"failures,omitempty"`
}

// ServerLogLine is an application-under-test log line captured during a run
// and correlated to the step that was executing when it appeared.
type ServerLogLine struct {
	StepIndex int       `json:"step_index"`
	Line      string    `json:"line"`
	SeenAt    time.Time `json:"seen_at"`
}

// Recount recomputes the run totals from the suite results. Runner code
// mutates suites as they finish and calls this once at the end.
func (r *RunReport) Recount() {
	var t Totals
	t.Suites = len(r.Suites)
	for _, s := range r.Suites {
		for _, st := range s.Steps {
			t.Steps++
			switch st.Status {
			case StatusPassed:
				t.Passed++
			case StatusFailed:
				t.Failed++
			case StatusSkipped:
				t.Skipped++
			}
			if st.Healing != nil && st.Healing.Index > 0 {
				t.Healed++
			}
			if st.Comparison != nil {
				t.Comparisons++
			}
		}
	}
	r.Totals = t
}
