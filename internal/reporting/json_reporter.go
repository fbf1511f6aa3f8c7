package reporting

import (
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/caliper-cli/api/schemas"
)

var reportJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// jsonReporter writes the run report as one indented JSON document.
type jsonReporter struct {
	writer io.WriteCloser
}

func newJSONReporter(w io.WriteCloser) *jsonReporter {
	return &jsonReporter{writer: w}
}

// Write serializes the report. Indented output: these files are diffed and
// read by humans at least as often as they are parsed.
func (r *jsonReporter) Write(report *schemas.RunReport) error {
	if report == nil {
		return fmt.Errorf("json reporter: nil report")
	}
	enc := reportJSON.NewEncoder(r.writer)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encoding run report: %w", err)
	}
	return nil
}

func (r *jsonReporter) Close() error {
	return r.writer.Close()
}
