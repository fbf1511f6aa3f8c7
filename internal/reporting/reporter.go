// Package reporting serializes finished run reports. File reporters (JSON
// for machines, JUnit XML for CI ingestion) implement schemas.Reporter and
// are selected by format through New; the console summary and the outbound
// notifiers (email, GitHub commit status) live beside them and share the
// same RunReport input.
package reporting

import (
	"fmt"
	"io"
	"os"

	"github.com/xkilldash9x/caliper-cli/api/schemas"
)

// Format names accepted by New.
const (
	FormatJSON  = "json"
	FormatJUnit = "junit"
)

// nopWriteCloser wraps an io.Writer and provides a no-op Close method so
// stdout survives the reporter's lifecycle.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// New creates a reporter for the given format. An empty or "stdout" path
// writes to standard output; anything else creates (or truncates) a file.
func New(format, outputPath string) (schemas.Reporter, error) {
	var writer io.WriteCloser
	isStdOut := outputPath == "" || outputPath == "stdout"

	if isStdOut {
		writer = &nopWriteCloser{os.Stdout}
	} else {
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
	}

	cleanup := func() {
		if !isStdOut {
			writer.Close()
		}
	}

	switch format {
	case FormatJSON:
		return newJSONReporter(writer), nil
	case FormatJUnit:
		return newJUnitReporter(writer), nil
	default:
		cleanup()
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}
