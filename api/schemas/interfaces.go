package schemas

import "context"

// Reporter writes a finished run report to some output (file, stdout).
// Implementations decide the format; callers own the lifecycle and must call
// Close exactly once.
type Reporter interface {
	// Write serializes the report. Safe to call once per reporter.
	Write(report *RunReport) error
	// Close finalizes the report and releases the underlying writer.
	Close() error
}

// Notifier pushes a run summary to an external channel (email, a GitHub
// commit status). Notifiers are best-effort: a notification failure never
// fails the run.
type Notifier interface {
	// Name identifies the channel in logs.
	Name() string
	// Notify delivers the summary.
	Notify(ctx context.Context, report *RunReport) error
}
