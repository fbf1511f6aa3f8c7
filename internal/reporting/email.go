package reporting

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/resend/resend-go/v3"
	"go.uber.org/zap"

	"github.com/xkilldash9x/caliper-cli/api/schemas"
	"github.com/xkilldash9x/caliper-cli/internal/config"
)

// Mailer posts a run summary email through the Resend API. It implements
// schemas.Notifier and is only constructed when report.email.enabled is set.
type Mailer struct {
	cfg    config.EmailConfig
	client *resend.Client
	logger *zap.Logger
}

// NewMailer creates a Resend-backed notifier. The API key must already be
// validated by config.Validate.
func NewMailer(cfg config.EmailConfig, logger *zap.Logger) *Mailer {
	return &Mailer{
		cfg:    cfg,
		client: resend.NewClient(cfg.APIKey),
		logger: logger.Named("mailer"),
	}
}

// Name identifies this notifier in logs.
func (m *Mailer) Name() string { return "email" }

// Notify renders the report into an HTML summary and sends it to the
// configured recipients.
func (m *Mailer) Notify(ctx context.Context, report *schemas.RunReport) error {
	subject, body := renderEmail(report)

	params := &resend.SendEmailRequest{
		From:    m.cfg.From,
		To:      m.cfg.To,
		Subject: subject,
		Html:    body,
	}
	if _, err := m.client.Emails.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("sending run summary email: %w", err)
	}

	m.logger.Info("Run summary email sent.",
		zap.String("run_id", report.RunID),
		zap.Strings("to", m.cfg.To),
	)
	return nil
}

// renderEmail produces the subject line and HTML body for a run report.
// Split out from Notify so tests can assert on the rendering without a
// network client.
func renderEmail(report *schemas.RunReport) (subject, body string) {
	t := report.Totals
	if t.HasFailures() {
		subject = fmt.Sprintf("caliper: %d step(s) failed in run %s", t.Failed, report.RunID)
	} else {
		subject = fmt.Sprintf("caliper: run %s passed (%d suites)", report.RunID, t.Suites)
	}

	var rows strings.Builder
	for _, s := range report.Suites {
		label := s.Name
		if s.DataRow > 0 {
			label = fmt.Sprintf("%s[row %d]", s.Name, s.DataRow)
		}
		color := "#2e7d32"
		if s.Status == schemas.StatusFailed {
			color = "#c62828"
		} else if s.Status == schemas.StatusSkipped {
			color = "#757575"
		}
		detail := ""
		for _, st := range s.Steps {
			if st.Status == schemas.StatusFailed {
				detail += fmt.Sprintf("<br><span style=\"color:#666;font-size:12px;\">step %d (%s): %s</span>",
					st.Index+1, html.EscapeString(st.Kind), html.EscapeString(st.Error))
			}
		}
		rows.WriteString(fmt.Sprintf(
			"<tr><td style=\"padding:6px 12px;border-bottom:1px solid #eee;\">%s%s</td>"+
				"<td style=\"padding:6px 12px;border-bottom:1px solid #eee;color:%s;font-weight:600;\">%s</td></tr>",
			html.EscapeString(label), detail, color, strings.ToUpper(string(s.Status))))
	}

	body = fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Arial, sans-serif; color: #333; max-width: 640px; margin: 0 auto; padding: 20px;">
  <h2 style="margin-top:0;">caliper run %s</h2>
  <p>Profile <strong>%s</strong>, provider <strong>%s</strong>, duration %s.</p>
  <table style="border-collapse:collapse;width:100%%;">%s</table>
  <p style="margin-top:16px;">%d of %d steps passed, %d healed selector(s), %d visual comparison(s).</p>
  <p style="color:#999;font-size:12px;">Automated message from caliper-cli. Artifacts live in the run results directory.</p>
</body>
</html>`,
		html.EscapeString(report.RunID),
		html.EscapeString(orDefault(report.Profile, "default")),
		html.EscapeString(report.Provider),
		report.FinishedAt.Sub(report.StartedAt).Round(timeRounding),
		rows.String(),
		t.Passed, t.Steps, t.Healed, t.Comparisons)
	return subject, body
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
