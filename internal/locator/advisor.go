package locator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/caliper-cli/internal/config"
)

const (
	// maxAdvisorSuggestions caps how many proposed selectors one healing
	// event carries in a report.
	maxAdvisorSuggestions = 5
	// maxDOMExcerpt bounds how much page HTML is sent with the prompt.
	maxDOMExcerpt = 12000
)

// Advisor asks a generative model to propose replacement selectors for a
// group whose candidates have gone stale. Like the DOM suggester, it runs
// after resolution and only decorates the healing event; it has no say in
// which candidate wins.
type Advisor struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewAdvisor builds an Advisor from configuration. The API key may be empty,
// in which case the genai client falls back to its own environment lookup.
func NewAdvisor(ctx context.Context, cfg config.AdvisorConfig, logger *zap.Logger) (*Advisor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating selector advisor client: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Advisor{
		client:  client,
		model:   cfg.Model,
		timeout: timeout,
		logger:  logger.Named("advisor"),
	}, nil
}

// Propose sends the failed selectors plus a DOM snapshot to the model and
// parses its reply into candidate selectors.
func (a *Advisor) Propose(ctx context.Context, group string, failed []string, pageHTML string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	prompt := buildRepairPrompt(group, failed, pageHTML)
	a.logger.Debug("Requesting selector repair suggestions.",
		zap.String("group", group),
		zap.String("model", a.model),
		zap.Int("failedSelectors", len(failed)))

	resp, err := a.client.Models.GenerateContent(ctx, a.model, genai.Text(prompt), nil)
	if err != nil {
		return nil, fmt.Errorf("selector advisor request: %w", err)
	}

	suggestions := parseSelectorLines(resp.Text(), maxAdvisorSuggestions)
	a.logger.Debug("Advisor returned suggestions.",
		zap.String("group", group),
		zap.Strings("suggestions", suggestions))
	return suggestions, nil
}

func buildRepairPrompt(group string, failed []string, pageHTML string) string {
	if len(pageHTML) > maxDOMExcerpt {
		pageHTML = pageHTML[:maxDOMExcerpt]
	}
	var b strings.Builder
	b.WriteString("You maintain CSS selectors for a browser UI test suite.\n")
	fmt.Fprintf(&b, "The element group %q could not be located. These selectors matched nothing:\n", group)
	for _, sel := range failed {
		fmt.Fprintf(&b, "  %s\n", sel)
	}
	b.WriteString("\nCurrent page HTML (possibly truncated):\n")
	b.WriteString(pageHTML)
	fmt.Fprintf(&b, "\n\nPropose up to %d CSS selectors that likely identify the intended element, most stable first. ", maxAdvisorSuggestions)
	b.WriteString("Prefer test ids, ids and names over classes. Reply with one selector per line and nothing else.")
	return b.String()
}

// parseSelectorLines extracts selector-looking lines from a model reply,
// stripping code fences, bullets and numbering.
func parseSelectorLines(text string, limit int) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "```") {
			continue
		}
		line = strings.TrimPrefix(line, "- ")
		line = strings.TrimPrefix(line, "* ")
		// "1. selector" style numbering.
		if i := strings.IndexByte(line, ' '); i > 1 && i <= 3 && strings.HasSuffix(line[:i], ".") {
			if _, isNum := atoiSafe(line[:i-1]); isNum {
				line = strings.TrimSpace(line[i:])
			}
		}
		line = strings.Trim(line, "`")
		if line == "" || len(line) > 200 {
			continue
		}
		out = append(out, line)
		if len(out) == limit {
			break
		}
	}
	return out
}

func atoiSafe(s string) (int, bool) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, s != ""
}
