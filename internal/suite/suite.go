// Package suite loads and validates YAML test suite definitions. A suite
// declares pages of element groups (each group an ordered list of candidate
// selectors for one logical element), a sequence of steps acting on those
// groups, and optionally a data file whose rows parametrize the run through
// {{data.<column>}} bindings. Validation happens entirely at load time so a
// typo fails the run before any browser launches.
package suite

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StepKind names the action a step performs.
type StepKind string

const (
	StepNavigate      StepKind = "navigate"
	StepClick         StepKind = "click"
	StepFill          StepKind = "fill"
	StepExpectText    StepKind = "expect_text"
	StepExpectVisible StepKind = "expect_visible"
	StepSnapshot      StepKind = "snapshot"
	StepPause         StepKind = "pause"
)

// Page maps element group names to their ordered candidate selector lists.
// Order encodes preference: the resolver probes candidates front to back.
type Page map[string][]string

// Step is one action in a suite. Which fields matter depends on Kind; Validate
// rejects combinations that make no sense before anything runs.
type Step struct {
	Kind StepKind `yaml:"kind"`
	// URL is the navigation target, absolute or relative to the suite's
	// base_url. Bindings are allowed.
	URL string `yaml:"url,omitempty"`
	// Element references a group as "<page>.<element>".
	Element string `yaml:"element,omitempty"`
	// Value is the text typed by a fill step. Bindings are allowed.
	Value string `yaml:"value,omitempty"`
	// Equals / Contains are the expect_text assertions; exactly one is set.
	Equals   string `yaml:"equals,omitempty"`
	Contains string `yaml:"contains,omitempty"`
	// Name is the logical screenshot name of a snapshot step. One baseline
	// exists per name, so data-driven suites should bind row values into it.
	Name string `yaml:"name,omitempty"`
	// Duration is how long a pause step sleeps.
	Duration time.Duration `yaml:"duration,omitempty"`
}

// Target summarizes what the step acts on, for logs and report rows.
func (st Step) Target() string {
	switch st.Kind {
	case StepNavigate:
		return st.URL
	case StepSnapshot:
		if st.Element != "" {
			return st.Name + " (" + st.Element + ")"
		}
		return st.Name
	case StepPause:
		return st.Duration.String()
	default:
		return st.Element
	}
}

// Suite is one parsed suite file.
type Suite struct {
	// Name identifies the suite in reports. Defaults to the file stem.
	Name string `yaml:"name"`
	// BaseURL prefixes relative navigation targets.
	BaseURL string `yaml:"base_url"`
	// Data optionally names a dataset file (JSON/CSV/Excel) whose rows the
	// suite runs once each. Relative paths resolve against the suite file.
	Data string `yaml:"data,omitempty"`
	// Pages holds the element groups, keyed by page name.
	Pages map[string]Page `yaml:"pages,omitempty"`
	// Steps run in order; the first failure skips the rest.
	Steps []Step `yaml:"steps"`

	// Path is the file the suite came from.
	Path string `yaml:"-"`
}

// Load reads and validates a single suite file.
func Load(path string) (*Suite, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening suite: %w", err)
	}
	defer f.Close()

	var s Suite
	dec := yaml.NewDecoder(f)
	// Unknown keys are almost always typos (snapshoot, elment); reject them.
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parsing suite %s: %w", filepath.Base(path), err)
	}

	s.Path = path
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if s.Data != "" && !filepath.IsAbs(s.Data) {
		s.Data = filepath.Join(filepath.Dir(path), s.Data)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("suite %s: %w", s.Name, err)
	}
	return &s, nil
}

// LoadPath loads a single suite file, or every *.yaml / *.yml file in a
// directory (sorted by name so execution order is stable).
func LoadPath(path string) ([]*Suite, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading suites from %s: %w", path, err)
	}
	if !info.IsDir() {
		s, err := Load(path)
		if err != nil {
			return nil, err
		}
		return []*Suite{s}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading suite directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	sort.Strings(files)

	if len(files) == 0 {
		return nil, fmt.Errorf("no suite files (*.yaml) found in %s", path)
	}

	suites := make([]*Suite, 0, len(files))
	for _, f := range files {
		s, err := Load(f)
		if err != nil {
			return nil, err
		}
		suites = append(suites, s)
	}
	return suites, nil
}

// Candidates resolves an element reference of the form "<page>.<element>" to
// its candidate selector list.
func (s *Suite) Candidates(ref string) ([]string, error) {
	pageName, elemName, ok := strings.Cut(ref, ".")
	if !ok {
		return nil, fmt.Errorf("element reference %q must be <page>.<element>", ref)
	}
	page, ok := s.Pages[pageName]
	if !ok {
		return nil, fmt.Errorf("unknown page %q in element reference %q", pageName, ref)
	}
	cands, ok := page[elemName]
	if !ok {
		return nil, fmt.Errorf("unknown element %q on page %q", elemName, pageName)
	}
	return cands, nil
}

// Validate checks the whole suite: step fields, element references, and that
// every referenced group has at least one candidate.
func (s *Suite) Validate() error {
	if len(s.Steps) == 0 {
		return errors.New("suite has no steps")
	}

	for pageName, page := range s.Pages {
		for elemName, cands := range page {
			if len(cands) == 0 {
				return fmt.Errorf("element %s.%s has no candidate selectors", pageName, elemName)
			}
			for i, c := range cands {
				if strings.TrimSpace(c) == "" {
					return fmt.Errorf("element %s.%s candidate %d is blank", pageName, elemName, i+1)
				}
			}
		}
	}

	for i, st := range s.Steps {
		if err := s.validateStep(st); err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, st.Kind, err)
		}
	}
	return nil
}

func (s *Suite) validateStep(st Step) error {
	needsElement := func() error {
		if st.Element == "" {
			return errors.New("element reference is required")
		}
		_, err := s.Candidates(st.Element)
		return err
	}

	switch st.Kind {
	case StepNavigate:
		if st.URL == "" {
			return errors.New("url is required")
		}
		return nil
	case StepClick, StepExpectVisible:
		return needsElement()
	case StepFill:
		return needsElement()
	case StepExpectText:
		if err := needsElement(); err != nil {
			return err
		}
		if st.Equals == "" && st.Contains == "" {
			return errors.New("one of equals or contains is required")
		}
		if st.Equals != "" && st.Contains != "" {
			return errors.New("equals and contains are mutually exclusive")
		}
		return nil
	case StepSnapshot:
		if st.Name == "" {
			return errors.New("name is required")
		}
		if st.Element != "" {
			if _, err := s.Candidates(st.Element); err != nil {
				return err
			}
		}
		return nil
	case StepPause:
		if st.Duration <= 0 {
			return errors.New("duration must be positive")
		}
		return nil
	case "":
		return errors.New("kind is missing")
	default:
		return fmt.Errorf("unknown step kind %q", st.Kind)
	}
}

var bindingPattern = regexp.MustCompile(`\{\{\s*data\.([A-Za-z0-9_][A-Za-z0-9_.-]*)\s*\}\}`)

// Bind substitutes {{data.<column>}} placeholders with values from the row.
// A placeholder naming a column the row does not have is an error: silently
// typing the literal braces into a form field helps nobody.
func Bind(in string, row map[string]string) (string, error) {
	var missing []string
	out := bindingPattern.ReplaceAllStringFunc(in, func(m string) string {
		key := bindingPattern.FindStringSubmatch(m)[1]
		v, ok := row[key]
		if !ok {
			missing = append(missing, key)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("binding references unknown data column(s): %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// HasBindings reports whether the string contains any data placeholder.
func HasBindings(in string) bool {
	return bindingPattern.MatchString(in)
}
