package gates

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/devloop/devloop/pkg/engine"
	"github.com/devloop/devloop/pkg/policy"
)

// OutputFormat selects how an analyzer's output is parsed into findings.
type OutputFormat string

const (
	// FormatText parses "file:line[:col]: message" lines from stdout and stderr.
	FormatText OutputFormat = "text"

	// FormatSARIF parses a SARIF 2.1.0 log from stdout.
	FormatSARIF OutputFormat = "sarif"

	// FormatNPMAudit parses `npm audit --json` output.
	FormatNPMAudit OutputFormat = "npm-audit"
)

// AnalyzerManifest declares an analyzer variant.
type AnalyzerManifest struct {
	Name string            `yaml:"name" json:"name" validate:"required"`
	Gate engine.ActionType `yaml:"gate" json:"gate" validate:"required,oneof=static-analysis security-scan"`

	// Capabilities are free-form tags such as "lang:go" or "deps".
	Capabilities []string `yaml:"capabilities" json:"capabilities"`

	// Markers are globs relative to the workspace; any match makes the
	// analyzer applicable.
	Markers []string `yaml:"markers" json:"markers" validate:"required,min=1"`

	// Binary must be on PATH for the analyzer to be selected.
	Binary string `yaml:"binary" json:"binary" validate:"required"`

	Command  CommandSpec  `yaml:"command" json:"command"`
	Format   OutputFormat `yaml:"format" json:"format" validate:"omitempty,oneof=text sarif npm-audit"`
	Severity string       `yaml:"severity" json:"severity" validate:"omitempty,oneof=info warning error critical"`

	// Category is assigned to findings without a more specific category.
	Category string `yaml:"category" json:"category"`

	// RuleCategories overrides the category of findings by rule id
	// (for example G101 -> secret).
	RuleCategories map[string]string `yaml:"rule_categories" json:"rule_categories,omitempty"`

	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// HasCapability reports whether the manifest carries the tag.
func (m *AnalyzerManifest) HasCapability(capability string) bool {
	for _, c := range m.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Analyzer is a manifest selected for a workspace.
type Analyzer struct {
	Name     string
	Manifest AnalyzerManifest

	// Path is the resolved binary location.
	Path string
}

// Parse extracts findings from an analyzer run.
func (a *Analyzer) Parse(result *CommandResult) ([]policy.Finding, error) {
	var (
		findings []policy.Finding
		err      error
	)
	switch a.Manifest.Format {
	case FormatSARIF:
		findings, err = ParseSARIF(result.Stdout)
	case FormatNPMAudit:
		findings, err = ParseNPMAudit(result.Stdout)
	default:
		findings = ParseText(result.Output())
	}

	for i := range findings {
		f := &findings[i]
		f.Tool = a.Name
		if cat, ok := a.Manifest.RuleCategories[f.RuleID]; ok {
			f.Category = cat
		} else if f.Category == "" {
			f.Category = a.Manifest.Category
		}
		if f.Severity == "" {
			f.Severity = a.Manifest.Severity
		}
	}
	return findings, err
}

// Detection reports whether an analyzer applies to a workspace.
type Detection struct {
	Name     string            `json:"name"`
	Gate     engine.ActionType `json:"gate"`
	Selected bool              `json:"selected"`
	Marker   string            `json:"marker,omitempty"`
	Path     string            `json:"path,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Manifest *AnalyzerManifest `json:"-"`
}

// Registry holds the known analyzer variants.
type Registry struct {
	mu        sync.RWMutex
	manifests map[string]*AnalyzerManifest
	validate  *validator.Validate
	lookPath  func(string) (string, error)
}

// NewRegistry creates a registry preloaded with the built-in analyzers.
func NewRegistry() *Registry {
	r := &Registry{
		manifests: make(map[string]*AnalyzerManifest),
		validate:  validator.New(),
		lookPath:  exec.LookPath,
	}
	for _, m := range builtinAnalyzers() {
		if err := r.Register(m); err != nil {
			panic(fmt.Sprintf("invalid built-in analyzer %s: %v", m.Name, err))
		}
	}
	return r
}

// SetLookPath replaces the PATH lookup used by probing.
func (r *Registry) SetLookPath(fn func(string) (string, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookPath = fn
}

// Register adds or replaces an analyzer.
func (r *Registry) Register(m AnalyzerManifest) error {
	if m.Format == "" {
		m.Format = FormatText
	}
	if err := r.validate.Struct(&m); err != nil {
		return fmt.Errorf("invalid analyzer manifest %q: %w", m.Name, err)
	}
	if m.Command.Command == "" {
		return fmt.Errorf("invalid analyzer manifest %q: command is required", m.Name)
	}
	for _, marker := range m.Markers {
		if _, err := filepath.Match(marker, ""); err != nil {
			return fmt.Errorf("invalid analyzer manifest %q: bad marker %q: %w", m.Name, marker, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifests[m.Name] = &m
	return nil
}

// LoadManifests registers analyzers from YAML files or directories of them.
// A file may hold a single manifest or a list.
func (r *Registry) LoadManifests(paths ...string) error {
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if !info.IsDir() {
			if err := r.loadManifestFile(path); err != nil {
				return err
			}
			continue
		}
		err = filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			ext := filepath.Ext(p)
			if fi.IsDir() || (ext != ".yaml" && ext != ".yml") {
				return nil
			}
			return r.loadManifestFile(p)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) loadManifestFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read analyzer manifest: %w", err)
	}

	var list []AnalyzerManifest
	if err := yaml.Unmarshal(data, &list); err != nil {
		var single AnalyzerManifest
		if err := yaml.Unmarshal(data, &single); err != nil {
			return fmt.Errorf("failed to parse analyzer manifest %s: %w", path, err)
		}
		list = []AnalyzerManifest{single}
	}

	for _, m := range list {
		if err := r.Register(m); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

// Get returns a copy of the named manifest.
func (r *Registry) Get(name string) (AnalyzerManifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.manifests[name]
	if !ok {
		return AnalyzerManifest{}, false
	}
	return *m, true
}

// List returns all manifests sorted by gate then name.
func (r *Registry) List() []AnalyzerManifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AnalyzerManifest, 0, len(r.manifests))
	for _, m := range r.manifests {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Gate != out[j].Gate {
			return engine.GateIndex(out[i].Gate) < engine.GateIndex(out[j].Gate)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Detect checks every analyzer against the workspace at dir.
func (r *Registry) Detect(dir string) []Detection {
	manifests := r.List()

	r.mu.RLock()
	lookPath := r.lookPath
	r.mu.RUnlock()

	results := make([]Detection, 0, len(manifests))
	for i := range manifests {
		m := &manifests[i]
		res := Detection{Name: m.Name, Gate: m.Gate, Manifest: m}

		res.Marker = matchMarker(dir, m.Markers)
		if res.Marker == "" {
			res.Reason = "no marker file (" + strings.Join(m.Markers, ", ") + ")"
			results = append(results, res)
			continue
		}

		path, err := lookPath(m.Binary)
		if err != nil {
			res.Reason = fmt.Sprintf("%s not found on PATH", m.Binary)
			results = append(results, res)
			continue
		}

		res.Path = path
		res.Selected = true
		results = append(results, res)
	}
	return results
}

// Select returns the analyzers applicable to dir for gate. When capabilities
// are given, analyzers must carry all of them.
func (r *Registry) Select(dir string, gate engine.ActionType, capabilities ...string) []*Analyzer {
	var selected []*Analyzer
	for _, res := range r.Detect(dir) {
		if !res.Selected || res.Gate != gate {
			continue
		}
		if !hasAll(res.Manifest, capabilities) {
			continue
		}
		selected = append(selected, &Analyzer{
			Name:     res.Name,
			Manifest: *res.Manifest,
			Path:     res.Path,
		})
	}
	return selected
}

func hasAll(m *AnalyzerManifest, capabilities []string) bool {
	for _, c := range capabilities {
		if !m.HasCapability(c) {
			return false
		}
	}
	return true
}

func matchMarker(dir string, markers []string) string {
	for _, marker := range markers {
		matches, err := filepath.Glob(filepath.Join(dir, marker))
		if err == nil && len(matches) > 0 {
			return marker
		}
	}
	return ""
}

func builtinAnalyzers() []AnalyzerManifest {
	goMarkers := []string{"go.mod"}
	pyMarkers := []string{"pyproject.toml", "setup.py", "setup.cfg", "requirements.txt"}

	return []AnalyzerManifest{
		{
			Name:         "go-vet",
			Gate:         engine.ActionStaticAnalysis,
			Capabilities: []string{"lang:go"},
			Markers:      goMarkers,
			Binary:       "go",
			Command:      CommandSpec{Command: "go", Args: []string{"vet", "./..."}},
			Format:       FormatText,
			Severity:     "error",
			Category:     "correctness",
		},
		{
			Name:         "staticcheck",
			Gate:         engine.ActionStaticAnalysis,
			Capabilities: []string{"lang:go"},
			Markers:      goMarkers,
			Binary:       "staticcheck",
			Command:      CommandSpec{Command: "staticcheck", Args: []string{"./..."}},
			Format:       FormatText,
			Severity:     "error",
			Category:     "lint",
		},
		{
			Name:         "golangci-lint",
			Gate:         engine.ActionStaticAnalysis,
			Capabilities: []string{"lang:go"},
			Markers:      []string{".golangci.yml", ".golangci.yaml", ".golangci.toml"},
			Binary:       "golangci-lint",
			Command:      CommandSpec{Command: "golangci-lint", Args: []string{"run", "./..."}},
			Format:       FormatText,
			Severity:     "error",
			Category:     "lint",
			Timeout:      10 * time.Minute,
		},
		{
			Name:         "eslint",
			Gate:         engine.ActionStaticAnalysis,
			Capabilities: []string{"lang:js"},
			Markers:      []string{".eslintrc*", "eslint.config.*"},
			Binary:       "eslint",
			Command:      CommandSpec{Command: "eslint", Args: []string{"-f", "unix", "."}},
			Format:       FormatText,
			Severity:     "warning",
			Category:     "lint",
		},
		{
			Name:         "pylint",
			Gate:         engine.ActionStaticAnalysis,
			Capabilities: []string{"lang:python"},
			Markers:      pyMarkers,
			Binary:       "pylint",
			Command:      CommandSpec{Command: "pylint", Args: []string{"--output-format=parseable", "--recursive=y", "."}},
			Format:       FormatText,
			Severity:     "warning",
			Category:     "lint",
		},
		{
			Name:         "rubocop",
			Gate:         engine.ActionStaticAnalysis,
			Capabilities: []string{"lang:ruby"},
			Markers:      []string{"Gemfile", ".rubocop.yml"},
			Binary:       "rubocop",
			Command:      CommandSpec{Command: "rubocop", Args: []string{"--format", "emacs"}},
			Format:       FormatText,
			Severity:     "warning",
			Category:     "lint",
		},
		{
			Name:           "gosec",
			Gate:           engine.ActionSecurityScan,
			Capabilities:   []string{"lang:go", "sast"},
			Markers:        goMarkers,
			Binary:         "gosec",
			Command:        CommandSpec{Command: "gosec", Args: []string{"-fmt", "sarif", "-quiet", "./..."}},
			Format:         FormatSARIF,
			Category:       "sast",
			RuleCategories: map[string]string{"G101": "secret"},
		},
		{
			Name:         "govulncheck",
			Gate:         engine.ActionSecurityScan,
			Capabilities: []string{"lang:go", "deps"},
			Markers:      goMarkers,
			Binary:       "govulncheck",
			Command:      CommandSpec{Command: "govulncheck", Args: []string{"-format", "sarif", "./..."}},
			Format:       FormatSARIF,
			Category:     "vulnerability",
		},
		{
			Name:         "npm-audit",
			Gate:         engine.ActionSecurityScan,
			Capabilities: []string{"lang:js", "deps"},
			Markers:      []string{"package-lock.json"},
			Binary:       "npm",
			Command:      CommandSpec{Command: "npm", Args: []string{"audit", "--json"}},
			Format:       FormatNPMAudit,
			Category:     "vulnerability",
		},
		{
			Name:         "bandit",
			Gate:         engine.ActionSecurityScan,
			Capabilities: []string{"lang:python", "sast"},
			Markers:      pyMarkers,
			Binary:       "bandit",
			Command: CommandSpec{Command: "bandit", Args: []string{
				"-r", ".", "-q", "-f", "custom",
				"--msg-template", "{relpath}:{line}: [{severity}] {test_id} {msg}",
			}},
			Format:         FormatText,
			Severity:       "warning",
			Category:       "sast",
			RuleCategories: map[string]string{"B105": "secret", "B106": "secret", "B107": "secret"},
		},
	}
}
