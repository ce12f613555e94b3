package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// reloadDelay coalesces the bursts of events editors produce on save.
const reloadDelay = 500 * time.Millisecond

// Loader reads gate policies from disk and optionally watches them.
//
// Supported files:
//   - *.rego: one policy named after the file. Leading comments form the
//     description; "# severity: <level>" and "# tags: a, b" lines set those
//     fields.
//   - *.yaml, *.yml, *.json: one policy document, or a bundle with a
//     "policies" list.
type Loader struct {
	logger zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// LoadFromPaths loads every policy under paths. A file that fails to parse
// inside a directory is skipped with a warning; a file named directly is an
// error.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		policies, err := l.loadPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		all = append(all, policies...)
	}

	l.logger.Info().Int("total", len(all)).Int("sources", len(paths)).Msg("Policies loaded from paths")
	return all, nil
}

func (l *Loader) loadPath(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return l.loadFile(path)
	}

	var policies []Policy
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !isPolicyFile(p) {
			return err
		}
		loaded, err := l.loadFile(p)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", p).Msg("Skipping invalid policy file")
			return nil
		}
		policies = append(policies, loaded...)
		return nil
	})
	return policies, err
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func (l *Loader) loadFile(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var bundle struct {
		Policies []Policy `json:"policies" yaml:"policies"`
	}
	var single Policy

	var unmarshal func([]byte, interface{}) error
	switch filepath.Ext(path) {
	case ".rego":
		return []Policy{parseRego(path, string(data))}, nil
	case ".json":
		unmarshal = json.Unmarshal
	case ".yaml", ".yml":
		unmarshal = yaml.Unmarshal
	default:
		return nil, fmt.Errorf("unsupported policy file: %s", path)
	}

	if err := unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("invalid policy file %s: %w", path, err)
	}
	if len(bundle.Policies) == 0 {
		if err := unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("invalid policy file %s: %w", path, err)
		}
	}

	policies := bundle.Policies
	if len(policies) == 0 {
		policies = []Policy{single}
	}
	out := make([]Policy, 0, len(policies))
	for _, p := range policies {
		if err := normalize(&p, path); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// parseRego builds a policy from a bare Rego file and its header comments.
func parseRego(path, src string) Policy {
	p := Policy{
		Name:     strings.TrimSuffix(filepath.Base(path), ".rego"),
		Rego:     src,
		Severity: SeverityError,
		Enabled:  true,
		Metadata: map[string]interface{}{"source": path},
	}

	var desc []string
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if len(desc) > 0 {
				break
			}
			continue
		}
		if !strings.HasPrefix(line, "#") {
			break
		}
		comment := strings.TrimSpace(strings.TrimPrefix(line, "#"))
		key, value, ok := strings.Cut(comment, ":")
		switch {
		case ok && strings.EqualFold(key, "severity"):
			p.Severity = Severity(strings.ToLower(strings.TrimSpace(value)))
		case ok && strings.EqualFold(key, "tags"):
			for _, tag := range strings.Split(value, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					p.Tags = append(p.Tags, tag)
				}
			}
		case comment != "":
			desc = append(desc, comment)
		}
	}
	p.Description = strings.Join(desc, " ")

	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	return p
}

func normalize(p *Policy, source string) error {
	if p.Name == "" {
		return fmt.Errorf("%s: policy name is required", source)
	}
	if strings.TrimSpace(p.Rego) == "" {
		return fmt.Errorf("%s: policy %s has no rego", source, p.Name)
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	if p.Severity.rank() == 0 {
		return fmt.Errorf("%s: policy %s has unknown severity %q", source, p.Name, p.Severity)
	}
	if p.Metadata == nil {
		p.Metadata = map[string]interface{}{}
	}
	p.Metadata["source"] = source
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	return nil
}

// Watch reloads every path whenever a policy file under it changes and hands
// the full set to reloadFn. A reload that fails to parse or apply is logged
// and the previous policies stay in effect. Watching stops when ctx is done
// or StopWatching is called.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			// Directories are watched so new files are noticed; a file
			// named directly is watched on its own.
			if d.IsDir() || p == path {
				return watcher.Add(p)
			}
			return nil
		})
		if err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.watch(ctx, watcher, paths, reloadFn)

	l.logger.Info().Int("paths", len(paths)).Msg("Watching policy paths")
	return nil
}

func (l *Loader) watch(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	reload := func() {
		policies, err := l.LoadFromPaths(ctx, paths)
		if err == nil {
			err = reloadFn(policies)
		}
		if err != nil {
			l.logger.Error().Err(err).Msg("Policy reload failed, keeping previous policies")
			return
		}
		l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
	}

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isPolicyFile(event.Name) || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// StopWatching stops a running Watch.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}
