package content

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/foxzi/cadence/internal/campaign"
)

// Template is a reusable stage content file
type Template struct {
	Name    string             `yaml:"name"`
	Stage   campaign.StageType `yaml:"stage_type"`
	Subject string             `yaml:"subject"`
	Body    string             `yaml:"body"`
	HTML    string             `yaml:"html"`
}

// Templates is a set of templates keyed by name
type Templates struct {
	byName map[string]*Template
}

// LoadTemplates reads every *.yaml and *.yml file in dir.
// A missing directory yields an empty set.
func LoadTemplates(dir string) (*Templates, error) {
	t := &Templates{byName: make(map[string]*Template)}
	if dir == "" {
		return t, nil
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read templates dir: %w", err)
	}

	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", path, err)
		}

		var tmpl Template
		if err := yaml.Unmarshal(data, &tmpl); err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", path, err)
		}
		if tmpl.Name == "" {
			tmpl.Name = strings.TrimSuffix(entry.Name(), ext)
		}
		if err := t.Add(&tmpl); err != nil {
			return nil, fmt.Errorf("template %s: %w", path, err)
		}
	}

	return t, nil
}

// Add registers a template
func (t *Templates) Add(tmpl *Template) error {
	if tmpl.Stage != "" && !tmpl.Stage.Valid() {
		return fmt.Errorf("invalid stage_type %q", tmpl.Stage)
	}
	if strings.TrimSpace(tmpl.Subject) == "" {
		return fmt.Errorf("subject is required")
	}
	if tmpl.Body == "" && tmpl.HTML == "" {
		return fmt.Errorf("body or html is required")
	}
	if _, exists := t.byName[tmpl.Name]; exists {
		return fmt.Errorf("duplicate template name %q", tmpl.Name)
	}
	t.byName[tmpl.Name] = tmpl
	return nil
}

// Get returns a template by name
func (t *Templates) Get(name string) (*Template, bool) {
	tmpl, ok := t.byName[name]
	return tmpl, ok
}

// Names returns all template names, sorted
func (t *Templates) Names() []string {
	names := make([]string, 0, len(t.byName))
	for name := range t.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
