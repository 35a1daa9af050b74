package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rendis/plangraph/internal/validation"
	"github.com/rendis/plangraph/pkg/schema"
)

// Template is a hand-authored plan. Templates carry no placeholders of their
// own: run parameters travel in the run's base input.
type Template struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Source      string       `json:"source,omitempty"`
	Plan        *schema.Plan `json:"plan"`
}

// TemplateInfo summarizes a template for listings.
type TemplateInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Steps       int      `json:"steps"`
	Outputs     []string `json:"outputs,omitempty"`
}

// Templates is a thread-safe registry of named plan templates. Stored plans
// are shared by every run and must be treated as read-only.
type Templates struct {
	validator *validation.PlanValidator

	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplates creates an empty registry. Every added plan is validated
// with v.
func NewTemplates(v *validation.PlanValidator) *Templates {
	return &Templates{validator: v, templates: make(map[string]*Template)}
}

// Add registers a template. The name defaults to the plan id.
func (t *Templates) Add(tpl *Template) error {
	if tpl == nil || tpl.Plan == nil {
		return schema.NewError(schema.ErrCodeValidation, "template has no plan")
	}
	if tpl.Name == "" {
		tpl.Name = tpl.Plan.ID
	}
	if err := t.validator.ValidatePlan(tpl.Plan); err != nil {
		return fmt.Errorf("template %q: %w", tpl.Name, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.templates[tpl.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "template %q already registered", tpl.Name)
	}
	t.templates[tpl.Name] = tpl
	return nil
}

// Get returns the template called name.
func (t *Templates) Get(name string) (*Template, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tpl, ok := t.templates[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "template %q not found", name)
	}
	return tpl, nil
}

// List returns all templates sorted by name.
func (t *Templates) List() []TemplateInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TemplateInfo, 0, len(t.templates))
	for _, tpl := range t.templates {
		out = append(out, TemplateInfo{
			Name:        tpl.Name,
			Description: tpl.Description,
			Steps:       len(tpl.Plan.Steps),
			Outputs:     tpl.Plan.Outputs,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Generate returns the template whose name equals the task goal. It lets
// the registry sit in a Fallback chain ahead of the other generators.
func (t *Templates) Generate(_ context.Context, task Task) (*schema.Plan, error) {
	tpl, err := t.Get(strings.TrimSpace(task.Goal))
	if err != nil {
		return nil, err
	}
	return tpl.Plan, nil
}

// LoadDir adds every .yaml, .yml and .json file in dir. It returns the
// number of templates loaded.
func (t *Templates) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read template dir: %w", err)
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !isPlanFile(e.Name()) {
			continue
		}
		if _, err := t.LoadFile(filepath.Join(dir, e.Name())); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// LoadFile parses a plan file and registers it.
func (t *Templates) LoadFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	tpl, err := ParseTemplate(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	tpl.Source = path
	if err := t.Add(tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

// ParseTemplate decodes a plan document in YAML or JSON (by ext). The
// optional top-level keys "name" and "description" describe the template
// and are removed before the plan is decoded.
func ParseTemplate(data []byte, ext string) (*Template, error) {
	var doc map[string]any
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, schema.NewError(schema.ErrCodeInvalidPlan, "invalid YAML plan").WithCause(err)
		}
	default:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, schema.NewError(schema.ErrCodeInvalidPlan, "invalid JSON plan").WithCause(err)
		}
	}
	if doc == nil {
		return nil, schema.NewError(schema.ErrCodeInvalidPlan, "plan document is empty")
	}

	tpl := &Template{}
	tpl.Name, _ = doc["name"].(string)
	tpl.Description, _ = doc["description"].(string)
	delete(doc, "name")
	delete(doc, "description")

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidPlan, "plan is not JSON-encodable").WithCause(err)
	}
	p, err := schema.DecodePlan(raw)
	if err != nil {
		return nil, err
	}
	tpl.Plan = p
	return tpl, nil
}

// ReadPlanFile decodes a single plan file without registering it.
func ReadPlanFile(path string) (*schema.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	tpl, err := ParseTemplate(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	return tpl.Plan, nil
}

func isPlanFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
