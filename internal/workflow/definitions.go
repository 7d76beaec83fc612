package workflow

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Definition is the ordered list of steps the engine reports for one
// workflow kind. The last step's success closes the job.
type Definition struct {
	Kind      string   `yaml:"kind"`
	Steps     []string `yaml:"steps"`
	EngineURL string   `yaml:"engine_url"`
}

// LastStep returns the id of the final step.
func (d Definition) LastStep() string {
	if len(d.Steps) == 0 {
		return ""
	}
	return d.Steps[len(d.Steps)-1]
}

// Definitions maps workflow kinds to their steps.
type Definitions struct {
	byKind map[string]Definition
}

// Builtin returns the workflow kinds jobdeck ships with.
func Builtin() *Definitions {
	d := &Definitions{byKind: make(map[string]Definition)}
	d.add(Definition{Kind: "update", Steps: []string{
		"receive_file", "read_csv", "validate_rows", "write_stock", "refresh_views", "notify",
	}})
	d.add(Definition{Kind: "prediksi", Steps: []string{
		"load_history", "train_model", "predict", "save_predictions",
	}})
	d.add(Definition{Kind: "summary", Steps: []string{
		"collect_sales", "aggregate", "write_summary",
	}})
	return d
}

func (d *Definitions) add(def Definition) {
	d.byKind[def.Kind] = def
}

type definitionsFile struct {
	Workflows []Definition `yaml:"workflows"`
}

// LoadDefinitions reads a YAML file of workflow definitions and layers it
// over the built-ins. An empty path returns the built-ins.
func LoadDefinitions(path string) (*Definitions, error) {
	d := Builtin()
	if path == "" {
		return d, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow definitions: %w", err)
	}
	var f definitionsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse workflow definitions: %w", err)
	}
	for i, def := range f.Workflows {
		if def.Kind == "" {
			return nil, fmt.Errorf("workflow definition %d: kind is required", i)
		}
		if len(def.Steps) == 0 {
			return nil, fmt.Errorf("workflow %q: at least one step is required", def.Kind)
		}
		seen := make(map[string]bool, len(def.Steps))
		for _, step := range def.Steps {
			if step == "" || step == FinishStep {
				return nil, fmt.Errorf("workflow %q: invalid step id %q", def.Kind, step)
			}
			if seen[step] {
				return nil, fmt.Errorf("workflow %q: duplicate step id %q", def.Kind, step)
			}
			seen[step] = true
		}
		d.add(def)
	}
	return d, nil
}

// Lookup returns the definition of kind.
func (d *Definitions) Lookup(kind string) (Definition, bool) {
	def, ok := d.byKind[kind]
	return def, ok
}

// Kinds lists the known workflow kinds in sorted order.
func (d *Definitions) Kinds() []string {
	kinds := make([]string, 0, len(d.byKind))
	for k := range d.byKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
