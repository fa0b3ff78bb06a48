package stage

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// Step is one stage of a pipeline. DependsOn names stages of the same
// pipeline, or fully qualified stages ("gazette.publish") of another.
type Step struct {
	Name      string   `json:"name"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// Definition is an ordered pipeline of stages.
type Definition struct {
	Name  string `json:"name"`
	Steps []Step `json:"steps"`
}

// Qualified returns the stage key stored in stage runs, e.g. "gazette.fetch".
func Qualified(pipeline, step string) string {
	return pipeline + "." + step
}

// Gazette fetches, reviews and publishes a gazette issue.
var Gazette = Definition{
	Name: "gazette",
	Steps: []Step{
		{Name: "fetch"},
		{Name: "review", DependsOn: []string{"fetch"}},
		{Name: "publish", DependsOn: []string{"review"}},
	},
}

// Extraction turns published provisions into reviewed facts.
var Extraction = Definition{
	Name: "extraction",
	Steps: []Step{
		{Name: "sentinel", DependsOn: []string{"gazette.publish"}},
		{Name: "extract", DependsOn: []string{"sentinel"}},
		{Name: "compose", DependsOn: []string{"extract"}},
		{Name: "review", DependsOn: []string{"compose"}},
		{Name: "release", DependsOn: []string{"review"}},
	},
}

// Definitions indexes qualified stage names to their dependencies.
type Definitions struct {
	pipelines []Definition
	deps      map[string][]string
}

// NewDefinitions validates defs. A dependency must name a stage declared
// earlier, so the graph is acyclic by construction.
func NewDefinitions(defs ...Definition) (*Definitions, error) {
	d := &Definitions{deps: make(map[string][]string)}
	for _, def := range defs {
		if def.Name == "" || strings.Contains(def.Name, ".") {
			return nil, eris.Errorf("stage: invalid pipeline name %q", def.Name)
		}
		for _, step := range def.Steps {
			if step.Name == "" || strings.Contains(step.Name, ".") {
				return nil, eris.Errorf("stage: invalid stage name %q in %s", step.Name, def.Name)
			}
			key := Qualified(def.Name, step.Name)
			if _, dup := d.deps[key]; dup {
				return nil, eris.Errorf("stage: duplicate stage %s", key)
			}
			deps := make([]string, 0, len(step.DependsOn))
			for _, dep := range step.DependsOn {
				if !strings.Contains(dep, ".") {
					dep = Qualified(def.Name, dep)
				}
				if _, ok := d.deps[dep]; !ok {
					return nil, eris.Errorf("stage: %s depends on undeclared stage %s", key, dep)
				}
				deps = append(deps, dep)
			}
			d.deps[key] = deps
		}
		d.pipelines = append(d.pipelines, def)
	}
	return d, nil
}

// DefaultDefinitions returns the gazette and extraction pipelines.
func DefaultDefinitions() *Definitions {
	d, err := NewDefinitions(Gazette, Extraction)
	if err != nil {
		panic(err)
	}
	return d
}

// Lookup returns the qualified dependencies of a qualified stage.
func (d *Definitions) Lookup(stage string) ([]string, bool) {
	deps, ok := d.deps[stage]
	return deps, ok
}

// Stages lists every qualified stage name in sorted order.
func (d *Definitions) Stages() []string {
	out := make([]string, 0, len(d.deps))
	for k := range d.deps {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Pipelines returns the definitions in declaration order.
func (d *Definitions) Pipelines() []Definition {
	return d.pipelines
}
