// Package provenance renders agent prompts from versioned templates and
// stamps every model call with the template identity and prompt hash.
package provenance

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var embeddedTemplates []byte

// Agent types with built-in templates.
const (
	AgentProvisionExtractor = "provision_extractor"
	AgentAnswerSynthesizer  = "answer_synthesizer"
)

// AdhocVersion is the version reported for agent types without a template.
const AdhocVersion = "0"

// ErrTemplateIDReused is returned when a template id is registered again with
// different instructions.
var ErrTemplateIDReused = eris.New("provenance: template id already bound to different instructions")

// Template is one versioned prompt for an agent type.
type Template struct {
	AgentType  string `yaml:"agent_type" json:"agent_type"`
	TemplateID string `yaml:"template_id" json:"template_id"`
	Version    string `yaml:"version" json:"version"`
	System     string `yaml:"system" json:"system"`
	User       string `yaml:"user" json:"user"`
}

// fingerprint identifies the instructions a template id is bound to.
func (t Template) fingerprint() string {
	return ComputeHash(t.System + "\x00" + t.User)
}

// Input is the data a template renders.
type Input map[string]any

// Provenance labels a prompt with the template that produced it.
type Provenance struct {
	AgentType  string `json:"agent_type"`
	TemplateID string `json:"template_id"`
	Version    string `json:"version"`
	PromptHash string `json:"prompt_hash"`
}

type compiled struct {
	tmpl   Template
	system *template.Template
	user   *template.Template
}

// Registry maps agent types to their active template. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	active  map[string]*compiled
	boundTo map[string]string // template id -> instruction fingerprint
}

type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// NewRegistry returns a registry loaded with the embedded templates.
func NewRegistry() (*Registry, error) {
	r := &Registry{
		active:  make(map[string]*compiled),
		boundTo: make(map[string]string),
	}
	if err := r.load(embeddedTemplates); err != nil {
		return nil, eris.Wrap(err, "provenance: load embedded templates")
	}
	return r, nil
}

// LoadFile registers every template in a YAML file with the same layout as
// the embedded templates.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrap(err, "provenance: read templates file")
	}
	return r.load(data)
}

func (r *Registry) load(data []byte) error {
	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return eris.Wrap(err, "provenance: unmarshal templates")
	}
	for _, t := range f.Templates {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Register makes t the active template for its agent type. Registering an id
// that is already bound to the same instructions is a no-op; binding it to
// different instructions fails with ErrTemplateIDReused.
func (r *Registry) Register(t Template) error {
	if t.AgentType == "" || t.TemplateID == "" {
		return eris.New("provenance: agent_type and template_id are required")
	}
	if t.Version == "" {
		return eris.Errorf("provenance: template %s has no version", t.TemplateID)
	}

	c := &compiled{tmpl: t}
	var err error
	if c.system, err = parse(t.TemplateID+".system", t.System); err != nil {
		return err
	}
	if c.user, err = parse(t.TemplateID+".user", t.User); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	fp := t.fingerprint()
	if bound, ok := r.boundTo[t.TemplateID]; ok && bound != fp {
		return eris.Wrapf(ErrTemplateIDReused, "template %s", t.TemplateID)
	}
	r.boundTo[t.TemplateID] = fp
	r.active[t.AgentType] = c
	return nil
}

func parse(name, text string) (*template.Template, error) {
	tpl, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, eris.Wrapf(err, "provenance: parse template %s", name)
	}
	return tpl, nil
}

// Templates lists the active templates ordered by agent type.
func (r *Registry) Templates() []Template {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Template, 0, len(r.active))
	for _, c := range r.active {
		out = append(out, c.tmpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentType < out[j].AgentType })
	return out
}

func (r *Registry) lookup(agentType string) *compiled {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[agentType]
}

// Render returns the system and user prompt for agentType. Unknown agent
// types render a generic prompt carrying the input as JSON.
func (r *Registry) Render(agentType string, in Input) (system, user string) {
	return render(agentType, r.lookup(agentType), in)
}

func render(agentType string, c *compiled, in Input) (system, user string) {
	if c == nil {
		return adhocSystem(agentType), adhocUser(in)
	}

	system, errS := execute(c.system, in)
	user, errU := execute(c.user, in)
	if errS != nil || errU != nil {
		zap.L().Warn("provenance: template render failed, using generic prompt",
			zap.String("template_id", c.tmpl.TemplateID),
			zap.NamedError("system_error", errS),
			zap.NamedError("user_error", errU),
		)
		return c.tmpl.System, adhocUser(in)
	}
	return system, user
}

func execute(tpl *template.Template, in Input) (string, error) {
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, map[string]any(in)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func adhocSystem(agentType string) string {
	return "You are the " + agentType + " agent. Respond with JSON only."
}

// adhocUser encodes the input as JSON; map keys are sorted so the text is
// deterministic.
func adhocUser(in Input) string {
	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// BuildPrompt renders the full prompt text for agentType. The system and user
// parts are joined by a blank line.
func (r *Registry) BuildPrompt(agentType string, in Input) string {
	return join(r.Render(agentType, in))
}

func join(system, user string) string {
	return strings.TrimRight(system, "\n") + "\n\n" + user
}

// ComputeHash returns the sha256 digest of prompt as "sha256:<hex>".
func ComputeHash(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// GetProvenance identifies the template used for agentType and hashes the
// prompt it renders for in. Unknown agent types get the id adhoc.<agentType>.
func (r *Registry) GetProvenance(agentType string, in Input) Provenance {
	return r.Prepare(agentType, in).Provenance
}

// Prompt is a rendered prompt together with its provenance.
type Prompt struct {
	System     string
	User       string
	Provenance Provenance
}

// Chars is the prompt size recorded on agent runs.
func (p Prompt) Chars() int {
	return len(p.System) + len(p.User)
}

// Prepare renders agentType once and returns the parts and provenance
// consistently, even if the registry changes concurrently.
func (r *Registry) Prepare(agentType string, in Input) Prompt {
	c := r.lookup(agentType)
	system, user := render(agentType, c, in)
	p := Prompt{
		System: system,
		User:   user,
		Provenance: Provenance{
			AgentType:  agentType,
			TemplateID: "adhoc." + agentType,
			Version:    AdhocVersion,
			PromptHash: ComputeHash(join(system, user)),
		},
	}
	if c != nil {
		p.Provenance.TemplateID = c.tmpl.TemplateID
		p.Provenance.Version = c.tmpl.Version
	}
	return p
}
