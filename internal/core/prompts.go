package core

// prompts.go loads the instructions used by the interview nodes. Defaults are
// embedded from prompts.yaml; an operator may override individual prompts
// with a YAML file of the same shape without rebuilding.

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Prompt names.
const (
	PromptPatientPersona = "patient_persona"
	PromptProfessorNote  = "professor_note"
	PromptFinalGrade     = "final_grade"
	PromptSummarizer     = "summarizer"
	PromptPhaseRouter    = "phase_router"
	PromptTitle          = "title"
)

var promptNames = []string{
	PromptPatientPersona, PromptProfessorNote, PromptFinalGrade,
	PromptSummarizer, PromptPhaseRouter, PromptTitle,
}

//go:embed prompts.yaml
var defaultPromptsYAML []byte

var promptFuncs = template.FuncMap{"join": strings.Join}

// Prompts is a parsed set of prompt templates. It is safe for concurrent use.
type Prompts struct {
	templates map[string]*template.Template
}

// DefaultPrompts returns the embedded prompt set.
func DefaultPrompts() *Prompts {
	p, err := parsePrompts(nil)
	if err != nil {
		panic(fmt.Sprintf("embedded prompts: %v", err))
	}
	return p
}

// LoadPrompts returns the embedded prompts overlaid with the entries of the
// YAML file at path. An empty path yields the defaults.
func LoadPrompts(path string) (*Prompts, error) {
	if path == "" {
		return parsePrompts(nil)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}
	var overrides map[string]string
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return nil, fmt.Errorf("decode prompts file: %w", err)
	}
	return parsePrompts(overrides)
}

func parsePrompts(overrides map[string]string) (*Prompts, error) {
	var sources map[string]string
	if err := yaml.Unmarshal(defaultPromptsYAML, &sources); err != nil {
		return nil, err
	}
	for name, src := range overrides {
		if _, known := sources[name]; !known {
			return nil, fmt.Errorf("unknown prompt %q", name)
		}
		if strings.TrimSpace(src) != "" {
			sources[name] = src
		}
	}
	p := &Prompts{templates: make(map[string]*template.Template, len(promptNames))}
	for _, name := range promptNames {
		src, ok := sources[name]
		if !ok {
			return nil, fmt.Errorf("missing prompt %q", name)
		}
		tmpl, err := template.New(name).Funcs(promptFuncs).Option("missingkey=error").Parse(src)
		if err != nil {
			return nil, fmt.Errorf("parse prompt %q: %w", name, err)
		}
		p.templates[name] = tmpl
	}
	return p, nil
}

// Render executes the named prompt with data.
func (p *Prompts) Render(name string, data any) (string, error) {
	tmpl, ok := p.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown prompt %q", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %q: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

type personaData struct {
	Phase           string
	PatientContext  string
	MedicalContext  string
	Summary         string
	FewShotExamples string
}

type noteData struct {
	GradingCriteria string
	Summary         string
	Transcript      string
}

type gradeData struct {
	Notes      string
	Transcript string
	Criteria   []string
}

type summarizerData struct {
	PreviousSummary string
	Messages        string
}

type routerData struct {
	RecentMessages string
	CurrentPhase   string
	TurnCount      int
}

type titleData struct {
	Student string
	Patient string
}
