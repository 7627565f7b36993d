package classifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/template"
)

// PromptData is the input to the prompt templates.
type PromptData struct {
	BatchID      string
	Labels       []string
	Items        []Item
	Vocabularies []Vocabulary
}

// Prompt renders the system and user messages for a batch. A template set
// defines "system" and "user".
type Prompt struct {
	tmpl *template.Template
}

const defaultPromptText = `{{define "system"}}You classify support cases.
For every case return one JSON object with "caseID" copied exactly from the input and these keys: {{join .Labels ", "}}.
{{- range .Vocabularies}}
Allowed {{.CodeLabel}} values:
{{- range $code, $name := .Values}}
- {{$code}}: {{$name}}
{{- end}}
{{- end}}
If a case cannot be classified, return {"caseID": "...", "error": "<reason>"} for it.
Respond with a JSON array only.{{end}}
{{define "user"}}Classify these cases:
{{json .Items}}{{end}}`

var promptFuncs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.MarshalIndent(v, "", "  ")
		return string(b), err
	},
	"join": strings.Join,
}

// DefaultPrompt returns the built-in prompt.
func DefaultPrompt() *Prompt {
	return &Prompt{tmpl: template.Must(template.New("prompt").Funcs(promptFuncs).Parse(defaultPromptText))}
}

// ParsePrompt parses a template set. Missing "system" or "user" templates
// fall back to the built-in ones.
func ParsePrompt(text string) (*Prompt, error) {
	tmpl, err := template.New("prompt").Funcs(promptFuncs).Parse(defaultPromptText)
	if err != nil {
		return nil, err
	}
	if _, err := tmpl.Parse(text); err != nil {
		return nil, fmt.Errorf("failed to parse prompt template: %w", err)
	}
	return &Prompt{tmpl: tmpl}, nil
}

// LoadPrompt reads a template set from path. An empty path yields the
// built-in prompt.
func LoadPrompt(path string) (*Prompt, error) {
	if path == "" {
		return DefaultPrompt(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt template: %w", err)
	}
	return ParsePrompt(string(data))
}

// Render executes both templates.
func (p *Prompt) Render(data PromptData) (system, user string, err error) {
	var sb, ub bytes.Buffer
	if err := p.tmpl.ExecuteTemplate(&sb, "system", data); err != nil {
		return "", "", fmt.Errorf("failed to render system prompt: %w", err)
	}
	if err := p.tmpl.ExecuteTemplate(&ub, "user", data); err != nil {
		return "", "", fmt.Errorf("failed to render user prompt: %w", err)
	}
	return sb.String(), ub.String(), nil
}
