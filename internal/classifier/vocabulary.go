package classifier

import (
	"fmt"
	"strings"
)

// Vocabulary restricts a code label to a fixed set of codes. The paired
// name label is filled in with the canonical name for the code.
type Vocabulary struct {
	CodeLabel string            `yaml:"code_label" json:"code_label"`
	NameLabel string            `yaml:"name_label" json:"name_label"`
	Values    map[string]string `yaml:"values" json:"values"`

	folded map[string]string
}

func (v *Vocabulary) index() {
	v.folded = make(map[string]string, len(v.Values))
	for code := range v.Values {
		v.folded[strings.ToUpper(strings.TrimSpace(code))] = code
	}
}

// canonical returns the configured spelling of code.
func (v *Vocabulary) canonical(code string) (string, bool) {
	code = strings.TrimSpace(code)
	if _, ok := v.Values[code]; ok {
		return code, true
	}
	if v.folded == nil {
		v.index()
	}
	c, ok := v.folded[strings.ToUpper(code)]
	return c, ok
}

// Apply validates the code label and normalizes the name label. Labels
// without a code are left to the required-label check.
func (v *Vocabulary) Apply(labels map[string]string) error {
	code := labels[v.CodeLabel]
	if strings.TrimSpace(code) == "" {
		return nil
	}
	canon, ok := v.canonical(code)
	if !ok {
		return fmt.Errorf("%s %q not in vocabulary", v.CodeLabel, code)
	}
	labels[v.CodeLabel] = canon
	if v.NameLabel != "" {
		labels[v.NameLabel] = v.Values[canon]
	}
	return nil
}
