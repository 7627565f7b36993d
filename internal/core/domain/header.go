package domain

import (
	"slices"
	"time"
)

// HeaderSnapshot is a frozen column-name-to-position mapping. All lookups in
// one run use the same snapshot.
type HeaderSnapshot struct {
	Fields      []string
	Version     int64
	RefreshedAt time.Time

	positions map[string]int
}

// NewHeaderSnapshot builds a snapshot from ordered field names. Blank names
// are kept so positions stay aligned but cannot be looked up.
func NewHeaderSnapshot(fields []string, version int64, refreshedAt time.Time) HeaderSnapshot {
	s := HeaderSnapshot{
		Fields:      slices.Clone(fields),
		Version:     version,
		RefreshedAt: refreshedAt,
	}
	s.index()
	return s
}

func (s *HeaderSnapshot) index() {
	s.positions = make(map[string]int, len(s.Fields))
	for i, name := range s.Fields {
		if name == "" {
			continue
		}
		// First occurrence wins for duplicated headers.
		if _, ok := s.positions[name]; !ok {
			s.positions[name] = i
		}
	}
}

// Position returns the zero-based column position of name.
func (s HeaderSnapshot) Position(name string) (int, bool) {
	if s.positions == nil {
		for i, f := range s.Fields {
			if f == name && name != "" {
				return i, true
			}
		}
		return 0, false
	}
	pos, ok := s.positions[name]
	return pos, ok
}

// Missing returns the names not present in the snapshot.
func (s HeaderSnapshot) Missing(names ...string) []string {
	var missing []string
	for _, n := range names {
		if _, ok := s.Position(n); !ok {
			missing = append(missing, n)
		}
	}
	return missing
}

// Empty reports whether the snapshot has no fields.
func (s HeaderSnapshot) Empty() bool {
	return len(s.Fields) == 0
}

// FieldSelection names the columns the pipeline reads and writes.
type FieldSelection struct {
	IDColumn     string   `json:"id_column" yaml:"id_column"`
	InputColumns []string `json:"input_columns" yaml:"input_columns"`

	// OutputColumns maps a classifier label key to the column it is written to.
	OutputColumns map[string]string `json:"output_columns" yaml:"output_columns"`
}

// Columns returns every column the selection references, ID first.
func (f FieldSelection) Columns() []string {
	cols := []string{f.IDColumn}
	cols = append(cols, f.InputColumns...)
	for _, label := range f.LabelKeys() {
		cols = append(cols, f.OutputColumns[label])
	}
	return cols
}

// LabelKeys returns the output label keys in a stable order.
func (f FieldSelection) LabelKeys() []string {
	keys := make([]string, 0, len(f.OutputColumns))
	for k := range f.OutputColumns {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// IsZero reports whether no selection has been configured.
func (f FieldSelection) IsZero() bool {
	return f.IDColumn == "" && len(f.InputColumns) == 0 && len(f.OutputColumns) == 0
}

// HeaderState is the persisted header cache entry for a pipeline.
type HeaderState struct {
	Pipeline  string
	Snapshot  HeaderSnapshot
	Selection *FieldSelection
}
