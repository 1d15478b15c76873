// Package normalize maps vendor activities onto the swim/bike/run domain model.
package normalize

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"example.com/trisync/internal/domain"
)

// Table maps a lowercase vendor sport tag to a discipline. Tags absent from the
// table are unsupported.
type Table struct {
	entries map[string]domain.Discipline
}

// defaultMappings is the audited vendor tag list.
var defaultMappings = map[string]domain.Discipline{
	"swim":             domain.DisciplineSwim,
	"ride":             domain.DisciplineBike,
	"virtualride":      domain.DisciplineBike,
	"ebikeride":        domain.DisciplineBike,
	"mountainbikeride": domain.DisciplineBike,
	"run":              domain.DisciplineRun,
	"virtualrun":       domain.DisciplineRun,
}

// DefaultTable returns a fresh copy of the built-in mapping.
func DefaultTable() *Table {
	t := &Table{entries: make(map[string]domain.Discipline, len(defaultMappings))}
	for tag, d := range defaultMappings {
		t.entries[tag] = d
	}
	return t
}

// Lookup resolves a vendor tag case-insensitively.
func (t *Table) Lookup(tag string) (domain.Discipline, bool) {
	d, ok := t.entries[key(tag)]
	return d, ok
}

// Extend adds or overrides mappings. Targets outside the discipline set are rejected
// and leave the table unchanged.
func (t *Table) Extend(mappings map[string]domain.Discipline) error {
	for tag, d := range mappings {
		if key(tag) == "" {
			return fmt.Errorf("empty sport tag")
		}
		if !d.Valid() {
			return fmt.Errorf("sport tag %q maps to unsupported discipline %q", tag, d)
		}
	}
	for tag, d := range mappings {
		t.entries[key(tag)] = d
	}
	return nil
}

// Entries lists the mapping sorted by tag.
func (t *Table) Entries() []Entry {
	out := make([]Entry, 0, len(t.entries))
	for tag, d := range t.entries {
		out = append(out, Entry{Tag: tag, Discipline: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

// Entry is one row of the mapping table.
type Entry struct {
	Tag        string            `json:"tag"`
	Discipline domain.Discipline `json:"discipline"`
}

// mappingFile is the on-disk layout:
//
//	mappings:
//	  trailrun: run
//	  gravelride: bike
type mappingFile struct {
	Mappings map[string]domain.Discipline `yaml:"mappings"`
}

// LoadTable returns the default table extended with the mappings in path.
// An empty path yields the default table.
func LoadTable(path string) (*Table, error) {
	t := DefaultTable()
	if strings.TrimSpace(path) == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping file: %w", err)
	}
	var file mappingFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse mapping file: %w", err)
	}
	if err := t.Extend(file.Mappings); err != nil {
		return nil, fmt.Errorf("mapping file %s: %w", path, err)
	}
	return t, nil
}

func key(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}
