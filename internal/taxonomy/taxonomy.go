// Package taxonomy holds the closed set of document types the engine can
// classify into, the per-type structured field schemas used for
// normalization, and the prompt text derived from both.
package taxonomy

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed types.yaml
var typesYAML []byte

// Sentinel type ids outside the normal taxonomy.
const (
	TypeUnclassified = "other.unclassified"
	TypeIrrelevant   = "other.irrelevant"
	TypeSplitted     = "splitted"
)

// Field is one structured field of a document type.
type Field struct {
	Name        string  `yaml:"name"`
	Type        string  `yaml:"type"` // string, number, date, period, object
	Description string  `yaml:"description"`
	Children    []Field `yaml:"children,omitempty"`
}

// DocumentType is one entry of the taxonomy.
type DocumentType struct {
	ID          string  `yaml:"id"`
	Label       string  `yaml:"label"`
	Description string  `yaml:"description"`
	Fields      []Field `yaml:"fields"`
}

// Registry is the loaded taxonomy with compiled schemas.
type Registry struct {
	types  []DocumentType
	byID   map[string]*DocumentType
	schema *schemaSet
}

type typesFile struct {
	Types []DocumentType `yaml:"types"`
}

var (
	defaultRegistry *Registry
	defaultErr      error
	defaultOnce     sync.Once
)

// Default returns the process-wide registry built from the embedded
// definitions.
func Default() (*Registry, error) {
	defaultOnce.Do(func() {
		defaultRegistry, defaultErr = load(typesYAML)
	})
	return defaultRegistry, defaultErr
}

func load(raw []byte) (*Registry, error) {
	var file typesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse taxonomy definitions: %w", err)
	}
	if len(file.Types) == 0 {
		return nil, fmt.Errorf("taxonomy definitions are empty")
	}
	r := &Registry{
		types: file.Types,
		byID:  make(map[string]*DocumentType, len(file.Types)),
	}
	for i := range r.types {
		t := &r.types[i]
		if _, dup := r.byID[t.ID]; dup {
			return nil, fmt.Errorf("duplicate taxonomy type %q", t.ID)
		}
		r.byID[t.ID] = t
	}
	if _, ok := r.byID[TypeUnclassified]; !ok {
		return nil, fmt.Errorf("taxonomy is missing the %s fallback type", TypeUnclassified)
	}
	schema, err := compileSchemas(r)
	if err != nil {
		return nil, err
	}
	r.schema = schema
	return r, nil
}

// Types returns the taxonomy entries in definition order.
func (r *Registry) Types() []DocumentType { return r.types }

// TypeIDs returns every id a classification may legally return: the taxonomy
// entries plus the sentinel ids.
func (r *Registry) TypeIDs() []string {
	ids := make([]string, 0, len(r.types)+2)
	for _, t := range r.types {
		ids = append(ids, t.ID)
	}
	ids = append(ids, TypeIrrelevant, TypeSplitted)
	return ids
}

// IsValidType reports whether id is a legal classification outcome.
func (r *Registry) IsValidType(id string) bool {
	if id == TypeIrrelevant || id == TypeSplitted {
		return true
	}
	_, ok := r.byID[id]
	return ok
}

// TypeByID looks up one taxonomy entry.
func (r *Registry) TypeByID(id string) (*DocumentType, bool) {
	t, ok := r.byID[id]
	return t, ok
}

// NormalizationType resolves the taxonomy entry whose schema governs
// normalization of a classified document, falling back to the unclassified
// type for ids that carry no schema of their own.
func (r *Registry) NormalizationType(id string) *DocumentType {
	if t, ok := r.byID[id]; ok {
		return t
	}
	return r.byID[TypeUnclassified]
}
