package template

import (
	"fmt"
	"regexp"
	"sort"
)

// CatchAllKey is the bucket name receiving labeled values that no
// field definition claims.
const CatchAllKey = "additional_data"

// FieldDef describes one expected field of a document type.
type FieldDef struct {
	// Name is the canonical field name in the structured record,
	// e.g. "passport_number".
	Name string `yaml:"name"`

	// Labels are the printed labels under which the value may appear
	// in corrected text, e.g. "Passport No". Matching is
	// case-insensitive after NFKC normalization.
	Labels []string `yaml:"labels"`

	// Pattern optionally constrains the value. A candidate whose value
	// does not match the pattern is not a confident match and falls
	// through to the catch-all bucket.
	Pattern string `yaml:"pattern,omitempty"`

	// Date marks the field for date normalization to YYYY-MM-DD.
	Date bool `yaml:"date,omitempty"`

	re *regexp.Regexp
}

// ValuePattern returns the compiled value pattern, or nil when the
// field accepts any value.
func (f *FieldDef) ValuePattern() *regexp.Regexp { return f.re }

// Template is the per-document-type schema. Field order is
// significant: it is the tie-break priority during mapping.
type Template struct {
	DocType string     `yaml:"doc_type"`
	Fields  []FieldDef `yaml:"fields"`
}

// compile validates the template and compiles field value patterns.
func (t *Template) compile() error {
	if t.DocType == "" {
		return fmt.Errorf("template missing doc_type")
	}
	seen := make(map[string]struct{}, len(t.Fields))
	for i := range t.Fields {
		f := &t.Fields[i]
		if f.Name == "" {
			return fmt.Errorf("template %q: field %d has no name", t.DocType, i)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("template %q: duplicate field %q", t.DocType, f.Name)
		}
		seen[f.Name] = struct{}{}
		if f.Pattern != "" {
			re, err := regexp.Compile(f.Pattern)
			if err != nil {
				return fmt.Errorf("template %q: field %q: invalid pattern: %w", t.DocType, f.Name, err)
			}
			f.re = re
		}
	}
	return nil
}

// UnknownDocumentTypeError is returned when no template is registered
// for the requested document type.
type UnknownDocumentTypeError struct {
	DocType string
}

func (e *UnknownDocumentTypeError) Error() string {
	return fmt.Sprintf("unknown document type %q", e.DocType)
}

// Registry holds all templates for the process lifetime. It is built
// once at startup and read-only afterwards, so it is safe to share
// across workers without locking.
type Registry struct {
	templates map[string]*Template
}

// NewRegistry builds a registry from the built-in templates plus any
// overrides. An override with a doc type already present replaces the
// built-in definition wholesale.
func NewRegistry(overrides ...Template) (*Registry, error) {
	r := &Registry{templates: make(map[string]*Template)}
	for _, t := range builtinTemplates() {
		if err := r.add(t); err != nil {
			return nil, err
		}
	}
	for _, t := range overrides {
		if err := r.add(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) add(t Template) error {
	if err := t.compile(); err != nil {
		return err
	}
	r.templates[t.DocType] = &t
	return nil
}

// Resolve returns the template for the given document type.
func (r *Registry) Resolve(docType string) (*Template, error) {
	t, ok := r.templates[docType]
	if !ok {
		return nil, &UnknownDocumentTypeError{DocType: docType}
	}
	return t, nil
}

// DocTypes lists all registered document types in sorted order.
func (r *Registry) DocTypes() []string {
	out := make([]string, 0, len(r.templates))
	for k := range r.templates {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
