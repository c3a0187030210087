// Package registry holds the immutable predicate registry. Definitions are
// registered during a controlled init phase and never change while queries
// are live; every claim mutation validates against it.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/substratehq/engram/internal/model"
)

// Registry maps predicate names to their definitions. Immutable once built.
type Registry struct {
	defs map[string]model.PredicateDef
}

// Builder accumulates predicate definitions before the registry is sealed.
type Builder struct {
	defs map[string]model.PredicateDef
}

// NewBuilder starts an empty builder.
func NewBuilder() *Builder {
	return &Builder{defs: make(map[string]model.PredicateDef)}
}

// Register adds a predicate definition. Re-registering a name is an error:
// plugins must not silently shadow each other.
func (b *Builder) Register(def model.PredicateDef) error {
	if err := validateDef(def); err != nil {
		return fmt.Errorf("register %q: %w", def.Predicate, err)
	}
	if _, exists := b.defs[def.Predicate]; exists {
		return fmt.Errorf("register %q: already registered", def.Predicate)
	}
	b.defs[def.Predicate] = def
	return nil
}

// MustRegister is Register for static core definitions.
func (b *Builder) MustRegister(def model.PredicateDef) *Builder {
	if err := b.Register(def); err != nil {
		panic(err)
	}
	return b
}

// Build seals the builder into an immutable Registry.
func (b *Builder) Build() *Registry {
	defs := make(map[string]model.PredicateDef, len(b.defs))
	for k, v := range b.defs {
		defs[k] = v
	}
	return &Registry{defs: defs}
}

func validateDef(def model.PredicateDef) error {
	if def.Predicate == "" {
		return fmt.Errorf("empty predicate name")
	}
	ns, _, ok := strings.Cut(def.Predicate, ".")
	if !ok || ns == "" {
		return fmt.Errorf("predicate must be namespaced (namespace.name)")
	}
	if def.Namespace != "" && def.Namespace != ns {
		return fmt.Errorf("namespace %q does not match predicate prefix %q", def.Namespace, ns)
	}
	switch def.ValueKind {
	case model.KindString, model.KindNumber, model.KindBoolean, model.KindDate, model.KindEntityRef:
	default:
		return fmt.Errorf("unknown value kind %q", def.ValueKind)
	}
	switch def.Cardinality {
	case model.CardinalitySingle, model.CardinalityMulti:
	default:
		return fmt.Errorf("unknown cardinality %q", def.Cardinality)
	}
	if err := model.ValidateUnit("defaultConfidence", def.DefaultConfidence); err != nil {
		return err
	}
	return nil
}

// Resolve looks up a predicate definition. Unknown predicates fail with
// model.ErrInvalidPredicate.
func (r *Registry) Resolve(predicate string) (model.PredicateDef, error) {
	def, ok := r.defs[predicate]
	if !ok {
		return model.PredicateDef{}, fmt.Errorf("%w: %q", model.ErrInvalidPredicate, predicate)
	}
	return def, nil
}

// Namespace returns the namespace portion of a predicate name.
func Namespace(predicate string) string {
	ns, _, _ := strings.Cut(predicate, ".")
	return ns
}

// List returns all definitions sorted by predicate name.
func (r *Registry) List() []model.PredicateDef {
	out := make([]model.PredicateDef, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Predicate < out[j].Predicate })
	return out
}

// ValidateFields checks a claim's field bag against the predicate schema.
func ValidateFields(def model.PredicateDef, fields map[string]any) error {
	for name, spec := range def.FieldSchema {
		v, present := fields[name]
		if !present {
			if spec.Required {
				return fmt.Errorf("field %q required by %s", name, def.Predicate)
			}
			continue
		}
		if !fieldKindMatches(spec.Kind, v) {
			return fmt.Errorf("field %q: expected %s, got %T", name, spec.Kind, v)
		}
	}
	for name := range fields {
		if _, ok := def.FieldSchema[name]; !ok {
			return fmt.Errorf("field %q not in schema for %s", name, def.Predicate)
		}
	}
	return nil
}

func fieldKindMatches(kind model.ValueKind, v any) bool {
	switch kind {
	case model.KindString, model.KindDate, model.KindEntityRef:
		_, ok := v.(string)
		return ok
	case model.KindNumber:
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case model.KindBoolean:
		_, ok := v.(bool)
		return ok
	}
	return false
}
