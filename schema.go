package diddoc

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/emirpasic/gods/sets/hashset"
)

// ExtraPolicy controls how a Schema treats keys that are not in its field table.
type ExtraPolicy int

const (
	// Unknown keys are a validation failure.
	PreventExtra ExtraPolicy = iota
	// Unknown keys are passed through unchanged.
	AllowExtra
)

// Rule checks a single value and returns its coerced form.
type Rule func(value any) (any, error)

// Field is one entry in a Schema's field-constraint table.
type Field struct {
	Name     string
	Required bool
	// Default is called to fill in an omitted optional field. May be nil.
	Default func() any
	Rule    Rule
}

// SchemaError is the low-level failure reported by Schema.Validate.
type SchemaError struct {
	// Path to the offending value, e.g. "recipientKeys[1]". Empty for the top level.
	Path string
	Msg  string
}

func (e *SchemaError) Error() string {
	if e.Path == "" {
		return e.Msg
	}
	return e.Path + ": " + e.Msg
}

// Schema is a closed or open table of field constraints over an untyped mapping.
//
// Schemas are immutable once built; Extend returns a new Schema.
type Schema struct {
	fields *linkedhashmap.Map // name -> Field, in declaration order
	extra  ExtraPolicy
}

func NewSchema(extra ExtraPolicy, fields ...Field) *Schema {
	s := &Schema{
		fields: linkedhashmap.New(),
		extra:  extra,
	}
	for _, f := range fields {
		s.fields.Put(f.Name, f)
	}
	return s
}

// Extend merges the given fields over a copy of this schema's table. A field with
// the same name as a parent field replaces it, keeping the parent's position.
func (s *Schema) Extend(extra ExtraPolicy, fields ...Field) *Schema {
	child := &Schema{
		fields: linkedhashmap.New(),
		extra:  extra,
	}
	it := s.fields.Iterator()
	for it.Next() {
		child.fields.Put(it.Key(), it.Value())
	}
	for _, f := range fields {
		child.fields.Put(f.Name, f)
	}
	return child
}

func (s *Schema) FieldNames() []string {
	names := make([]string, 0, s.fields.Size())
	for _, k := range s.fields.Keys() {
		names = append(names, k.(string))
	}
	return names
}

// Validate checks raw against the schema and returns a new mapping holding the
// coerced values. raw is not modified.
func (s *Schema) Validate(raw map[string]any) (map[string]any, error) {
	if raw == nil {
		return nil, &SchemaError{Msg: "expected a dictionary"}
	}

	out := make(map[string]any, len(raw))
	it := s.fields.Iterator()
	for it.Next() {
		f := it.Value().(Field)
		v, ok := raw[f.Name]
		if !ok {
			if f.Required {
				return nil, &SchemaError{Path: f.Name, Msg: "required key not provided"}
			}
			if f.Default != nil {
				out[f.Name] = f.Default()
			}
			continue
		}
		if f.Rule == nil {
			out[f.Name] = v
			continue
		}
		coerced, err := f.Rule(v)
		if err != nil {
			return nil, fieldError(f.Name, err)
		}
		out[f.Name] = coerced
	}

	var extraKeys []string
	for k := range raw {
		if _, known := s.fields.Get(k); !known {
			extraKeys = append(extraKeys, k)
		}
	}
	if len(extraKeys) > 0 {
		if s.extra == PreventExtra {
			sort.Strings(extraKeys)
			return nil, &SchemaError{Path: extraKeys[0], Msg: "extra keys not allowed"}
		}
		for _, k := range extraKeys {
			out[k] = raw[k]
		}
	}

	return out, nil
}

func fieldError(name string, err error) error {
	var se *SchemaError
	if errors.As(err, &se) {
		return &SchemaError{Path: name + se.Path, Msg: se.Msg}
	}
	return &SchemaError{Path: name, Msg: err.Error()}
}

func StringRule(value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("expected str")
	}
	return s, nil
}

// OneOf accepts exactly one of the given string literals.
func OneOf(values ...string) Rule {
	allowed := hashset.New()
	for _, v := range values {
		allowed.Add(v)
	}
	desc := strings.Join(values, ", ")
	return func(value any) (any, error) {
		s, ok := value.(string)
		if !ok || !allowed.Contains(s) {
			return nil, fmt.Errorf("value must be one of [%s]", desc)
		}
		return s, nil
	}
}

// DIDUrlRule accepts a DID URL string (or an already-parsed DIDUrl) and coerces it to DIDUrl.
func DIDUrlRule(value any) (any, error) {
	switch v := value.(type) {
	case DIDUrl:
		if v.IsZero() {
			return nil, fmt.Errorf("empty DID URL")
		}
		return v, nil
	case string:
		u, err := ParseDIDUrl(v)
		if err != nil {
			return nil, err
		}
		return u, nil
	default:
		return nil, fmt.Errorf("expected str")
	}
}

// DIDUrlListRule accepts a list of DID URL strings and coerces it to a (non-nil) []DIDUrl.
func DIDUrlListRule(value any) (any, error) {
	var items []any
	switch v := value.(type) {
	case []any:
		items = v
	case []string:
		items = make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
	case []DIDUrl:
		items = make([]any, len(v))
		for i, u := range v {
			items[i] = u
		}
	default:
		return nil, fmt.Errorf("expected a list")
	}

	out := make([]DIDUrl, 0, len(items))
	for i, item := range items {
		u, err := DIDUrlRule(item)
		if err != nil {
			return nil, &SchemaError{Path: fmt.Sprintf("[%d]", i), Msg: err.Error()}
		}
		out = append(out, u.(DIDUrl))
	}
	return out, nil
}

func emptyDIDUrlList() any {
	return []DIDUrl{}
}
