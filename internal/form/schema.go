package form

import (
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates the value types a form field can carry.
type Kind string

const (
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindBool   Kind = "bool"
	// KindMulti holds a set of string tags, e.g. property filters.
	KindMulti Kind = "multi"
)

// ErrUnknownField marks a delta referencing a field the schema does not
// declare. This is a programming error on the extraction path and is never
// silently dropped.
var ErrUnknownField = errors.New("unknown form field")

// FieldDef declares a single form field.
type FieldDef struct {
	Name     string
	Kind     Kind
	Required bool
	// Check validates a set value. Nil means any well-typed value passes.
	Check func(Value) error
}

// CrossCheck validates a relation between fields after a fold. When OK
// returns false the named fields are cleared back to unset.
type CrossCheck struct {
	Name   string
	Fields []string
	OK     func(Snapshot) bool
}

// Schema is the fixed, versioned description of the target search form.
// Read-only at request time.
type Schema struct {
	Version     string
	fields      []FieldDef
	byName      map[string]FieldDef
	crossChecks []CrossCheck
}

// NewSchema builds a schema from field definitions and cross-field checks.
func NewSchema(version string, fields []FieldDef, crossChecks []CrossCheck) (*Schema, error) {
	if version == "" {
		return nil, errors.New("schema version is required")
	}
	byName := make(map[string]FieldDef, len(fields))
	for _, fd := range fields {
		if fd.Name == "" {
			return nil, errors.New("field name cannot be empty")
		}
		if _, dup := byName[fd.Name]; dup {
			return nil, fmt.Errorf("duplicate field %s", fd.Name)
		}
		switch fd.Kind {
		case KindString, KindNumber, KindBool, KindMulti:
		default:
			return nil, fmt.Errorf("field %s: invalid kind %q", fd.Name, fd.Kind)
		}
		byName[fd.Name] = fd
	}
	for _, cc := range crossChecks {
		for _, name := range cc.Fields {
			if _, ok := byName[name]; !ok {
				return nil, fmt.Errorf("cross check %s references %w: %s", cc.Name, ErrUnknownField, name)
			}
		}
	}
	return &Schema{Version: version, fields: fields, byName: byName, crossChecks: crossChecks}, nil
}

// Field returns the definition for name.
func (s *Schema) Field(name string) (FieldDef, bool) {
	fd, ok := s.byName[name]
	return fd, ok
}

// Fields returns field definitions in declaration order.
func (s *Schema) Fields() []FieldDef {
	return s.fields
}

// RequiredFields returns the names of required fields in declaration order.
func (s *Schema) RequiredFields() []string {
	var names []string
	for _, fd := range s.fields {
		if fd.Required {
			names = append(names, fd.Name)
		}
	}
	return names
}

const (
	FieldProvince        = "provinceName"
	FieldDistrict        = "districtName"
	FieldInstitutionType = "institutionType"
	FieldGenderType      = "genderType"
	FieldMinPrice        = "minPrice"
	FieldMaxPrice        = "maxPrice"
	FieldPropertyFilters = "propertyFilters"
)

// DefaultSchema describes the marketplace search form: location, budget
// range and property filters, with the price bounds and province required
// before a search can be triggered.
func DefaultSchema() *Schema {
	nonEmpty := func(v Value) error {
		if strings.TrimSpace(v.Text) == "" {
			return errors.New("value cannot be empty")
		}
		return nil
	}
	nonNegative := func(v Value) error {
		if v.Number < 0 {
			return errors.New("price cannot be negative")
		}
		return nil
	}
	schema, err := NewSchema("v1",
		[]FieldDef{
			{Name: FieldProvince, Kind: KindString, Required: true, Check: nonEmpty},
			{Name: FieldDistrict, Kind: KindString, Check: nonEmpty},
			{Name: FieldInstitutionType, Kind: KindString, Check: nonEmpty},
			{Name: FieldGenderType, Kind: KindString, Check: nonEmpty},
			{Name: FieldMinPrice, Kind: KindNumber, Required: true, Check: nonNegative},
			{Name: FieldMaxPrice, Kind: KindNumber, Required: true, Check: nonNegative},
			{Name: FieldPropertyFilters, Kind: KindMulti},
		},
		[]CrossCheck{
			{
				Name:   "priceRange",
				Fields: []string{FieldMinPrice, FieldMaxPrice},
				OK: func(snap Snapshot) bool {
					min, okMin := snap[FieldMinPrice]
					max, okMax := snap[FieldMaxPrice]
					if !okMin || !okMax {
						return true
					}
					return min.Value.Number <= max.Value.Number
				},
			},
		},
	)
	if err != nil {
		// Static definition above; a failure here is a build-time mistake.
		panic(err)
	}
	return schema
}
