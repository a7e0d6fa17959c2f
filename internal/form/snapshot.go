package form

import (
	"fmt"
	"sort"
)

// Value is a typed field value. Exactly one of the payload members is
// meaningful, selected by Kind.
type Value struct {
	Kind   Kind     `json:"kind"`
	Text   string   `json:"text,omitempty"`
	Number float64  `json:"number,omitempty"`
	Bool   bool     `json:"bool,omitempty"`
	Set    []string `json:"set,omitempty"`
}

// StringValue builds a string Value.
func StringValue(text string) Value { return Value{Kind: KindString, Text: text} }

// NumberValue builds a number Value.
func NumberValue(n float64) Value { return Value{Kind: KindNumber, Number: n} }

// BoolValue builds a bool Value.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// MultiValue builds a set Value. The set is sorted and deduplicated so that
// equal sets compare and serialize identically.
func MultiValue(tags ...string) Value {
	return Value{Kind: KindMulti, Set: normalizeSet(tags)}
}

func normalizeSet(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// FieldState is a set field inside a snapshot: the value, the extraction
// confidence reported when it was set, and the sequence number of the
// message that last set it.
type FieldState struct {
	Value      Value   `json:"value"`
	Confidence float64 `json:"confidence"`
	SetBySeq   int64   `json:"set_by_seq"`
}

// Snapshot is the accumulated, schema-validated form state of a
// conversation. Fields absent from the map are unset.
type Snapshot map[string]FieldState

// Clone returns a deep copy. Folding never mutates its input.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for name, st := range s {
		if st.Value.Kind == KindMulti {
			st.Value.Set = append([]string(nil), st.Value.Set...)
		}
		out[name] = st
	}
	return out
}

// FieldNames returns the set field names in sorted order.
func (s Snapshot) FieldNames() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DeltaField is one proposed field update from an extraction step.
type DeltaField struct {
	Value      Value   `json:"value"`
	Confidence float64 `json:"confidence,omitempty"`
	// Replace makes a multi-valued delta overwrite the existing set
	// instead of being unioned into it.
	Replace bool `json:"replace,omitempty"`
}

// Delta is the subset of fields an extraction step proposes to update.
// Fields not present are left untouched, never nulled.
type Delta map[string]DeltaField

// Describe renders a value for human-readable summaries.
func (v Value) Describe() string {
	switch v.Kind {
	case KindString:
		return v.Text
	case KindNumber:
		if v.Number == float64(int64(v.Number)) {
			return fmt.Sprintf("%d", int64(v.Number))
		}
		return fmt.Sprintf("%g", v.Number)
	case KindBool:
		if v.Bool {
			return "yes"
		}
		return "no"
	case KindMulti:
		out := ""
		for i, tag := range v.Set {
			if i > 0 {
				out += ", "
			}
			out += tag
		}
		return out
	}
	return ""
}
