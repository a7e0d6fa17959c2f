package form

// fieldSatisfied reports whether the field holds a value passing its check.
func (s *Schema) fieldSatisfied(snap Snapshot, fd FieldDef) bool {
	st, ok := snap[fd.Name]
	if !ok {
		return false
	}
	if fd.Check != nil && fd.Check(st.Value) != nil {
		return false
	}
	return true
}

// IsComplete reports whether every required field is set and valid. Pure
// function of the snapshot and the schema.
func (s *Schema) IsComplete(snap Snapshot) bool {
	for _, fd := range s.fields {
		if fd.Required && !s.fieldSatisfied(snap, fd) {
			return false
		}
	}
	return true
}

// Completion returns the fraction of required fields satisfied, in [0, 1].
func (s *Schema) Completion(snap Snapshot) float64 {
	var required, satisfied int
	for _, fd := range s.fields {
		if !fd.Required {
			continue
		}
		required++
		if s.fieldSatisfied(snap, fd) {
			satisfied++
		}
	}
	if required == 0 {
		return 1
	}
	return float64(satisfied) / float64(required)
}

// FillRatio maps every declared field to whether it currently holds a
// valid value. Used for conversation stats.
func (s *Schema) FillRatio(snap Snapshot) map[string]bool {
	out := make(map[string]bool, len(s.fields))
	for _, fd := range s.fields {
		out[fd.Name] = s.fieldSatisfied(snap, fd)
	}
	return out
}
