package form

import (
	"fmt"
	"sort"
)

// Fold merges an extraction delta into the current snapshot and returns the
// next snapshot plus the names of any fields cleared by validation. The
// input snapshot is never mutated.
//
// Policy, per field: scalar deltas overwrite (last write wins by turn
// order), multi deltas union into the existing set unless Replace is set,
// absent fields stay untouched. Validators run after folding; a failure
// clears the offending fields back to unset instead of rejecting the turn,
// so the assistant can re-prompt. The result depends only on turn arrival
// order, never on wall-clock time.
func (s *Schema) Fold(current Snapshot, delta Delta, seq int64) (Snapshot, []string, error) {
	next := current.Clone()

	names := make([]string, 0, len(delta))
	for name := range delta {
		names = append(names, name)
	}
	sort.Strings(names)

	clearedSet := make(map[string]struct{})
	for _, name := range names {
		fd, ok := s.byName[name]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownField, name)
		}
		df := delta[name]
		if df.Value.Kind != fd.Kind {
			return nil, nil, fmt.Errorf("field %s: kind %q does not match schema kind %q", name, df.Value.Kind, fd.Kind)
		}

		value := df.Value
		if fd.Kind == KindMulti {
			if prev, ok := next[name]; ok && !df.Replace {
				value = MultiValue(append(append([]string(nil), prev.Value.Set...), df.Value.Set...)...)
			} else {
				value = MultiValue(df.Value.Set...)
			}
		}

		if fd.Check != nil {
			if err := fd.Check(value); err != nil {
				delete(next, name)
				clearedSet[name] = struct{}{}
				continue
			}
		}
		next[name] = FieldState{Value: value, Confidence: df.Confidence, SetBySeq: seq}
		delete(clearedSet, name)
	}

	for _, cc := range s.crossChecks {
		if cc.OK(next) {
			continue
		}
		for _, name := range cc.Fields {
			if _, ok := next[name]; ok {
				delete(next, name)
				clearedSet[name] = struct{}{}
			}
		}
	}

	cleared := make([]string, 0, len(clearedSet))
	for name := range clearedSet {
		cleared = append(cleared, name)
	}
	sort.Strings(cleared)
	return next, cleared, nil
}
