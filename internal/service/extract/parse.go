package extract

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"eduassist/internal/form"
)

type wireResponse struct {
	Reply  string               `json:"reply"`
	Fields map[string]wireField `json:"fields"`
}

type wireField struct {
	Value      json.RawMessage `json:"value"`
	Confidence float64         `json:"confidence"`
	Replace    bool            `json:"replace"`
}

// parseResponse turns the raw model output into a reply plus a delta. Any
// deviation from the schema shape fails the parse as a whole; the caller
// then surfaces the raw text with an empty delta instead of guessing.
func (c *Client) parseResponse(raw string) (string, form.Delta, error) {
	trimmed := stripFences(raw)

	var wire wireResponse
	if err := json.Unmarshal([]byte(trimmed), &wire); err != nil {
		return raw, nil, fmt.Errorf("decode extraction response: %w", err)
	}
	if wire.Reply == "" {
		return raw, nil, fmt.Errorf("extraction response missing reply")
	}

	delta := make(form.Delta, len(wire.Fields))
	for name, wf := range wire.Fields {
		fd, ok := c.schema.Field(name)
		if !ok {
			return wire.Reply, nil, fmt.Errorf("%w: %s", form.ErrUnknownField, name)
		}
		value, err := coerceValue(fd.Kind, wf.Value)
		if err != nil {
			return wire.Reply, nil, fmt.Errorf("field %s: %w", name, err)
		}
		confidence := wf.Confidence
		if confidence <= 0 || confidence > 1 {
			confidence = 1
		}
		delta[name] = form.DeltaField{Value: value, Confidence: confidence, Replace: wf.Replace}
	}
	return wire.Reply, delta, nil
}

// stripFences removes a ```json ... ``` wrapper some models add despite
// instructions.
func stripFences(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

// coerceValue decodes a wire value into the kind the schema declares,
// tolerating the common model quirks (numbers as strings, single tag
// instead of a list) but nothing beyond them.
func coerceValue(kind form.Kind, raw json.RawMessage) (form.Value, error) {
	switch kind {
	case form.KindString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return form.Value{}, fmt.Errorf("expected string: %w", err)
		}
		return form.StringValue(s), nil
	case form.KindNumber:
		var n float64
		if err := json.Unmarshal(raw, &n); err == nil {
			return form.NumberValue(n), nil
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			parsed, perr := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if perr == nil {
				return form.NumberValue(parsed), nil
			}
		}
		return form.Value{}, fmt.Errorf("expected number, got %s", string(raw))
	case form.KindBool:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return form.Value{}, fmt.Errorf("expected bool: %w", err)
		}
		return form.BoolValue(b), nil
	case form.KindMulti:
		var tags []string
		if err := json.Unmarshal(raw, &tags); err == nil {
			return form.MultiValue(tags...), nil
		}
		var single string
		if err := json.Unmarshal(raw, &single); err == nil {
			return form.MultiValue(single), nil
		}
		// Property filters may also arrive as {"has_library": true}.
		var flags map[string]bool
		if err := json.Unmarshal(raw, &flags); err == nil {
			var on []string
			for tag, set := range flags {
				if set {
					on = append(on, tag)
				}
			}
			return form.MultiValue(on...), nil
		}
		return form.Value{}, fmt.Errorf("expected tag list, got %s", string(raw))
	}
	return form.Value{}, fmt.Errorf("unsupported kind %q", kind)
}
