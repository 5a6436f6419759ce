package provider

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/xeipuuv/gojsonschema"
)

// NormalizeSchema returns a copy of schema as a JSON-schema object suitable
// for every vendor: type "object", a properties map, a string slice for
// required and no $schema keyword. The result is checked with gojsonschema.
func NormalizeSchema(schema map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(schema)+2)
	for k, v := range schema {
		if k == "$schema" {
			continue
		}
		out[k] = v
	}

	if t, ok := out["type"]; !ok {
		out["type"] = "object"
	} else if t != "object" {
		return nil, fmt.Errorf("tool input schema must be an object, got %v", t)
	}
	if _, ok := out["properties"]; !ok {
		out["properties"] = map[string]any{}
	}

	required, err := requiredList(out["required"])
	if err != nil {
		return nil, err
	}
	if len(required) > 0 {
		out["required"] = required
	} else {
		delete(out, "required")
	}

	if _, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(out)); err != nil {
		return nil, fmt.Errorf("invalid tool input schema: %w", err)
	}
	return out, nil
}

func requiredList(v any) ([]string, error) {
	switch r := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return r, nil
	case []any:
		out := make([]string, 0, len(r))
		for _, item := range r {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("required entries must be strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("required must be a list, got %T", v)
	}
}

// NormalizeTools normalizes every schema in tools.
func NormalizeTools(tools ToolSet) (ToolSet, error) {
	out := make(ToolSet, len(tools))
	for name, t := range tools {
		schema, err := NormalizeSchema(t.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", name, err)
		}
		out[name] = ToolSchema{Description: t.Description, InputSchema: schema}
	}
	return out, nil
}

// sortedNames returns tool names in a stable order so requests are reproducible.
func sortedNames(tools ToolSet) []string {
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// decodeInput turns raw tool arguments into a map, treating empty input as {}.
func decodeInput(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to parse tool input: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// encodeInput marshals arguments, mapping nil to {}.
func encodeInput(v any) json.RawMessage {
	if v == nil {
		return json.RawMessage(`{}`)
	}
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return json.RawMessage(`{}`)
	}
	return b
}

// rawOrEmpty returns raw or {} when raw is empty.
func rawOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
