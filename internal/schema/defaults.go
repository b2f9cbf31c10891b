package schema

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/untoldecay/lix/internal/funcs"
	"github.com/untoldecay/lix/internal/types"
)

// ApplyDefaults fills missing declared properties of snapshotJSON.
//
// Properties are visited in declaration order and the accumulating object
// is fed back into later x-lix-default evaluations, so a default may
// reference an earlier default's result. Properties without a default stay
// absent; required properties without default or value fail.
func ApplyDefaults(def *Definition, snapshotJSON string, provider funcs.Provider) (string, error) {
	doc := gjson.Parse(snapshotJSON)
	if !doc.IsObject() {
		return "", types.Errorf("snapshot content for schema '%s' must be a JSON object", def.Key)
	}

	out := snapshotJSON
	var ev *Evaluator
	for _, prop := range def.Properties {
		if gjson.Get(out, escapeGJSONPath(prop.Name)).Exists() {
			continue
		}
		if prop.Default == "" {
			if prop.Required {
				return "", types.Errorf(
					"schema '%s' insert is missing required property '%s'", def.Key, prop.Name)
			}
			continue
		}
		if ev == nil {
			var err error
			ev, err = NewEvaluator(provider)
			if err != nil {
				return "", err
			}
		}
		val, err := ev.Eval(prop.Default, out)
		if err != nil {
			return "", types.Errorf(
				"schema '%s' failed to evaluate x-lix-default for '%s': %v", def.Key, prop.Name, err)
		}
		out, err = sjson.Set(out, escapeGJSONPath(prop.Name), val)
		if err != nil {
			return "", types.Errorf(
				"schema '%s' failed to apply default for '%s': %v", def.Key, prop.Name, err)
		}
	}
	return out, nil
}

// ValidateSnapshotObject checks that raw parses as a JSON object.
func ValidateSnapshotObject(schemaKey, raw string) error {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return types.Errorf("snapshot content for schema '%s' is not valid JSON: %v", schemaKey, err)
	}
	if _, ok := v.(map[string]any); !ok {
		return types.Errorf("snapshot content for schema '%s' must be a JSON object", schemaKey)
	}
	return nil
}

// escapeGJSONPath escapes property names so dots and wildcards are treated
// literally by gjson/sjson.
func escapeGJSONPath(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		switch name[i] {
		case '.', '*', '?', '\\', '|', '#', '@':
			out = append(out, '\\')
		}
		out = append(out, name[i])
	}
	return string(out)
}
