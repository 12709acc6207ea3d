package core

// CleanSchema normalizes a JSON schema so strict function-calling
// backends accept it. Returns a deep copy; the input is not modified.
//
// Rules:
//   - "default" entries are dropped at every level
//   - a schema with "properties" but no "type" becomes type object
//   - array "items" without a type get object when they declare
//     properties, string otherwise
func CleanSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		if k == "default" {
			continue
		}
		out[k] = cleanValue(v)
	}

	if _, hasProps := out["properties"]; hasProps {
		if _, hasType := out["type"]; !hasType {
			out["type"] = "object"
		}
	}

	if t, _ := out["type"].(string); t == "array" {
		items, _ := out["items"].(map[string]any)
		if items == nil {
			items = map[string]any{}
		}
		if _, hasType := items["type"]; !hasType {
			if _, hasProps := items["properties"]; hasProps {
				items["type"] = "object"
			} else {
				items["type"] = "string"
			}
		}
		out["items"] = items
	}
	return out
}

func cleanValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return CleanSchema(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cleanValue(e)
		}
		return out
	default:
		return v
	}
}
