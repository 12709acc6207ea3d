package core

import "testing"

func TestCleanSchemaDropsDefaults(t *testing.T) {
	in := map[string]any{
		"type":    "object",
		"default": map[string]any{},
		"properties": map[string]any{
			"limit": map[string]any{"type": "integer", "default": 10},
		},
	}
	out := CleanSchema(in)
	if _, ok := out["default"]; ok {
		t.Fatal("top-level default not removed")
	}
	limit := out["properties"].(map[string]any)["limit"].(map[string]any)
	if _, ok := limit["default"]; ok {
		t.Fatal("nested default not removed")
	}
	// input untouched
	if _, ok := in["default"]; !ok {
		t.Fatal("input schema was mutated")
	}
}

func TestCleanSchemaForcesObjectType(t *testing.T) {
	out := CleanSchema(map[string]any{
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
		},
	})
	if out["type"] != "object" {
		t.Fatalf("expected type object, got %v", out["type"])
	}
}

func TestCleanSchemaArrayItems(t *testing.T) {
	// items with properties become objects
	out := CleanSchema(map[string]any{
		"type": "array",
		"items": map[string]any{
			"properties": map[string]any{"id": map[string]any{"type": "string"}},
		},
	})
	items := out["items"].(map[string]any)
	if items["type"] != "object" {
		t.Fatalf("expected items type object, got %v", items["type"])
	}

	// untyped items without properties become strings
	out = CleanSchema(map[string]any{"type": "array"})
	items = out["items"].(map[string]any)
	if items["type"] != "string" {
		t.Fatalf("expected items type string, got %v", items["type"])
	}

	// explicit item types are preserved
	out = CleanSchema(map[string]any{
		"type":  "array",
		"items": map[string]any{"type": "integer"},
	})
	items = out["items"].(map[string]any)
	if items["type"] != "integer" {
		t.Fatalf("expected items type integer, got %v", items["type"])
	}
}

func TestCleanSchemaNil(t *testing.T) {
	if CleanSchema(nil) != nil {
		t.Fatal("expected nil for nil schema")
	}
}
