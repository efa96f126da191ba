package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadMappingCatalog(t *testing.T) {
	path := writeTemp(t, "mapping.yaml", `
mappings:
  - equip_tag: GPS001
    message_id: GLL001
    object: GPS.LAT
    value_type: float
  - equip_tag: ENG001
    message_id: RPM001
    object: ENG.RPM
    value_type: integer
`)
	cat, err := LoadMappingCatalog(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cat.Len() != 2 {
		t.Fatalf("expected 2 rules, got %d", cat.Len())
	}
	rule, ok := cat.Lookup("GPS001", "GLL001")
	if !ok {
		t.Fatal("expected rule to be found")
	}
	if rule.Object != "GPS.LAT" {
		t.Errorf("expected GPS.LAT, got %s", rule.Object)
	}
	if _, ok := cat.Lookup("UNKNOWN", "X"); ok {
		t.Error("expected unknown key to miss")
	}
}

func TestLoadMappingCatalogDuplicateKeyIsFatal(t *testing.T) {
	path := writeTemp(t, "mapping.yaml", `
mappings:
  - equip_tag: GPS001
    message_id: GLL001
    object: GPS.LAT
    value_type: float
  - equip_tag: GPS001
    message_id: GLL001
    object: GPS.LAT2
    value_type: float
`)
	_, err := LoadMappingCatalog(path)
	if err == nil {
		t.Fatal("expected duplicate key error")
	}
	if !errors.Is(err, ErrCatalogInvalid) {
		t.Errorf("expected ErrCatalogInvalid, got %v", err)
	}
}

func TestLoadMappingCatalogMissingFile(t *testing.T) {
	_, err := LoadMappingCatalog("/nonexistent/mapping.yaml")
	if !errors.Is(err, ErrCatalogInvalid) {
		t.Errorf("expected ErrCatalogInvalid, got %v", err)
	}
}

func TestLoadMappingCatalogBadValueType(t *testing.T) {
	path := writeTemp(t, "mapping.yaml", `
mappings:
  - equip_tag: A
    message_id: B
    object: C
    value_type: notatype
`)
	_, err := LoadMappingCatalog(path)
	if !errors.Is(err, ErrCatalogInvalid) {
		t.Errorf("expected ErrCatalogInvalid, got %v", err)
	}
}
