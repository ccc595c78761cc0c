package coordinator

import (
	"os"
	"path/filepath"
	"testing"

	"tz01-bridge/internal/driver"
	"tz01-bridge/internal/zcl"
)

func TestDeviceDBAddLookup(t *testing.T) {
	db := NewDeviceDB()
	db.Add(DeviceDefinition{Manufacturer: "_TZ3000_fllyghyj", Model: "TS0201", FriendlyName: "TZ01", Driver: "tz01"})

	if db.Len() != 1 {
		t.Fatalf("len = %d, want 1", db.Len())
	}
	def := db.Lookup("_TZ3000_fllyghyj", "TS0201")
	if def == nil {
		t.Fatal("lookup returned nil")
	}
	if def.Driver != "tz01" {
		t.Errorf("driver = %q", def.Driver)
	}
	if db.Lookup("_TZ3000_fllyghyj", "TS0202") != nil {
		t.Error("expected nil for unknown model")
	}
}

func TestLoadDeviceDir(t *testing.T) {
	logger := newTestLogger()
	registry := zcl.NewRegistry(logger)
	dir := t.TempDir()

	os.WriteFile(filepath.Join(dir, "tuya.json"), []byte(`{
		"clusters": [
			{"id": 61184, "name": "Tuya", "attributes": [{"id": 0, "name": "DP", "type": 32, "access": 1}]}
		],
		"manufacturers": [
			{"name": "_TZ3000_xr3htd96", "models": [{"model": "TS0201", "driver": "tz01"}]},
			{"name": "_TZ3000_dowj6gyi", "models": [{"model": "TS0201", "driver": "tz01", "friendly_name": "Outdoor"}]}
		],
		"devices": [
			{"manufacturer": "Acme", "model": "X1", "driver": "nope"}
		]
	}`), 0o644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644)

	db, err := LoadDeviceDir(dir, registry, driver.NewRegistry().Has, logger)
	if err != nil {
		t.Fatal(err)
	}
	if db.Len() != 2 {
		t.Errorf("len = %d, want 2", db.Len())
	}
	if def := db.Lookup("_TZ3000_dowj6gyi", "TS0201"); def == nil || def.FriendlyName != "Outdoor" {
		t.Errorf("def = %+v", def)
	}
	if db.Lookup("Acme", "X1") != nil {
		t.Error("definition with unknown driver was loaded")
	}
	if registry.Get(61184) == nil {
		t.Error("custom cluster not registered")
	}
}

func TestLoadDeviceDirMissing(t *testing.T) {
	db, err := LoadDeviceDir(filepath.Join(t.TempDir(), "absent"), zcl.NewRegistry(newTestLogger()), nil, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	if db.Len() != 0 {
		t.Errorf("len = %d", db.Len())
	}
}

func TestLoadDeviceDirBadJSON(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{`), 0o644)
	if _, err := LoadDeviceDir(dir, zcl.NewRegistry(newTestLogger()), nil, newTestLogger()); err == nil {
		t.Error("expected parse error")
	}
}
