package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoggerBeforeInitDiscards(t *testing.T) {
	Shutdown()
	log := Logger()
	// Must not panic or write anywhere.
	log.Info("dropped")
}

func TestInitWritesComponentField(t *testing.T) {
	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "debug"})
	t.Cleanup(Shutdown)

	ForComponent(CompMarker).Info("marker_event", "key", "value")

	data, err := os.ReadFile(filepath.Join(dir, "ptydeck.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("log line not JSON: %v (%q)", err, data)
	}
	if entry["component"] != CompMarker {
		t.Errorf("component = %v", entry["component"])
	}
	if entry["msg"] != "marker_event" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v", entry["key"])
	}
}

func TestInitLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "warn"})
	t.Cleanup(Shutdown)

	Logger().Info("suppressed")
	Logger().Warn("kept")

	data, _ := os.ReadFile(filepath.Join(dir, "ptydeck.log"))
	if string(data) == "" {
		t.Fatal("warn line missing")
	}
	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("expected exactly one JSON line: %v (%q)", err, data)
	}
	if entry["msg"] != "kept" {
		t.Errorf("msg = %v", entry["msg"])
	}
}

func TestForComponentTracksLateInit(t *testing.T) {
	Shutdown()
	log := ForComponent(CompWatch)

	dir := t.TempDir()
	Init(Config{LogDir: dir})
	t.Cleanup(Shutdown)

	log.Info("after_init")

	data, err := os.ReadFile(filepath.Join(dir, "ptydeck.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("log line not JSON: %v", err)
	}
	if entry["component"] != CompWatch {
		t.Errorf("component = %v", entry["component"])
	}
}
