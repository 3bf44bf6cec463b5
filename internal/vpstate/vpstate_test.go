package vpstate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenMissingFileSeedsDefaults(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "state.json"), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if len(s.Templates()) != 3 {
		t.Fatalf("expected 3 default templates, got %d", len(s.Templates()))
	}
	if _, ok := s.Templates()["postgres"]; !ok {
		t.Fatal("expected postgres template to be seeded")
	}
	if len(s.Types()) == 0 {
		t.Fatal("expected default resource types to be seeded")
	}
}

func TestOpenCorruptFileFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open should tolerate corrupt file, got error: %v", err)
	}
	if len(s.Templates()) != 3 {
		t.Fatalf("expected defaults after corrupt load, got %d templates", len(s.Templates()))
	}
}

func TestSaveIsAtomicAndRestrictedPermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.Lock()
	s.Instances()["web1"] = &Instance{Name: "web1", Status: StatusRunning, PID: 1234, Managed: true}
	s.Unlock()

	if err := s.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected state file to exist: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected mode 0600, got %v", info.Mode().Perm())
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Fatalf("temp file was not cleaned up: %s", e.Name())
		}
	}
}

func TestSaveAndReopenRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.Lock()
	s.Instances()["web1"] = &Instance{Name: "web1", Status: StatusRunning, PID: 42, Managed: true,
		Resources: map[string]string{"tcpport": "3000"}}
	s.Claims()["tcpport:3000"] = nil
	s.Counters()["tcpport"] = 3001
	s.Unlock()
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	inst := reopened.Instances()["web1"]
	if inst == nil || inst.PID != 42 || inst.Resources["tcpport"] != "3000" {
		t.Fatalf("expected round-tripped instance, got %+v", inst)
	}
	if reopened.Counters()["tcpport"] != 3001 {
		t.Fatalf("expected counter to round-trip, got %d", reopened.Counters()["tcpport"])
	}
}

func TestInstanceJSONFieldNames(t *testing.T) {
	inst := &Instance{Name: "web1", Template: "node-express", Command: "node server.js", PID: 0, Status: StatusStopped}
	raw, err := json.Marshal(inst)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	if _, ok := m["template"]; !ok {
		t.Fatal("expected field name 'template', not 'template_name'")
	}
	for _, omitted := range []string{"cwd", "cputime", "error", "action"} {
		if _, ok := m[omitted]; ok {
			t.Fatalf("expected %q to be omitted when empty", omitted)
		}
	}
}

func TestDefaultPathUsesVibeprocessDir(t *testing.T) {
	p := DefaultPath()
	if filepath.Base(filepath.Dir(p)) != ".vibeprocess" {
		t.Fatalf("expected path under .vibeprocess, got %s", p)
	}
	if filepath.Base(p) != "state.json" {
		t.Fatalf("expected state.json filename, got %s", p)
	}
}
