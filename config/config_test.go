package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/vlah02/miniHypervisor/config"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vms.yaml")

	manifest := `memory_mib: 8
page: 4
guests:
  - guest1.img
  - guest2.img
`

	if err := os.WriteFile(path, []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: got %v, want nil", err)
	}

	if m.MemoryMiB != 8 || m.Page != 4 {
		t.Errorf("Load: got memory %d page %d, want 8 and 4", m.MemoryMiB, m.Page)
	}

	if len(m.Guests) != 2 || m.Guests[0] != "guest1.img" || m.Guests[1] != "guest2.img" {
		t.Errorf("Load: got guests %v", m.Guests)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load(absent): got nil, want error")
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")

	if err := os.WriteFile(path, []byte("guests: {not a list"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := config.Load(path); err == nil {
		t.Fatal("Load(bad): got nil, want error")
	}
}
