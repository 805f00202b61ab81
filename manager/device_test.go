package manager

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/banksean/zoned/cgroup"
	"github.com/banksean/zoned/config"
	"github.com/banksean/zoned/zerr"
)

func TestGrantDeviceRequiresRunning(t *testing.T) {
	m, _ := testManager(t, []config.ZoneTemplate{{Name: "plain"}})
	if _, err := m.CreateZone("z1", "plain"); err != nil {
		t.Fatalf("CreateZone: %v", err)
	}

	err := m.GrantDevice("z1", "/dev/null", "rwm")
	if kind, ok := zerr.As(err); !ok || kind != zerr.InvalidState {
		t.Fatalf("GrantDevice on a STOPPED zone: err = %v, want InvalidState", err)
	}
}

func TestGrantDeviceForbidsNonDeviceFile(t *testing.T) {
	m, _ := testManager(t, []config.ZoneTemplate{{Name: "plain"}})
	if _, err := m.CreateZone("z1", "plain"); err != nil {
		t.Fatalf("CreateZone: %v", err)
	}
	if err := m.StartZone("z1"); err != nil {
		t.Fatalf("StartZone: %v", err)
	}

	regular := filepath.Join(t.TempDir(), "not-a-device")
	if err := os.WriteFile(regular, []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	err := m.GrantDevice("z1", regular, "rwm")
	if kind, ok := zerr.As(err); !ok || kind != zerr.Forbidden {
		t.Fatalf("GrantDevice on a regular file: err = %v, want Forbidden", err)
	}
}

func TestGrantDeviceCgroupIOFailureIsInternal(t *testing.T) {
	m, _ := testManager(t, []config.ZoneTemplate{{Name: "plain"}})
	if _, err := m.CreateZone("z1", "plain"); err != nil {
		t.Fatalf("CreateZone: %v", err)
	}
	if err := m.StartZone("z1"); err != nil {
		t.Fatalf("StartZone: %v", err)
	}

	// StartZone's cgroup.EnsureZone creates the devices directory but never
	// the devices.allow file itself (the real kernel populates it when the
	// directory is created); writeRule's open against the missing file is
	// the I/O failure this exercises.
	if _, err := os.Stat(filepath.Join(cgroup.DevicesPath("z1"), "devices.allow")); err == nil {
		t.Fatal("expected no devices.allow file in the fake cgroup tree")
	}

	err := m.GrantDevice("z1", "/dev/null", "rwm")
	if kind, ok := zerr.As(err); !ok || kind != zerr.Internal {
		t.Fatalf("GrantDevice with missing devices.allow: err = %v, want Internal", err)
	}
}
