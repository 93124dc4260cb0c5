// internal/delivery/registry_test.go
package delivery

import (
	"testing"

	"github.com/user/rollcall/internal/types"
)

func TestRegistryPath(t *testing.T) {
	reg := NewRegistry("/backups/")
	reg.Register(types.SessionScanner, "scans")

	got, err := reg.Path(types.SessionScanner, "Scanner_Room_A.xlsx")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "backups/scans/Scanner_Room_A.xlsx" {
		t.Errorf("expected path %q, got %q", "backups/scans/Scanner_Room_A.xlsx", got)
	}
}

func TestRegistryNoDirectory(t *testing.T) {
	reg := NewRegistry("backups")

	_, err := reg.Path(types.SessionChecklist, "Checklist_Lab.xlsx")
	if err == nil {
		t.Fatal("expected error for unregistered type, got nil")
	}
}

func TestDefaultRegistry(t *testing.T) {
	reg := DefaultRegistry("")

	scanner, err := reg.Path(types.SessionScanner, "a.xlsx")
	if err != nil {
		t.Fatalf("scanner path error: %v", err)
	}
	checklist, err := reg.Path(types.SessionChecklist, "b.xlsx")
	if err != nil {
		t.Fatalf("checklist path error: %v", err)
	}

	if scanner != "scanner/a.xlsx" {
		t.Errorf("expected scanner/a.xlsx, got %q", scanner)
	}
	if checklist != "checklist/b.xlsx" {
		t.Errorf("expected checklist/b.xlsx, got %q", checklist)
	}
}

func TestRegistryArchiveDir(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"backups", "old_backups/scanner"},
		{"/data/backups/", "data/old_backups/scanner"},
		{"", "archive/scanner"},
	}
	for _, tt := range tests {
		got, err := DefaultRegistry(tt.base).ArchiveDir(types.SessionScanner)
		if err != nil {
			t.Fatalf("base %q: unexpected error: %v", tt.base, err)
		}
		if got != tt.want {
			t.Errorf("base %q: expected %q, got %q", tt.base, tt.want, got)
		}
	}

	if _, err := NewRegistry("backups").ArchiveDir(types.SessionScanner); err == nil {
		t.Error("expected error for unregistered type")
	}
}
