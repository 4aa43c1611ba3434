package relocate

import (
	"os"
	"path/filepath"
	"testing"
)

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func read(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestRelocateMovesAndCleansScratch(t *testing.T) {
	dir := t.TempDir()
	scratch := filepath.Join(dir, "Supplementary", "sub-001", "ses-01")
	final := filepath.Join(dir, "out", "sub-001", "ses-01")
	write(t, filepath.Join(scratch, "anat", "chimap.nii"), "chi")
	write(t, filepath.Join(scratch, "anat", "chimap.json"), "{}")

	if err := Relocate(scratch, final); err != nil {
		t.Fatalf("Relocate failed: %v", err)
	}
	if read(t, filepath.Join(final, "anat", "chimap.nii")) != "chi" {
		t.Error("relocated content mismatch")
	}
	if _, err := os.Stat(scratch); !os.IsNotExist(err) {
		t.Errorf("scratch must be deleted after success, stat err = %v", err)
	}
}

func TestRelocateMergesWithExisting(t *testing.T) {
	dir := t.TempDir()
	scratch := filepath.Join(dir, "scratch")
	final := filepath.Join(dir, "final")
	write(t, filepath.Join(scratch, "new.nii"), "new")
	write(t, filepath.Join(scratch, "shared.nii"), "fresh")
	write(t, filepath.Join(final, "shared.nii"), "stale")
	write(t, filepath.Join(final, "unrelated.nii"), "keep")

	if err := Relocate(scratch, final); err != nil {
		t.Fatalf("Relocate failed: %v", err)
	}
	if read(t, filepath.Join(final, "shared.nii")) != "fresh" {
		t.Error("same-named file must be overwritten")
	}
	if read(t, filepath.Join(final, "unrelated.nii")) != "keep" {
		t.Error("unrelated existing file must be left untouched")
	}
	if read(t, filepath.Join(final, "new.nii")) != "new" {
		t.Error("new file missing after merge")
	}
}

func TestRelocateMissingScratch(t *testing.T) {
	dir := t.TempDir()
	if err := Relocate(filepath.Join(dir, "nope"), filepath.Join(dir, "final")); err == nil {
		t.Fatal("expected error for missing scratch path")
	}
}

func TestRelocateFailureRetainsScratch(t *testing.T) {
	dir := t.TempDir()
	scratch := filepath.Join(dir, "scratch")
	write(t, filepath.Join(scratch, "data.nii"), "payload")

	// A regular file at the destination path makes directory creation fail.
	final := filepath.Join(dir, "final")
	write(t, final, "in the way")

	if err := Relocate(scratch, final); err == nil {
		t.Fatal("expected relocation failure")
	}
	if read(t, filepath.Join(scratch, "data.nii")) != "payload" {
		t.Error("scratch content must be retained on failure")
	}
}
