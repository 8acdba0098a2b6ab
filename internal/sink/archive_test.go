// SPDX-License-Identifier: MIT
package sink

import (
	"archive/zip"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestExportArchive(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "signal.txt"), "1, 2\n")
	writeFile(t, filepath.Join(dir, "tail.txt"), "3, 4\n")
	writeFile(t, filepath.Join(dir, "noise.txt"), "")
	writeFile(t, filepath.Join(dir, "notes.md"), "ignored")
	writeFile(t, filepath.Join(dir, "bundle.txt"), "previous export")

	out := filepath.Join(dir, "bundle.txt")
	n, err := ExportArchive(dir, out)
	if err != nil {
		t.Fatalf("ExportArchive: %v", err)
	}
	if n != 2 {
		t.Errorf("wrote %d entries, want 2", n)
	}

	zr, err := zip.OpenReader(out)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "signal.txt" || names[1] != "tail.txt" {
		t.Errorf("entries = %v, want [signal.txt tail.txt]", names)
	}
}

func TestExportArchiveMissingDir(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.zip")
	if _, err := ExportArchive(filepath.Join(dir, "missing"), out); err == nil {
		t.Error("expected error for missing directory")
	}
	if _, err := os.Stat(out); err == nil {
		t.Error("archive created despite error")
	}
}

func TestClearArtifacts(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "signal.txt"), "1")
	writeFile(t, filepath.Join(dir, "all.txt"), "1")
	writeFile(t, filepath.Join(dir, "keep.txt"), "1")

	n, err := ClearArtifacts(dir)
	if err != nil {
		t.Fatalf("ClearArtifacts: %v", err)
	}
	if n != 2 {
		t.Errorf("removed %d files, want 2", n)
	}
	if _, err := os.Stat(filepath.Join(dir, "keep.txt")); err != nil {
		t.Errorf("unrelated file removed: %v", err)
	}
}
