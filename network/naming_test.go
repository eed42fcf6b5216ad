package network

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCandidateName(t *testing.T) {
	cases := []struct {
		name string
		n    int
		want string
	}{
		{"report.pdf", 0, "report.pdf"},
		{"report.pdf", 1, "report_1.pdf"},
		{"report.pdf", 12, "report_12.pdf"},
		{"README", 2, "README_2"},
		{".profile", 1, ".profile_1"},
		{"archive.tar.gz", 1, "archive.tar_1.gz"},
	}
	for _, tc := range cases {
		if got := candidateName(tc.name, tc.n); got != tc.want {
			t.Fatalf("candidateName(%q, %d) = %q, want %q", tc.name, tc.n, got, tc.want)
		}
	}
}

func TestSanitizeFileNameStripsDirectories(t *testing.T) {
	cases := map[string]string{
		"photo.jpg":             "photo.jpg",
		"../../etc/passwd":      "passwd",
		"C:\\Users\\a\\doc.txt": "doc.txt",
		"":                      fallbackFileName,
		"..":                    fallbackFileName,
		"/":                     fallbackFileName,
	}
	for input, want := range cases {
		if got := sanitizeFileName(input); got != want {
			t.Fatalf("sanitizeFileName(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestCreateUniqueFileNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "report.pdf"), []byte("original"), 0o644); err != nil {
		t.Fatalf("seed file failed: %v", err)
	}

	file, path, err := createUniqueFile(dir, "report.pdf")
	if err != nil {
		t.Fatalf("createUniqueFile failed: %v", err)
	}
	_ = file.Close()
	if filepath.Base(path) != "report_1.pdf" {
		t.Fatalf("expected report_1.pdf, got %q", path)
	}

	file, path, err = createUniqueFile(dir, "report.pdf")
	if err != nil {
		t.Fatalf("second createUniqueFile failed: %v", err)
	}
	_ = file.Close()
	if filepath.Base(path) != "report_2.pdf" {
		t.Fatalf("expected report_2.pdf, got %q", path)
	}

	original, err := os.ReadFile(filepath.Join(dir, "report.pdf"))
	if err != nil {
		t.Fatalf("read original failed: %v", err)
	}
	if string(original) != "original" {
		t.Fatalf("original file was modified: %q", original)
	}
}
