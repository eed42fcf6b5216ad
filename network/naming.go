package network

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	fallbackFileName  = "file.bin"
	maxNameCollisions = 100000
)

// sanitizeFileName reduces a declared file name to a plain base name.
func sanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(strings.TrimSpace(name))
	switch base {
	case "", ".", "..", "/":
		return fallbackFileName
	}
	return base
}

// splitExt splits "report.pdf" into ("report", ".pdf"). Names without an
// extension, and dotfiles such as ".profile", have an empty extension.
func splitExt(name string) (string, string) {
	ext := filepath.Ext(name)
	if ext == "" || ext == name {
		return name, ""
	}
	return strings.TrimSuffix(name, ext), ext
}

// candidateName returns the n-th destination name: name.ext, name_1.ext, name_2.ext, ...
func candidateName(name string, n int) string {
	if n == 0 {
		return name
	}
	stem, ext := splitExt(name)
	return stem + "_" + strconv.Itoa(n) + ext
}

// createUniqueFile creates a new file in dir named after the declared name,
// never overwriting an existing file. The name is reserved with O_EXCL.
func createUniqueFile(dir, declaredName string) (*os.File, string, error) {
	name := sanitizeFileName(declaredName)
	for n := 0; n < maxNameCollisions; n++ {
		path := filepath.Join(dir, candidateName(name, n))
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return file, path, nil
		}
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		return nil, "", fmt.Errorf("create destination %q: %w", path, err)
	}
	return nil, "", fmt.Errorf("create destination for %q: too many name collisions", name)
}
