package server

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrOutsideRoot is returned for paths escaping their allowed directory.
	ErrOutsideRoot = errors.New("access denied: path is outside the allowed directory")
	// ErrFileNotFound is returned when a confined path does not exist.
	ErrFileNotFound = errors.New("file not found")

	errMissingPath = errors.New("missing filepath")
)

// resolveWithin resolves p against root and checks that the result, with
// symlinks followed, stays inside root. The file must exist.
func resolveWithin(root, p string) (string, error) {
	if p == "" {
		return "", errMissingPath
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	base := abs
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		base = real
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	if p = filepath.Clean(p); !within(base, p) && !within(abs, p) {
		return "", ErrOutsideRoot
	}

	real, err := filepath.EvalSymlinks(p)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrFileNotFound
	}
	if err != nil {
		return "", err
	}
	if !within(base, real) {
		return "", ErrOutsideRoot
	}
	return real, nil
}

func within(base, p string) bool {
	rel, err := filepath.Rel(base, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
