// SPDX-License-Identifier: MPL-2.0

// Package fspath provides the host-path helpers shared by discovery, the path
// classifier and the image builder. Host paths use the OS separator; the
// container-side destination paths built from them always use '/'.
package fspath

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Abs returns the cleaned absolute form of p with symlinks resolved, so it
// compares equal to the real paths the interpreter records for loaded files.
// When p does not exist yet the unresolved absolute path is returned.
func Abs(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolving absolute path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}

// Under reports whether p lies inside root (or is root itself) and returns the
// root-relative path in slash form. Matching respects path-component
// boundaries: "/opt/ruby-extra" is not under "/opt/ruby".
// Both paths are expected to be absolute.
func Under(root, p string) (string, bool) {
	if root == "" || p == "" {
		return "", false
	}
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(p))
	if err != nil {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// IsFile reports whether p exists and is not a directory.
func IsFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

// IsDir reports whether p exists and is a directory.
func IsDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

// TrimExt returns name without its extension when the extension is one of exts.
func TrimExt(name string, exts ...string) string {
	ext := filepath.Ext(name)
	for _, e := range exts {
		if strings.EqualFold(ext, e) {
			return strings.TrimSuffix(name, ext)
		}
	}
	return name
}
