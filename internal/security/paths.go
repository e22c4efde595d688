// Package security validates operator-supplied paths before the engine
// reads datasets or writes prototype sets.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// canonical resolves symlinks in path. For a path that does not exist yet,
// the nearest existing ancestor is resolved and the rest appended, so a
// symlinked parent cannot smuggle a new file outside the root.
func canonical(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	for dir := filepath.Dir(abs); ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rel, _ := filepath.Rel(dir, abs)
			return filepath.Join(resolved, rel), nil
		}
		if dir == filepath.Dir(dir) {
			return abs, nil
		}
	}
}

// ValidatePathWithin returns an error unless path resolves inside root.
// root must exist.
func ValidatePathWithin(path, root string) error {
	p, err := canonical(path)
	if err != nil {
		return err
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", root, err)
	}
	r, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", root, err)
	}
	rel, err := filepath.Rel(r, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("path %s escapes %s", path, root)
	}
	return nil
}

// ValidatePathWithinAny accepts path when it lies inside any of roots.
func ValidatePathWithinAny(path string, roots []string) error {
	if len(roots) == 0 {
		return fmt.Errorf("no allowed directories configured")
	}
	for _, root := range roots {
		if ValidatePathWithin(path, root) == nil {
			return nil
		}
	}
	return fmt.Errorf("path %s must be within one of %v", path, roots)
}

// SanitizeName turns an arbitrary label into a file or directory name:
// runs of characters other than ASCII letters, digits, dot, underscore and
// dash collapse to one underscore, and the result is at most 64 bytes.
func SanitizeName(s string) string {
	const maxLen = 64
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
			lastUnderscore = r == '_'
		case !lastUnderscore:
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unnamed"
	}
	return out
}
