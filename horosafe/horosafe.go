// Package horosafe holds the path and identifier guards applied to every
// client-supplied value that ends up as a filesystem path component: upload
// IDs, original filenames and download names.
//
// All checks are pure string operations. Nothing here touches the
// filesystem, so a rejected request never causes an open, stat or mkdir.
package horosafe

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathTraversal is returned when a user-supplied path escapes its base.
var ErrPathTraversal = errors.New("horosafe: path traversal detected")

// MaxIdentifierLen bounds upload IDs and similar path components.
const MaxIdentifierLen = 256

// SafePath validates that joining base and userInput does not escape base.
// Returns the cleaned path or ErrPathTraversal.
func SafePath(base, userInput string) (string, error) {
	if hasDotDot(userInput) {
		return "", ErrPathTraversal
	}
	cleaned := filepath.Join(base, filepath.Clean("/"+userInput))
	root := filepath.Clean(base)
	if cleaned != root && !strings.HasPrefix(cleaned, root+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return cleaned, nil
}

// SafeFile is SafePath for a single flat file name: any separator, the names
// "." and ".." and the empty name are rejected. Dots inside a name, as in
// "night..1.edf", are fine. Used for download requests, which may only
// name files directly inside the output directory.
func SafeFile(base, name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", ErrPathTraversal
	}
	if strings.ContainsRune(name, 0) {
		return "", ErrPathTraversal
	}
	return SafePath(base, name)
}

// Within reports whether path, once cleaned, lies inside base. It is used
// for paths the client echoes back (e.g. the assembled file path).
func Within(base, path string) (string, error) {
	if hasDotDot(path) {
		return "", ErrPathTraversal
	}
	root := filepath.Clean(base)
	cleaned := filepath.Clean(path)
	if !filepath.IsAbs(cleaned) && !strings.HasPrefix(cleaned, root) {
		cleaned = filepath.Join(root, cleaned)
	}
	if !strings.HasPrefix(cleaned, root+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return cleaned, nil
}

// hasDotDot reports whether p has a ".." component under either separator.
func hasDotDot(p string) bool {
	for _, part := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return true
		}
	}
	return false
}

// ValidateIdentifier rejects identifiers that contain characters unsuitable
// for file names or URL path segments. Allows alphanumeric, underscore,
// hyphen and dot, but not a leading dot.
func ValidateIdentifier(s string) error {
	if s == "" {
		return fmt.Errorf("horosafe: identifier must not be empty")
	}
	if len(s) > MaxIdentifierLen {
		return fmt.Errorf("horosafe: identifier too long (max %d)", MaxIdentifierLen)
	}
	if s[0] == '.' {
		return fmt.Errorf("horosafe: identifier must not start with a dot")
	}
	for _, r := range s {
		if !isIdentChar(r) {
			return fmt.Errorf("horosafe: invalid character %q in identifier", r)
		}
	}
	return nil
}

// SanitizeFilename reduces a client-supplied filename to a safe basename.
// Directory components (either separator style) are dropped, characters
// outside [A-Za-z0-9._-] become '_', and leading dots are stripped so the
// result can never be hidden, relative or empty. fallback is returned when
// nothing usable remains.
func SanitizeFilename(name, fallback string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	var b strings.Builder
	for _, r := range name {
		if isIdentChar(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if len(out) > MaxIdentifierLen {
		out = out[len(out)-MaxIdentifierLen:]
	}
	if strings.Trim(out, "_") == "" {
		return fallback
	}
	return out
}

func isIdentChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}
