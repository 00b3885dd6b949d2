package pathutil

import (
	"path/filepath"
	"strings"
)

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// HasNUL reports whether the path contains a NUL byte. Filesystems reject
// them but they can survive into log lines and confuse downstream tooling.
func HasNUL(p string) bool {
	return strings.IndexByte(p, 0) >= 0
}

// ResolveWithin joins p against root (absolute p is cleaned as-is) and
// reports whether the result stays inside root. The returned path is
// absolute and cleaned; ok is false when the path escapes.
func ResolveWithin(root, p string) (string, bool) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	var abs string
	if filepath.IsAbs(p) {
		abs = filepath.Clean(p)
	} else {
		abs = filepath.Join(absRoot, p)
	}
	rel, err := filepath.Rel(absRoot, abs)
	if err != nil {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return abs, true
}
