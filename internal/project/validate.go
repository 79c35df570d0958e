package project

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tethr-io/tethr/internal/protocol"
)

// CanonicalizePath validates a client-supplied project path and returns the
// canonical form used for storage and nesting comparisons. The path must be
// absolute, contain no parent-traversal segments, and name an existing
// directory. Error messages never echo the path back.
func CanonicalizePath(raw string) (string, error) {
	if raw == "" {
		return "", protocol.E(protocol.CodeInvalidPath, "path is empty")
	}
	if strings.ContainsRune(raw, 0) {
		return "", protocol.E(protocol.CodeInvalidPath, "path contains a null byte")
	}
	if !filepath.IsAbs(raw) {
		return "", protocol.E(protocol.CodeInvalidPath, "path is not absolute")
	}
	for _, seg := range strings.Split(raw, string(filepath.Separator)) {
		if seg == ".." {
			return "", protocol.E(protocol.CodeInvalidPath, "path contains parent-traversal segments")
		}
	}
	clean := filepath.Clean(raw)

	info, err := os.Stat(clean)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "", protocol.E(protocol.CodeInvalidPath, "path does not exist")
	case err != nil:
		return "", protocol.E(protocol.CodeInvalidPath, "path is not accessible")
	case !info.IsDir():
		return "", protocol.E(protocol.CodeInvalidPath, "path is not a directory")
	}
	return clean, nil
}

// nested reports whether one canonical path contains the other. Equal paths
// count as nested. The check is segment-aware: /tmp/a does not contain
// /tmp/ab.
func nested(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasPrefix(b, withSep(a)) || strings.HasPrefix(a, withSep(b))
}

func withSep(p string) string {
	if strings.HasSuffix(p, string(filepath.Separator)) {
		return p
	}
	return p + string(filepath.Separator)
}
