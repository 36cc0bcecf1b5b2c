package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsafePath is returned for paths that could escape the revision root:
// absolute paths, Windows drive prefixes, ".." segments, or NUL bytes.
var ErrUnsafePath = errors.New("unsafe archive path")

// NormalizePath normalizes a file path to the canonical revision form:
// POSIX separators, no leading slash, no "." or empty segments.
// Returns ErrUnsafePath for paths that must be rejected rather than fixed.
func NormalizePath(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: contains NUL: %q", ErrUnsafePath, p)
	}

	p = strings.ReplaceAll(p, "\\", "/")

	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: absolute path: %q", ErrUnsafePath, p)
	}
	if len(p) >= 2 && p[1] == ':' && isASCIILetter(p[0]) {
		return "", fmt.Errorf("%w: drive prefix: %q", ErrUnsafePath, p)
	}

	segments := strings.Split(p, "/")
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("%w: traversal segment: %q", ErrUnsafePath, p)
		default:
			out = append(out, seg)
		}
	}
	if len(out) == 0 {
		return "", fmt.Errorf("%w: empty path: %q", ErrUnsafePath, p)
	}
	return strings.Join(out, "/"), nil
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
