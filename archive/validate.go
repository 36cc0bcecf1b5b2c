// Package archive validates archive entry lists before ingestion:
// path safety, entry-count and size limits, extension filtering, and
// language tagging. It guards against expansion bombs, slip traversal,
// and symlink-style escapes.
package archive

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

// Entry is one archive entry as reported by the decompressor.
type Entry struct {
	Path             string
	UncompressedSize int64
}

// ValidatedEntry is an accepted entry with a normalized path and tags.
type ValidatedEntry struct {
	Path             string
	UncompressedSize int64
	Language         string
	IsTestFile       bool
}

// Limits bounds what an archive may expand to.
type Limits struct {
	MaxFiles int
	MaxBytes int64
}

// acceptedExtensions is the extension allow-list for ingested sources.
var acceptedExtensions = map[string]bool{
	".tact": true,
	".fc":   true,
	".func": true,
	".tolk": true,
	".ts":   true,
	".js":   true,
	".json": true,
	".md":   true,
	".toml": true,
	".yml":  true,
	".yaml": true,
}

// languageByExtension maps extensions to language tags.
var languageByExtension = map[string]string{
	".tact": "tact",
	".fc":   "func",
	".func": "func",
	".tolk": "tolk",
	".ts":   "typescript",
	".js":   "javascript",
	".json": "json",
	".md":   "markdown",
	".toml": "toml",
	".yml":  "yaml",
	".yaml": "yaml",
}

var testPathPattern = regexp.MustCompile(`(^|/)(test|tests|__tests__)/`)

// DetectLanguage returns the language tag for a normalized path,
// or empty when the extension is unknown.
func DetectLanguage(p string) string {
	return languageByExtension[strings.ToLower(path.Ext(p))]
}

// IsTestFile reports whether a normalized path denotes test code:
// a test directory segment or a ".spec." infix.
func IsTestFile(p string) bool {
	return testPathPattern.MatchString(p) || strings.Contains(p, ".spec.")
}

// Validate checks entries against limits and emits the accepted list.
//
// Order of checks:
//  1. entry count against MaxFiles
//  2. per-entry path normalization (unsafe paths are fatal)
//  3. extension allow-list (filtered, not fatal)
//  4. dedup by normalized path, first wins
//  5. running uncompressed size against MaxBytes (fatal on overflow)
func Validate(entries []Entry, limits Limits) ([]ValidatedEntry, error) {
	if len(entries) > limits.MaxFiles {
		return nil, fmt.Errorf("archive has %d entries, limit is %d", len(entries), limits.MaxFiles)
	}

	seen := make(map[string]bool, len(entries))
	out := make([]ValidatedEntry, 0, len(entries))
	var total int64

	for _, e := range entries {
		normalized, err := types.NormalizePath(e.Path)
		if err != nil {
			return nil, err
		}

		ext := strings.ToLower(path.Ext(normalized))
		if !acceptedExtensions[ext] {
			continue
		}
		if seen[normalized] {
			continue
		}
		seen[normalized] = true

		total += e.UncompressedSize
		if total > limits.MaxBytes {
			return nil, fmt.Errorf("archive uncompressed size exceeds %d bytes", limits.MaxBytes)
		}

		out = append(out, ValidatedEntry{
			Path:             normalized,
			UncompressedSize: e.UncompressedSize,
			Language:         DetectLanguage(normalized),
			IsTestFile:       IsTestFile(normalized),
		})
	}

	return out, nil
}
