package fp

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
	"unicode"
)

// NormalizeSource trims surrounding whitespace.
func NormalizeSource(s string) string {
	return strings.TrimSpace(s)
}

// NormalizeTargetPath trims whitespace and cleans the path using filepath.Clean.
// Note: On Unix (case-sensitive), we do not lowercase paths.
func NormalizeTargetPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return p
	}
	return filepath.Clean(p)
}

// NormalizeName folds a release name so that cosmetic differences do not
// defeat duplicate detection: case, surrounding whitespace, the usual
// separators ('.', '_', '-', runs of spaces) and a trailing partial-download
// suffix are ignored.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimSuffix(name, ".!qB")
	name = strings.ToLower(name)
	var b strings.Builder
	space := false
	for _, r := range name {
		if r == '.' || r == '_' || r == '-' || unicode.IsSpace(r) {
			if !space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = true
			continue
		}
		space = false
		b.WriteRune(r)
	}
	return strings.TrimRight(b.String(), " ")
}

// NameKey computes a stable hex-encoded SHA-256 over the normalized name.
// It is used as the primary key of the mirrored-content index.
func NameKey(name string) string {
	sum := sha256.Sum256([]byte(NormalizeName(name)))
	return hex.EncodeToString(sum[:])
}
