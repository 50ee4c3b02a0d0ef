package lockingfs

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"unicode"
)

// ResourceKey maps a normalized path to the key a lock backend synchronizes on.
//
// The key is the hex SHA-1 of prefix + "://" + path: bounded in length, safe as
// a file name, and distinct per prefix so that several filesystems can share
// one backend store without their keys colliding.
func ResourceKey(prefix, path string) string {
	sum := sha1.Sum([]byte(prefix + "://" + path))
	return hex.EncodeToString(sum[:])
}

// NormalizePath cleans a storage path: backslashes become slashes, "." and
// empty segments are dropped, ".." removes the previous segment and leading
// and trailing slashes are trimmed. The root is the empty string.
// A path that climbs above the root returns ErrRootViolation.
func NormalizePath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.Map(func(r rune) rune {
		// Control characters never reach the adapter.
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, p)

	parts := make([]string, 0, strings.Count(p, "/")+1)
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(parts) == 0 {
				return "", ErrRootViolation
			}
			parts = parts[:len(parts)-1]
		default:
			parts = append(parts, seg)
		}
	}
	return strings.Join(parts, "/"), nil
}
