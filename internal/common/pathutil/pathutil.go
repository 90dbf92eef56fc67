// Package pathutil normalizes working directory paths so that semantically
// equal paths compare equal as strings.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// Canonicalize expands a leading "~", resolves "." and ".." segments, strips
// trailing slashes, and makes the path absolute. Client reuse keys on the
// result, so two spellings of the same directory must canonicalize
// identically.
func Canonicalize(path string) (string, error) {
	if path == "" {
		return "", os.ErrInvalid
	}

	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if path == "~" {
			path = home
		} else {
			path = filepath.Join(home, path[2:])
		}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	// filepath.Abs cleans the path, which drops trailing slashes and
	// resolves "." and "..". Keep the root slash intact.
	return abs, nil
}
