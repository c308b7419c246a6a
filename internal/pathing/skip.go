package pathing

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SkipMode decides what happens when a destination already exists.
type SkipMode string

const (
	// SkipDisabled downloads again and overwrites.
	SkipDisabled SkipMode = "disabled"
	// SkipExact skips when a file with the same name exists.
	SkipExact SkipMode = "exact"
	// SkipExtensionIgnore skips when a file with the same name exists under any extension.
	SkipExtensionIgnore SkipMode = "extension_ignore"
	// SkipAppend keeps the existing file and writes the new one as "name (n).ext".
	SkipAppend SkipMode = "append"
)

// ParseSkipMode accepts the mode names plus "false"/"" for disabled.
func ParseSkipMode(s string) (SkipMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false", "disabled", "off":
		return SkipDisabled, nil
	case "exact", "true":
		return SkipExact, nil
	case "extension_ignore":
		return SkipExtensionIgnore, nil
	case "append":
		return SkipAppend, nil
	default:
		return "", fmt.Errorf("unknown skip mode %q", s)
	}
}

// Decision is the outcome of applying a SkipMode to a destination.
type Decision struct {
	Path string
	Skip bool
}

// Decide applies mode to path. taken reports paths already claimed by other
// jobs of the same batch, which count as existing files.
func Decide(path string, mode SkipMode, taken func(string) bool) (Decision, error) {
	if taken == nil {
		taken = func(string) bool { return false }
	}
	exists := func(p string) bool { return taken(p) || Exists(p) }

	switch mode {
	case SkipExact:
		if exists(path) {
			return Decision{Path: path, Skip: true}, nil
		}
	case SkipExtensionIgnore:
		if exists(path) || existsAnyExtension(path) {
			return Decision{Path: path, Skip: true}, nil
		}
	case SkipAppend:
		if exists(path) {
			unique, err := Uniquify(path, exists)
			if err != nil {
				return Decision{}, err
			}
			return Decision{Path: unique}, nil
		}
	default:
		// Overwrite files on disk, but never share a path within a batch.
		if taken(path) {
			unique, err := Uniquify(path, taken)
			if err != nil {
				return Decision{}, err
			}
			return Decision{Path: unique}, nil
		}
	}
	return Decision{Path: path}, nil
}

// Uniquify returns the first "name (n).ext" for n in 1..UniquifyLimit that
// exists reports as free.
func Uniquify(path string, exists func(string) bool) (string, error) {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for n := 1; n <= UniquifyLimit; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, n, ext)
		if !exists(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free name for %s after %d attempts", filepath.Base(path), UniquifyLimit)
}

func existsAnyExtension(path string) bool {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".part") {
			continue
		}
		if strings.TrimSuffix(name, filepath.Ext(name)) == stem {
			return true
		}
	}
	return false
}
