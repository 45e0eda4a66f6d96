package atomicdir

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

const (
	lockExt    = ".lock"
	commitExt  = ".commit"
	stateExt   = ".state.json"
	tempDirExt = ".tmpdir"

	dirPerm  = 0o755
	filePerm = 0o644
)

// splitTarget returns the parent directory and final name of a managed
// directory path.
func splitTarget(target string) (string, string, error) {
	if target == "" {
		return "", "", ErrNoFileName
	}

	trimmed := strings.TrimRight(target, string(filepath.Separator))
	if trimmed == "" {
		return "", "", fmt.Errorf("%w: %q", ErrNoFileName, target)
	}

	name := filepath.Base(trimmed)
	if name == "." || name == ".." {
		return "", "", fmt.Errorf("%w: %q", ErrNoFileName, target)
	}

	return filepath.Dir(trimmed), name, nil
}

// validateSingleComponent checks that name is one normal path element.
func validateSingleComponent(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') ||
		strings.ContainsRune(name, filepath.Separator) {
		return fmt.Errorf("%w: %q is not a single path component", ErrInvalidPath, name)
	}

	return nil
}

// cleanRelPath validates a slash-separated path relative to the managed
// directory and returns it in canonical form. Absolute paths, empty elements
// and "." or ".." elements are rejected rather than cleaned away.
func cleanRelPath(rel string) (string, error) {
	if rel == "" || path.IsAbs(rel) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q is not a relative path", ErrInvalidPath, rel)
	}

	rel = filepath.ToSlash(rel)

	for _, elem := range strings.Split(rel, "/") {
		if elem == "" || elem == "." || elem == ".." {
			return "", fmt.Errorf("%w: %q has an empty, \".\" or \"..\" element", ErrInvalidPath, rel)
		}
	}

	return rel, nil
}

// joinRel joins a validated relative path onto base.
func joinRel(base, rel string) string {
	return filepath.Join(base, filepath.FromSlash(rel))
}
