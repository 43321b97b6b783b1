package gate

import (
	"path/filepath"
	"strings"

	"safekernel/internal/kernelcore"
)

// BlockedSegments lists path components that are never permitted, even if
// they resolve inside the workspace.
var BlockedSegments = []string{".git", ".ssh"}

// BlockedAbsolutePrefixes are real-path prefixes that are never permitted
// regardless of workspace_root, catching escapes via /proc or device files.
var BlockedAbsolutePrefixes = []string{"/proc/", "/dev/"}

const maxPathBytes = 4096

// RealpathFunc resolves symlinks and returns an absolute, canonical path.
// Injected so the Gate stays a pure function of its explicit inputs; the
// episode orchestrator supplies filepath.EvalSymlinks (or a fake in tests).
type RealpathFunc func(string) (string, error)

// checkPath validates path confinement for a single path argument and
// returns a Reason if it is rejected, or "" if the path is acceptable.
func checkPath(path, workspaceRoot string, realpath RealpathFunc) kernelcore.Reason {
	if path == "" {
		return kernelcore.ReasonPathEscape
	}
	if len(path) > maxPathBytes {
		return kernelcore.ReasonPathEscape
	}
	if strings.ContainsRune(path, 0) {
		return kernelcore.ReasonNulInPayload
	}
	if filepath.IsAbs(path) {
		return kernelcore.ReasonPathEscape
	}

	slashPath := filepath.ToSlash(path)
	for _, seg := range strings.Split(slashPath, "/") {
		for _, blocked := range BlockedSegments {
			if seg == blocked {
				return kernelcore.ReasonBlockedSegment
			}
		}
	}

	abs := filepath.Join(workspaceRoot, path)
	resolved, err := realpath(abs)
	if err != nil {
		resolved, err = resolveNearestExisting(abs, realpath)
		if err != nil {
			return kernelcore.ReasonPathEscape
		}
	}

	for _, prefix := range BlockedAbsolutePrefixes {
		if strings.HasPrefix(resolved, prefix) {
			return kernelcore.ReasonPathEscape
		}
	}

	rootResolved, err := realpath(workspaceRoot)
	if err != nil {
		rootResolved = workspaceRoot
	}

	rel, err := filepath.Rel(rootResolved, resolved)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return kernelcore.ReasonPathEscape
	}
	return ""
}

// resolveNearestExisting resolves symlinks on the longest existing prefix
// of path and re-appends the remainder, so a path to a not-yet-created
// file (a WRITE_FILE target, or an APPLY_PATCH new file) can still be
// checked for confinement before it exists.
func resolveNearestExisting(path string, realpath RealpathFunc) (string, error) {
	remainder := ""
	cur := path
	for {
		resolved, err := realpath(cur)
		if err == nil {
			if remainder == "" {
				return resolved, nil
			}
			return filepath.Join(resolved, remainder), nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		base := filepath.Base(cur)
		if remainder == "" {
			remainder = base
		} else {
			remainder = filepath.Join(base, remainder)
		}
		cur = parent
	}
}
