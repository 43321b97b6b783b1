package patchsafety

import (
	"fmt"
	"path/filepath"
	"strings"
)

// BlockedSegments are path components that may never appear in a confined
// path, regardless of where they resolve.
var BlockedSegments = []string{".git", ".ssh"}

const (
	maxPathBytes   = 4096
	maxTestNodeLen = 256
)

// ConfineResult is the outcome of checking one FileChange against a
// workspace root.
type ConfineResult struct {
	Change       FileChange
	ResolvedOld  string
	ResolvedNew  string
	Violation    ParseErrorKind // empty if no violation
}

// Confine checks every FileChange against workspaceRoot and the per-file /
// total write budgets. It returns the first violation encountered, or nil
// if every change is confined and within budget. realpath is injected so
// callers can resolve symlinks with the same resolver the Gate's general
// path confinement uses (gate.Config.Realpath).
func Confine(changes []FileChange, workspaceRoot string, realpath func(string) (string, error), perFileBudget, totalBudget int) (*ParseError, error) {
	total := 0
	for _, c := range changes {
		for _, p := range []string{c.OldPath, c.NewPath} {
			if p == "" {
				continue
			}
			if err := checkPath(p, workspaceRoot, realpath); err != nil {
				return err, nil
			}
		}

		if c.IsNew && c.NewMode == "100755" {
			return &ParseError{Kind: ErrBadMode, Line: c.NewPath}, nil
		}

		if c.AddedBytes > perFileBudget {
			return &ParseError{Kind: ErrBudgetExceeded, Line: c.NewPath}, nil
		}
		total += c.AddedBytes
	}
	if total > totalBudget {
		return &ParseError{Kind: ErrBudgetExceeded}, nil
	}
	return nil, nil
}

func checkPath(path, workspaceRoot string, realpath func(string) (string, error)) *ParseError {
	if len(path) > maxPathBytes {
		return &ParseError{Kind: ErrPathEscape, Line: path}
	}
	if strings.ContainsRune(path, 0) {
		return &ParseError{Kind: ErrPathEscape, Line: path}
	}
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		for _, blocked := range BlockedSegments {
			if seg == blocked {
				return &ParseError{Kind: ErrPathEscape, Line: path}
			}
		}
	}

	abs := filepath.Join(workspaceRoot, path)
	resolved, err := realpath(abs)
	if err != nil {
		// A path that does not yet exist (new file in APPLY_PATCH) is
		// resolved against its nearest existing ancestor instead.
		resolved, err = resolveNearestExisting(abs, realpath)
		if err != nil {
			return &ParseError{Kind: ErrPathEscape, Line: path}
		}
	}

	rootResolved, err := realpath(workspaceRoot)
	if err != nil {
		rootResolved = workspaceRoot
	}

	rel, err := filepath.Rel(rootResolved, resolved)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return &ParseError{Kind: ErrPathEscape, Line: path}
	}
	return nil
}

// resolveNearestExisting walks up from path until it finds an existing
// ancestor, resolves that ancestor's real path, then re-appends the
// remaining (not-yet-existing) components. This lets APPLY_PATCH create
// files in new directories, per spec ss9 open question (b): allowed when
// every intermediate path passes confinement.
func resolveNearestExisting(path string, realpath func(string) (string, error)) (string, error) {
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
			return "", fmt.Errorf("no existing ancestor for %s", path)
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
