// Package patchsafety parses unified-diff text to enumerate the file paths
// a patch would touch and enforces path and mode confinement on each,
// before the Gate is allowed to approve an APPLY_PATCH action. The teacher
// repo only ever shells out to `git apply` (internal/tactile/python's
// ApplyPatch) and never inspects patch contents itself; this package adds
// the inspection step the kernel's trust boundary requires.
package patchsafety

import (
	"strings"
)

// ParseErrorKind enumerates the typed parse failures the Gate maps to a
// Decision reason.
type ParseErrorKind string

const (
	ErrUnterminatedHeader ParseErrorKind = "unterminated_header"
	ErrMissingPrefix      ParseErrorKind = "missing_prefix"
	ErrBinaryPatch        ParseErrorKind = "binary_patch"
	ErrPathEscape         ParseErrorKind = "path_escape"
	ErrBadMode            ParseErrorKind = "bad_mode"
	ErrBudgetExceeded      ParseErrorKind = "budget_exceeded"
)

// ParseError reports a typed patch parsing failure with the offending line.
type ParseError struct {
	Kind ParseErrorKind
	Line string
}

func (e *ParseError) Error() string {
	if e.Line == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Line
}

// FileChange describes one file touched by a unified diff.
type FileChange struct {
	OldPath    string
	NewPath    string
	IsNew      bool
	IsDeleted  bool
	IsRename   bool
	NewMode    string // e.g. "100644", "100755"; empty if unspecified
	AddedBytes int
}

// Parse scans unified-diff text and returns one FileChange per file the
// diff touches, in order of appearance. It rejects binary patches and
// patches whose headers are malformed, per spec ss4.4. It does NOT perform
// workspace confinement; callers (the Gate) combine this with a
// workspace_root to reject escaping paths.
func Parse(diff string) ([]FileChange, error) {
	lines := strings.Split(diff, "\n")
	var changes []FileChange
	var cur *FileChange

	flush := func() {
		if cur != nil {
			changes = append(changes, *cur)
			cur = nil
		}
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]

		switch {
		case strings.HasPrefix(line, "diff --git "):
			flush()
			rest := strings.TrimPrefix(line, "diff --git ")
			a, b, ok := splitGitDiffHeader(rest)
			if !ok {
				return nil, &ParseError{Kind: ErrUnterminatedHeader, Line: line}
			}
			oldPath, ok1 := stripPrefix(a, "a/")
			newPath, ok2 := stripPrefix(b, "b/")
			if !ok1 || !ok2 {
				return nil, &ParseError{Kind: ErrMissingPrefix, Line: line}
			}
			cur = &FileChange{OldPath: oldPath, NewPath: newPath}

		case strings.HasPrefix(line, "GIT binary patch"), strings.Contains(line, "Binary files ") && strings.Contains(line, " differ"):
			return nil, &ParseError{Kind: ErrBinaryPatch, Line: line}

		case strings.HasPrefix(line, "rename from "):
			if cur == nil {
				return nil, &ParseError{Kind: ErrUnterminatedHeader, Line: line}
			}
			cur.IsRename = true
			cur.OldPath = strings.TrimPrefix(line, "rename from ")

		case strings.HasPrefix(line, "rename to "):
			if cur == nil {
				return nil, &ParseError{Kind: ErrUnterminatedHeader, Line: line}
			}
			cur.IsRename = true
			cur.NewPath = strings.TrimPrefix(line, "rename to ")

		case strings.HasPrefix(line, "new file mode "):
			if cur == nil {
				return nil, &ParseError{Kind: ErrUnterminatedHeader, Line: line}
			}
			cur.IsNew = true
			cur.NewMode = strings.TrimPrefix(line, "new file mode ")
			if cur.NewMode != "100644" && cur.NewMode != "100755" {
				return nil, &ParseError{Kind: ErrBadMode, Line: line}
			}

		case strings.HasPrefix(line, "deleted file mode "):
			if cur == nil {
				return nil, &ParseError{Kind: ErrUnterminatedHeader, Line: line}
			}
			cur.IsDeleted = true

		case strings.HasPrefix(line, "--- "):
			if cur == nil {
				return nil, &ParseError{Kind: ErrUnterminatedHeader, Line: line}
			}
			path := strings.TrimPrefix(line, "--- ")
			path = strings.TrimSuffix(path, "\r")
			if path == "/dev/null" {
				if !cur.IsNew {
					return nil, &ParseError{Kind: ErrMissingPrefix, Line: line}
				}
				continue
			}
			if _, ok := stripPrefix(path, "a/"); !ok {
				return nil, &ParseError{Kind: ErrMissingPrefix, Line: line}
			}

		case strings.HasPrefix(line, "+++ "):
			if cur == nil {
				return nil, &ParseError{Kind: ErrUnterminatedHeader, Line: line}
			}
			path := strings.TrimPrefix(line, "+++ ")
			path = strings.TrimSuffix(path, "\r")
			if path == "/dev/null" {
				cur.IsDeleted = true
				continue
			}
			if _, ok := stripPrefix(path, "b/"); !ok {
				return nil, &ParseError{Kind: ErrMissingPrefix, Line: line}
			}

		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			if cur != nil {
				cur.AddedBytes += len(line) - 1
			}
		}
	}
	flush()

	return changes, nil
}

// splitGitDiffHeader splits the "a/<old> b/<new>" remainder of a
// "diff --git " line. Paths may contain spaces, so this walks from the
// right looking for the last " b/" occurrence, matching git's own
// heuristic for ambiguous headers.
func splitGitDiffHeader(rest string) (a, b string, ok bool) {
	idx := strings.LastIndex(rest, " b/")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

func stripPrefix(path, prefix string) (string, bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	return strings.TrimPrefix(path, prefix), true
}
