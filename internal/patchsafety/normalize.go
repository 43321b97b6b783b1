package patchsafety

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// NormalizeDiff recomputes each hunk of a unified diff with diffmatchpatch's
// line-mode algorithm instead of trusting the grouping of changed lines the
// diff tool that produced raw happened to choose. Each hunk keeps its start
// lines and the old/new lines it covers, so hunks over the same line range
// normalize to identical text even if the underlying git version or
// diff.algorithm config differs; diffs with different context widths or
// hunk boundaries still normalize to different text. This is the form the
// round-trip law (apply a patch, then GIT_DIFF against HEAD, and get the
// same normalized content back) compares. File-level header lines
// (diff --git, index, ---, +++) pass through unchanged; each hunk header is
// rebuilt with counts taken from the recomputed body.
func NormalizeDiff(raw string) string {
	lines := strings.Split(raw, "\n")
	var out []string
	var hunk []string
	flushHunk := func() {
		if len(hunk) == 0 {
			return
		}
		out = append(out, normalizeHunk(hunk)...)
		hunk = nil
	}

	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "@@ "):
			flushHunk()
			hunk = append(hunk, line)
		case len(hunk) > 0 && (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "+") || strings.HasPrefix(line, "-")):
			hunk = append(hunk, line)
		case len(hunk) > 0 && line == "":
			hunk = append(hunk, line)
		default:
			flushHunk()
			out = append(out, line)
		}
	}
	flushHunk()
	return strings.Join(out, "\n")
}

// normalizeHunk takes a hunk header line followed by its body lines and
// returns a body recomputed by diffing the hunk's old-side and new-side
// text with diffmatchpatch's line mode, under a header rebuilt from the
// original start lines and the recomputed counts (any section text after
// the closing @@ is dropped). A header that does not parse is returned
// with its body unchanged.
func normalizeHunk(hunk []string) []string {
	header := hunk[0]
	oldStart, _, newStart, _, ok := parseHunkHeader(header)
	if !ok {
		return hunk
	}

	var oldLines, newLines []string
	for _, line := range hunk[1:] {
		if line == "" {
			continue
		}
		switch line[0] {
		case ' ':
			oldLines = append(oldLines, line[1:])
			newLines = append(newLines, line[1:])
		case '-':
			oldLines = append(oldLines, line[1:])
		case '+':
			newLines = append(newLines, line[1:])
		}
	}

	dmp := diffmatchpatch.New()
	oldText := strings.Join(oldLines, "\n")
	newText := strings.Join(newLines, "\n")
	aChars, bChars, lineArray := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffMain(aChars, bChars, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var body []string
	oldCount, newCount := 0, 0
	for _, d := range diffs {
		text := strings.TrimSuffix(d.Text, "\n")
		if text == "" {
			continue
		}
		for _, l := range strings.Split(text, "\n") {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				body = append(body, " "+l)
				oldCount++
				newCount++
			case diffmatchpatch.DiffDelete:
				body = append(body, "-"+l)
				oldCount++
			case diffmatchpatch.DiffInsert:
				body = append(body, "+"+l)
				newCount++
			}
		}
	}

	out := make([]string, 0, len(body)+1)
	out = append(out, fmt.Sprintf("@@ -%d,%d +%d,%d @@", oldStart, oldCount, newStart, newCount))
	out = append(out, body...)
	return out
}

// parseHunkHeader extracts the four counters from a "@@ -a,b +c,d @@" line.
func parseHunkHeader(header string) (oldStart, oldCount, newStart, newCount int, ok bool) {
	body := strings.TrimPrefix(header, "@@ ")
	end := strings.Index(body, " @@")
	if end < 0 {
		return 0, 0, 0, 0, false
	}
	body = body[:end]
	parts := strings.Fields(body)
	if len(parts) != 2 {
		return 0, 0, 0, 0, false
	}
	oldStart, oldCount, ok1 := parseRange(parts[0], "-")
	newStart, newCount, ok2 := parseRange(parts[1], "+")
	if !ok1 || !ok2 {
		return 0, 0, 0, 0, false
	}
	return oldStart, oldCount, newStart, newCount, true
}

func parseRange(field, prefix string) (start, count int, ok bool) {
	field = strings.TrimPrefix(field, prefix)
	pieces := strings.SplitN(field, ",", 2)
	start, err := strconv.Atoi(pieces[0])
	if err != nil {
		return 0, 0, false
	}
	count = 1
	if len(pieces) == 2 {
		count, err = strconv.Atoi(pieces[1])
		if err != nil {
			return 0, 0, false
		}
	}
	return start, count, true
}
