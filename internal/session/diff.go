package session

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// diffContextLines is how many unchanged lines frame each hunk.
const diffContextLines = 3

// computeDiff produces a unified diff between two file contents along with
// the number of added and deleted lines. Line counts come from a line-based
// diff so a one-word change counts as one deletion plus one addition, not a
// character edit.
func computeDiff(before, after, path string) (string, int, int, error) {
	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	additions, deletions := 0, 0
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			additions += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			deletions += countLines(d.Text)
		}
	}

	return unifiedDiff(diffs, path), additions, deletions, nil
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}

type diffLine struct {
	op   diffmatchpatch.Operation
	text string
}

// splitDiffLines flattens a diff sequence into per-line records.
func splitDiffLines(diffs []diffmatchpatch.Diff) []diffLine {
	var out []diffLine
	for _, d := range diffs {
		lines := strings.Split(d.Text, "\n")
		if len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
		for _, l := range lines {
			out = append(out, diffLine{op: d.Type, text: l})
		}
	}
	return out
}

// unifiedDiff renders a line diff in unified format: file headers, then
// hunks framed by diffContextLines of context, with changed regions whose
// context frames overlap or touch merged into a single hunk.
func unifiedDiff(diffs []diffmatchpatch.Diff, path string) string {
	lines := splitDiffLines(diffs)

	// Position of each line in the old and new file, 1-based.
	oldPos := make([]int, len(lines))
	newPos := make([]int, len(lines))
	o, n := 1, 1
	changed := false
	for i, l := range lines {
		oldPos[i], newPos[i] = o, n
		switch l.op {
		case diffmatchpatch.DiffEqual:
			o++
			n++
		case diffmatchpatch.DiffDelete:
			o++
			changed = true
		case diffmatchpatch.DiffInsert:
			n++
			changed = true
		}
	}
	if !changed {
		return ""
	}

	type span struct{ lo, hi int }
	var spans []span
	for i, l := range lines {
		if l.op == diffmatchpatch.DiffEqual {
			continue
		}
		lo := max(i-diffContextLines, 0)
		hi := min(i+diffContextLines, len(lines)-1)
		if len(spans) > 0 && lo <= spans[len(spans)-1].hi+1 {
			spans[len(spans)-1].hi = hi
		} else {
			spans = append(spans, span{lo, hi})
		}
	}

	var buf strings.Builder
	fmt.Fprintf(&buf, "Index: %s\n", path)
	buf.WriteString(strings.Repeat("=", 67))
	buf.WriteByte('\n')
	fmt.Fprintf(&buf, "--- %s\n+++ %s\n", path, path)

	for _, sp := range spans {
		countOld, countNew := 0, 0
		for i := sp.lo; i <= sp.hi; i++ {
			switch lines[i].op {
			case diffmatchpatch.DiffEqual:
				countOld++
				countNew++
			case diffmatchpatch.DiffDelete:
				countOld++
			case diffmatchpatch.DiffInsert:
				countNew++
			}
		}
		fmt.Fprintf(&buf, "@@ -%d,%d +%d,%d @@\n", oldPos[sp.lo], countOld, newPos[sp.lo], countNew)
		for i := sp.lo; i <= sp.hi; i++ {
			switch lines[i].op {
			case diffmatchpatch.DiffEqual:
				buf.WriteByte(' ')
			case diffmatchpatch.DiffDelete:
				buf.WriteByte('-')
			case diffmatchpatch.DiffInsert:
				buf.WriteByte('+')
			}
			buf.WriteString(lines[i].text)
			buf.WriteByte('\n')
		}
	}

	return buf.String()
}
