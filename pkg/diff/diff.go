// Package diff renders changes between two revisions of an XML description.
package diff

import (
	"github.com/pmezard/go-difflib/difflib"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/sourcegraph/go-diff/diff"
	"gitlab.com/tozd/go/errors"
)

const contextLines = 3

// Unified returns the unified diff from before to after, or "" when they
// are equal.
func Unified(name, before, after string) string {
	if before == after {
		return ""
	}
	out, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: name,
		ToFile:   name,
		Context:  contextLines,
	})
	return out
}

// Stats counts the lines added and removed by a unified diff.
func Stats(unified string) (added, removed int, err error) {
	if unified == "" {
		return 0, 0, nil
	}
	fd, err := diff.ParseFileDiff([]byte(unified))
	if err != nil {
		return 0, 0, errors.Errorf("parsing unified diff: %w", err)
	}
	stat := fd.Stat()
	// a changed line is counted once on each side
	return int(stat.Added + stat.Changed), int(stat.Deleted + stat.Changed), nil
}

// Change is one span of an inline comparison.
type Change struct {
	Op   int
	Text string
}

// Change operations.
const (
	Equal  = 0
	Insert = 1
	Delete = -1
)

// Inline compares two single lines character by character, merging small
// edits into readable spans.
func Inline(before, after string) []Change {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(before, after, false))

	out := make([]Change, 0, len(diffs))
	for _, d := range diffs {
		op := Equal
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			op = Insert
		case diffmatchpatch.DiffDelete:
			op = Delete
		}
		out = append(out, Change{Op: op, Text: d.Text})
	}
	return out
}
