// Package diff computes line diffs between two versions of a declaration,
// used to show what a reload changed.
package diff

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// ContextLines is the number of unchanged lines kept around each change.
const ContextLines = 3

// LineType represents the type of diff line
type LineType int

const (
	LineContext LineType = iota // Unchanged context line
	LineAdded                   // Added line
	LineRemoved                 // Removed line
)

// Line represents a single line in the diff
type Line struct {
	Content string
	Type    LineType
}

// Hunk represents a group of changes. Starts are 1-based.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []Line
}

// Diff is the line diff of one declaration.
type Diff struct {
	OldName string
	NewName string
	Hunks   []Hunk
}

// Empty reports whether the two versions had identical lines.
func (d *Diff) Empty() bool { return d == nil || len(d.Hunks) == 0 }

// op is one line of the full edit script.
type op struct {
	typ     LineType
	oldLine int // 0-based, -1 for additions
	newLine int // 0-based, -1 for removals
	content string
}

// Source diffs old against new line by line. A missing final newline is
// not treated as a change.
func Source(oldName, newName, old, new string) *Diff {
	d := &Diff{OldName: oldName, NewName: newName}
	ops := lineOps(old, new)
	d.Hunks = group(ops, ContextLines)
	return d
}

func lineOps(old, new string) []op {
	var lines []string
	index := map[string]rune{}
	encode := func(text string) []rune {
		var out []rune
		for _, line := range splitLines(text) {
			r, ok := index[line]
			if !ok {
				r = lineRune(len(lines))
				index[line] = r
				lines = append(lines, line)
			}
			out = append(out, r)
		}
		return out
	}
	a, b := encode(old), encode(new)

	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	diffs := dmp.DiffMainRunes(a, b, false)

	var ops []op
	oldLine, newLine := 0, 0
	for _, d := range diffs {
		for _, r := range d.Text {
			line := lines[runeLine(r)]
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				ops = append(ops, op{LineContext, oldLine, newLine, line})
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				ops = append(ops, op{LineRemoved, oldLine, -1, line})
				oldLine++
			case diffmatchpatch.DiffInsert:
				ops = append(ops, op{LineAdded, -1, newLine, line})
				newLine++
			}
		}
	}
	return ops
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}

// Each distinct line is diffed as a single rune. Surrogates are skipped
// since they do not survive the string conversions inside the differ.
const surrogates = 0xE000 - 0xD800

func lineRune(i int) rune {
	r := rune(i) + 1
	if r >= 0xD800 {
		r += surrogates
	}
	return r
}

func runeLine(r rune) int {
	if r >= 0xE000 {
		r -= surrogates
	}
	return int(r - 1)
}

// group splits the edit script into hunks, merging changes whose context
// would overlap.
func group(ops []op, context int) []Hunk {
	var hunks []Hunk
	for i := 0; i < len(ops); {
		if ops[i].typ == LineContext {
			i++
			continue
		}
		start := max(0, i-context)
		end := i
		for j := i; j < len(ops); j++ {
			if ops[j].typ != LineContext {
				end = j
				continue
			}
			if j-end > 2*context {
				break
			}
		}
		stop := min(len(ops), end+context+1)
		hunks = append(hunks, hunk(ops[start:stop], ops, start))
		i = stop
	}
	return hunks
}

func hunk(span, all []op, start int) Hunk {
	h := Hunk{}
	oldPos, newPos := 0, 0
	for _, o := range all[:start] {
		if o.typ != LineAdded {
			oldPos++
		}
		if o.typ != LineRemoved {
			newPos++
		}
	}
	h.OldStart, h.NewStart = oldPos+1, newPos+1
	for _, o := range span {
		h.Lines = append(h.Lines, Line{Content: o.content, Type: o.typ})
		if o.typ != LineAdded {
			h.OldCount++
		}
		if o.typ != LineRemoved {
			h.NewCount++
		}
	}
	// Unified diff convention for an empty side.
	if h.OldCount == 0 {
		h.OldStart--
	}
	if h.NewCount == 0 {
		h.NewStart--
	}
	return h
}

// Unified renders the diff in unified format. An empty diff renders as "".
func (d *Diff) Unified() string {
	if d.Empty() {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "--- %s\n+++ %s\n", d.OldName, d.NewName)
	for _, h := range d.Hunks {
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
		for _, l := range h.Lines {
			switch l.Type {
			case LineAdded:
				b.WriteByte('+')
			case LineRemoved:
				b.WriteByte('-')
			default:
				b.WriteByte(' ')
			}
			b.WriteString(l.Content)
			b.WriteByte('\n')
		}
	}
	return b.String()
}
