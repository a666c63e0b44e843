// Package diffnorm cleans unified-diff text produced by p4.
//
// The server occasionally returns the same diff twice, repeats whole file
// blocks, or repeats a hunk inside one file. Normalize removes those
// repetitions without touching legitimate content. Every helper here is a pure
// function of its input.
package diffnorm

import (
	"fmt"
	"strings"
)

// FileSeparator starts every file block in p4 diff output.
const FileSeparator = "==== "

// banners are preamble lines p4 prints ahead of the first file block.
var banners = map[string]bool{
	"Differences ...":         true,
	"Shelved differences ...": true,
}

// Normalize returns diff text with duplicated output removed.
//
// One pass applies, in order: line ending normalization and banner removal,
// trimming, the whole-text halves check, adjacent duplicate block collapse,
// periodic block collapse and duplicate hunk suppression. The first three
// reducing checks end their pass early. Passes repeat until the text stops
// changing, so Normalize(Normalize(x)) == Normalize(x). Each pass either
// returns its input or a strictly shorter (or \r-free) string, which bounds
// the loop.
func Normalize(raw string) string {
	s := raw
	for {
		next := normalizePass(s)
		if next == s {
			return next
		}
		s = next
	}
}

func normalizePass(raw string) string {
	s := normalizeLineEndings(raw)
	s = stripBanners(s)
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if half, ok := selfDuplicated(s); ok {
		return half
	}

	blocks := SplitBlocks(s)
	if deduped := collapseAdjacent(blocks); len(deduped) != len(blocks) {
		return joinBlocks(deduped)
	}
	if p := period(blocks); p < len(blocks) {
		return joinBlocks(blocks[:p])
	}

	return dropRepeatedHunks(joinBlocks(blocks))
}

func normalizeLineEndings(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// stripBanners drops banner lines that appear before the first file block.
func stripBanners(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0:0]
	inPreamble := true
	for _, line := range lines {
		if strings.HasPrefix(line, FileSeparator) {
			inPreamble = false
		}
		if inPreamble && banners[strings.TrimSpace(line)] {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// selfDuplicated reports whether s is exactly two copies of the same text.
func selfDuplicated(s string) (string, bool) {
	if len(s)%2 != 0 {
		return "", false
	}
	mid := len(s) / 2
	if s[:mid] == s[mid:] {
		return s[:mid], true
	}
	return "", false
}

// SplitBlocks splits diff text into file blocks, each starting at a
// FileSeparator line. Text before the first separator forms its own block.
// Trailing blank lines are removed from every block.
func SplitBlocks(s string) []string {
	var blocks []string
	var cur []string
	flush := func() {
		if len(cur) == 0 {
			return
		}
		blocks = append(blocks, strings.TrimRight(strings.Join(cur, "\n"), "\n"))
		cur = nil
	}
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(line, FileSeparator) {
			flush()
		}
		cur = append(cur, line)
	}
	flush()
	return blocks
}

func joinBlocks(blocks []string) string {
	return strings.Join(blocks, "\n")
}

func collapseAdjacent(blocks []string) []string {
	out := make([]string, 0, len(blocks))
	for i, b := range blocks {
		if i > 0 && b == blocks[i-1] {
			continue
		}
		out = append(out, b)
	}
	return out
}

// period returns the smallest p dividing len(blocks) such that the sequence
// is p-periodic, or len(blocks) if there is none.
func period(blocks []string) int {
	n := len(blocks)
	for p := 1; p < n; p++ {
		if n%p != 0 {
			continue
		}
		periodic := true
		for i := p; i < n; i++ {
			if blocks[i] != blocks[i%p] {
				periodic = false
				break
			}
		}
		if periodic {
			return p
		}
	}
	return n
}

// dropRepeatedHunks removes a hunk when the same hunk text was already seen
// in the current file section. The first occurrence is kept.
func dropRepeatedHunks(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	seen := make(map[string]bool)
	var hunk []string

	flushHunk := func() {
		if hunk == nil {
			return
		}
		key := strings.TrimRight(strings.Join(hunk, "\n"), "\n")
		if !seen[key] {
			seen[key] = true
			out = append(out, hunk...)
		}
		hunk = nil
	}

	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, FileSeparator):
			flushHunk()
			clear(seen)
			out = append(out, line)
		case strings.HasPrefix(line, "@@"):
			flushHunk()
			hunk = []string{line}
		case hunk != nil:
			hunk = append(hunk, line)
		default:
			out = append(out, line)
		}
	}
	flushHunk()
	return strings.Join(out, "\n")
}

// Header renders a file separator line in the form p4 describe uses.
func Header(depotPath string, rev int, action string) string {
	return fmt.Sprintf("%s%s#%d (%s) ====", FileSeparator, depotPath, rev, action)
}

// HasBlock reports whether diff contains a file block for depotPath.
func HasBlock(diff, depotPath string) bool {
	prefix := FileSeparator + depotPath + "#"
	for _, line := range strings.Split(normalizeLineEndings(diff), "\n") {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

// Hunks returns the part of a diff starting at its first hunk header, or ""
// if there is none. It is used to re-label p4 diff2 output.
func Hunks(diff string) string {
	s := normalizeLineEndings(diff)
	if strings.HasPrefix(s, "@@") {
		return strings.TrimRight(s, "\n")
	}
	idx := strings.Index(s, "\n@@")
	if idx < 0 {
		return ""
	}
	return strings.TrimRight(s[idx+1:], "\n")
}

// SynthesizeAdd renders a unified-diff block in which every line of content
// is an addition. p4 omits diffs for newly added files; this fills the gap.
func SynthesizeAdd(depotPath string, rev int, content string) string {
	lines := contentLines(content)

	var b strings.Builder
	b.WriteString(Header(depotPath, rev, "add"))
	b.WriteString("\n")
	fmt.Fprintf(&b, "@@ -0,0 +%s @@", hunkRange(len(lines)))
	for _, l := range lines {
		b.WriteString("\n+")
		b.WriteString(l)
	}
	return b.String()
}

// SynthesizeDelete builds a diff block removing every line of content.
func SynthesizeDelete(depotPath string, rev int, content string) string {
	lines := contentLines(content)

	var b strings.Builder
	b.WriteString(Header(depotPath, rev, "delete"))
	b.WriteString("\n")
	fmt.Fprintf(&b, "@@ -%s +0,0 @@", hunkRange(len(lines)))
	for _, l := range lines {
		b.WriteString("\n-")
		b.WriteString(l)
	}
	return b.String()
}

// Relabel puts diff2 hunks under a synthetic file separator so the block
// matches the rest of a describe diff.
func Relabel(depotPath string, rev int, action, diff2 string) string {
	hunks := Hunks(diff2)
	if hunks == "" {
		return ""
	}
	return Header(depotPath, rev, action) + "\n" + hunks
}

func contentLines(content string) []string {
	content = strings.TrimSuffix(normalizeLineEndings(content), "\n")
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}

func hunkRange(n int) string {
	if n == 0 {
		return "0,0"
	}
	return fmt.Sprintf("1,%d", n)
}
