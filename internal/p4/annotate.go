package p4

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// AnnotatedLine attributes one line of a file to the change that last
// touched it. Line numbers are 1-based and dense.
type AnnotatedLine struct {
	Line    int       `json:"line"`
	Change  int       `json:"change"`
	User    string    `json:"user"`
	Date    time.Time `json:"date,omitzero"`
	Content string    `json:"content"`
}

var (
	// 1234: alice 2024/01/02 content
	annotateLineRe = regexp.MustCompile(`^(\d+):\s+(\S+)\s+(\d{4}/\d{2}/\d{2})(?:\s(.*))?$`)

	// //depot/a.c#3 - edit change 1234 (text)
	annotateHeaderRe = regexp.MustCompile(`^//\S.*#\d+ - `)
)

// ParseAnnotate parses "p4 annotate -c -u" output. A line that matches
// neither the attribution pattern nor a file header continues the previous
// line's attribution; such lines before any attribution are dropped.
func ParseAnnotate(out string) []AnnotatedLine {
	out = strings.TrimSuffix(strings.ReplaceAll(out, "\r\n", "\n"), "\n")
	if out == "" {
		return nil
	}

	var (
		lines []AnnotatedLine
		prev  *AnnotatedLine
	)
	for _, text := range strings.Split(out, "\n") {
		if annotateHeaderRe.MatchString(text) {
			continue
		}
		if m := annotateLineRe.FindStringSubmatch(text); m != nil {
			change, _ := strconv.Atoi(m[1])
			lines = append(lines, AnnotatedLine{
				Line:    len(lines) + 1,
				Change:  change,
				User:    m[2],
				Date:    parseDate(m[3], ""),
				Content: m[4],
			})
			prev = &lines[len(lines)-1]
			continue
		}
		if prev == nil {
			continue
		}
		lines = append(lines, AnnotatedLine{
			Line:    len(lines) + 1,
			Change:  prev.Change,
			User:    prev.User,
			Date:    prev.Date,
			Content: text,
		})
		prev = &lines[len(lines)-1]
	}
	return lines
}

// Annotate returns per-line attribution for path.
func (c *Client) Annotate(ctx context.Context, sess *Session, path string) ([]AnnotatedLine, error) {
	out, err := c.run(ctx, sess, "annotate", "-c", "-u", "-q", path)
	if err != nil {
		return nil, fmt.Errorf("annotate %s: %w", path, err)
	}
	if err := DetectError(out); err != nil {
		return nil, fmt.Errorf("annotate %s: %w", path, err)
	}
	return ParseAnnotate(out), nil
}
