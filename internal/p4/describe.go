package p4

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/marcin-skalski/p4desk/internal/diffnorm"
	"github.com/marcin-skalski/p4desk/internal/fanout"
)

// DescribedFile is one file listed by "p4 describe".
type DescribedFile struct {
	DepotPath string `json:"depotPath"`
	Rev       int    `json:"rev"`
	Action    Action `json:"action"`
}

// ChangeDetail is a parsed "p4 describe" with its normalized diff.
type ChangeDetail struct {
	Changelist
	Files   []DescribedFile `json:"files"`
	Shelved bool            `json:"shelved"`
	Diff    string          `json:"diff"`
}

var (
	// Change 42 by alice@ws on 2024/01/02 10:11:12 *pending*
	describeHeaderRe = regexp.MustCompile(`^Change (\d+) by (\S+)@(\S+) on (\d{4}/\d{2}/\d{2})(?: (\d{2}:\d{2}:\d{2}))?(?: \*(pending|submitted|shelved)\*)?`)
	describeFileRe   = regexp.MustCompile(`^\.\.\. (//.+?)#(\d+) (\S+)`)
)

type describeSection int

const (
	sectionHeader describeSection = iota
	sectionDescription
	sectionFiles
	sectionDiff
)

// ParseDescribe parses the text of "p4 describe -du". The returned Diff is
// the raw text following the "Differences ..." marker, not yet normalized.
func ParseDescribe(out string) (*ChangeDetail, error) {
	var (
		detail  ChangeDetail
		desc    []string
		diff    []string
		section = sectionHeader
	)

	for _, line := range strings.Split(strings.ReplaceAll(out, "\r\n", "\n"), "\n") {
		switch section {
		case sectionHeader:
			m := describeHeaderRe.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			detail.Number, _ = strconv.Atoi(m[1])
			detail.User = m[2]
			detail.Workspace = m[3]
			detail.Date = parseDate(m[4], m[5])
			detail.Status = StatusSubmitted
			if m[6] != "" {
				detail.Status = ChangeStatus(m[6])
			}
			section = sectionDescription

		case sectionDescription:
			if marker, ok := filesMarker(line); ok {
				detail.Shelved = marker == "Shelved files ..."
				section = sectionFiles
				continue
			}
			if isDiffMarker(line) {
				section = sectionDiff
				continue
			}
			if t := strings.TrimSpace(line); t != "" {
				desc = append(desc, t)
			}

		case sectionFiles:
			if isDiffMarker(line) {
				section = sectionDiff
				continue
			}
			if _, ok := filesMarker(line); ok {
				continue
			}
			if m := describeFileRe.FindStringSubmatch(line); m != nil {
				rev, _ := strconv.Atoi(m[2])
				detail.Files = append(detail.Files, DescribedFile{DepotPath: m[1], Rev: rev, Action: Action(m[3])})
			}

		case sectionDiff:
			diff = append(diff, line)
		}
	}

	if section == sectionHeader {
		return nil, fmt.Errorf("parse describe: no change header")
	}
	detail.Description = strings.Join(desc, "\n")
	detail.Diff = strings.TrimSpace(strings.Join(diff, "\n"))
	return &detail, nil
}

func filesMarker(line string) (string, bool) {
	t := strings.TrimSpace(line)
	if t == "Affected files ..." || t == "Shelved files ..." {
		return t, true
	}
	return "", false
}

func isDiffMarker(line string) bool {
	t := strings.TrimSpace(line)
	return t == "Differences ..." || t == "Shelved differences ..."
}

// Describe returns changelist n with a diff covering every listed file.
// Files p4 omits from the diff get a supplemental block: adds are synthesized
// from file content and edits are compared against the previous revision.
// A supplement that fails is logged and left out.
func (c *Client) Describe(ctx context.Context, sess *Session, n int, shelved bool) (*ChangeDetail, error) {
	args := []string{"describe", "-du"}
	if shelved {
		args = append(args, "-S")
	}
	args = append(args, strconv.Itoa(n))

	out, err := c.run(ctx, sess, args...)
	if err != nil {
		return nil, fmt.Errorf("describe %d: %w", n, err)
	}
	if err := DetectError(out); err != nil {
		return nil, fmt.Errorf("describe %d: %w", n, err)
	}
	detail, err := ParseDescribe(out)
	if err != nil {
		return nil, fmt.Errorf("describe %d: %w", n, err)
	}
	if shelved {
		detail.Shelved = true
	}

	var missing []DescribedFile
	for _, f := range detail.Files {
		if !diffnorm.HasBlock(detail.Diff, f.DepotPath) {
			missing = append(missing, f)
		}
	}

	extra, err := fanout.Map(ctx, missing, c.limit, func(ctx context.Context, f DescribedFile) (string, error) {
		block, err := c.supplement(ctx, sess, n, detail.Shelved, f)
		if err != nil {
			c.logger.Debug("describe supplement failed", "change", n, "path", f.DepotPath, "error", err)
			return "", nil
		}
		return block, nil
	})
	if err != nil {
		return nil, fmt.Errorf("describe %d: %w", n, err)
	}

	parts := []string{detail.Diff}
	for _, block := range extra {
		if block != "" {
			parts = append(parts, block)
		}
	}
	detail.Diff = diffnorm.Normalize(strings.Join(parts, "\n"))
	return detail, nil
}

func (c *Client) supplement(ctx context.Context, sess *Session, n int, shelved bool, f DescribedFile) (string, error) {
	switch {
	case isAddAction(f.Action):
		spec := fmt.Sprintf("%s#%d", f.DepotPath, f.Rev)
		if shelved {
			spec = fmt.Sprintf("%s@=%d", f.DepotPath, n)
		}
		content, err := c.print(ctx, sess, spec)
		if err != nil {
			return "", err
		}
		return diffnorm.SynthesizeAdd(f.DepotPath, f.Rev, content), nil

	case f.Action == ActionEdit || f.Action == ActionIntegrate:
		var left, right string
		switch {
		case shelved && f.Rev >= 1:
			left, right = fmt.Sprintf("%s#%d", f.DepotPath, f.Rev), fmt.Sprintf("%s@=%d", f.DepotPath, n)
		case !shelved && f.Rev > 1:
			left, right = fmt.Sprintf("%s#%d", f.DepotPath, f.Rev-1), fmt.Sprintf("%s#%d", f.DepotPath, f.Rev)
		default:
			return "", nil
		}
		out, err := c.diff2(ctx, sess, left, right)
		if err != nil {
			return "", err
		}
		return diffnorm.Relabel(f.DepotPath, f.Rev, string(f.Action), out), nil
	}
	return "", nil
}
