package p4

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type ChangeStatus string

const (
	StatusPending   ChangeStatus = "pending"
	StatusSubmitted ChangeStatus = "submitted"
	StatusShelved   ChangeStatus = "shelved"
)

// DefaultChange is the reserved pending changelist every workspace has.
const DefaultChange = 0

// Changelist is one entry of a changes listing.
type Changelist struct {
	Number      int          `json:"number"`
	Status      ChangeStatus `json:"status"`
	Description string       `json:"description"`
	User        string       `json:"user"`
	Workspace   string       `json:"workspace"`
	Date        time.Time    `json:"date,omitzero"`
	ReviewID    int          `json:"reviewId,omitempty"`
}

// IsDefault reports whether this is the default changelist.
func (c Changelist) IsDefault() bool {
	return c.Number == DefaultChange
}

var (
	// Change 123 on 2024/01/02 10:11:12 by user@ws *pending*
	changeHeaderRe = regexp.MustCompile(`^Change (\d+) on (\d{4}/\d{2}/\d{2})(?: (\d{2}:\d{2}:\d{2}))? by (\S+)@(\S+)(?: \*(pending|submitted|shelved)\*)?`)

	// Short form without -l: description inline in quotes.
	changeShortRe = regexp.MustCompile(`^Change (\d+) on (\d{4}/\d{2}/\d{2})(?: (\d{2}:\d{2}:\d{2}))? by (\S+)@(\S+)(?: \*(pending|submitted|shelved)\*)? '(.*)'$`)
)

// parseDate accepts p4's yyyy/mm/dd with an optional hh:mm:ss.
func parseDate(day, clock string) time.Time {
	if clock != "" {
		t, err := time.ParseInLocation("2006/01/02 15:04:05", day+" "+clock, time.Local)
		if err == nil {
			return t
		}
	}
	t, err := time.ParseInLocation("2006/01/02", day, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ParseChanges parses "p4 changes -l" output. The description of each entry
// is every line between its header and the next header, trimmed and joined.
// status is used for entries whose header carries no status marker.
func ParseChanges(out string, status ChangeStatus) []Changelist {
	var (
		changes []Changelist
		cur     *Changelist
		desc    []string
	)
	flush := func() {
		if cur == nil {
			return
		}
		if cur.Description == "" {
			cur.Description = strings.TrimSpace(strings.Join(desc, "\n"))
		}
		changes = append(changes, *cur)
		cur, desc = nil, nil
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if m := changeShortRe.FindStringSubmatch(line); m != nil {
			flush()
			cur = newChange(m, status)
			cur.Description = strings.TrimSpace(m[7])
			continue
		}
		if m := changeHeaderRe.FindStringSubmatch(line); m != nil {
			flush()
			cur = newChange(m, status)
			continue
		}
		if cur != nil {
			if t := strings.TrimSpace(line); t != "" {
				desc = append(desc, t)
			}
		}
	}
	flush()
	return changes
}

func newChange(m []string, status ChangeStatus) *Changelist {
	n, _ := strconv.Atoi(m[1])
	c := &Changelist{
		Number:    n,
		Status:    status,
		User:      m[4],
		Workspace: m[5],
		Date:      parseDate(m[2], m[3]),
	}
	if m[6] != "" {
		c.Status = ChangeStatus(m[6])
	}
	return c
}

// PendingChanges lists the workspace's pending changelists. The default
// changelist is always first, even when p4 reports nothing.
func (c *Client) PendingChanges(ctx context.Context, sess *Session) ([]Changelist, error) {
	info, err := c.Info(ctx, sess)
	if err != nil {
		return nil, err
	}

	changes := []Changelist{{
		Number:      DefaultChange,
		Status:      StatusPending,
		Description: "default",
		User:        info.User,
		Workspace:   info.Workspace,
	}}

	if info.Workspace == "" {
		return changes, nil
	}
	out, err := c.run(ctx, sess, "changes", "-s", "pending", "-l", "-t", "-c", info.Workspace)
	if err != nil {
		return nil, fmt.Errorf("list pending changes: %w", err)
	}
	if err := DetectError(out); err != nil {
		return nil, fmt.Errorf("list pending changes: %w", err)
	}
	for _, ch := range ParseChanges(out, StatusPending) {
		if ch.Number != DefaultChange {
			changes = append(changes, ch)
		}
	}
	return changes, nil
}

// SubmittedChanges lists up to max submitted changelists touching path.
// An empty path means the whole workspace.
func (c *Client) SubmittedChanges(ctx context.Context, sess *Session, path string, max int) ([]Changelist, error) {
	if path == "" {
		path = "//" + sess.Workspace() + "/..."
	}
	args := []string{"changes", "-s", "submitted", "-l", "-t"}
	if max > 0 {
		args = append(args, "-m", strconv.Itoa(max))
	}
	args = append(args, path)

	out, err := c.run(ctx, sess, args...)
	if err != nil {
		return nil, fmt.Errorf("list submitted changes: %w", err)
	}
	if err := DetectError(out); err != nil {
		return nil, fmt.Errorf("list submitted changes: %w", err)
	}
	return ParseChanges(out, StatusSubmitted), nil
}
