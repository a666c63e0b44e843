package p4

import (
	"context"
	"fmt"
	"strconv"

	"github.com/marcin-skalski/p4desk/internal/fanout"
)

// Action is the pending action on an open file.
type Action string

const (
	ActionAdd        Action = "add"
	ActionEdit       Action = "edit"
	ActionDelete     Action = "delete"
	ActionBranch     Action = "branch"
	ActionMoveAdd    Action = "move/add"
	ActionMoveDelete Action = "move/delete"
	ActionIntegrate  Action = "integrate"
)

// FileStatus is an open or shelved file. DepotPath identifies it.
type FileStatus struct {
	DepotPath string `json:"depotPath"`
	LocalPath string `json:"localPath"`
	Action    Action `json:"action"`
	Change    int    `json:"change"`
	Type      string `json:"type"`
	Rev       int    `json:"rev"`
	Shelved   bool   `json:"shelved"`
}

// fileStatusFromRecord maps an fstat record. Records without a depot path
// are malformed and reported as !ok.
func fileStatusFromRecord(rec Record, shelved bool) (FileStatus, bool) {
	depot := rec["depotFile"]
	if depot == "" {
		return FileStatus{}, false
	}
	local := rec["path"]
	if local == "" {
		local = rec["clientFile"]
	}
	fs := FileStatus{
		DepotPath: depot,
		LocalPath: local,
		Action:    Action(rec["action"]),
		Type:      rec["type"],
		Shelved:   shelved,
	}
	if fs.Type == "" {
		fs.Type = rec["headType"]
	}
	if ch := rec["change"]; ch != "" && ch != "default" {
		fs.Change, _ = strconv.Atoi(ch)
	}
	fs.Rev = rec.Int("workRev")
	if fs.Rev == 0 {
		fs.Rev = rec.Int("haveRev")
	}
	if fs.Rev == 0 {
		fs.Rev = rec.Int("headRev")
	}
	return fs, true
}

// ParseFileStatuses parses dotted fstat output.
func ParseFileStatuses(out string, shelved bool) []FileStatus {
	var files []FileStatus
	for _, rec := range ParseDotted(out, "depotFile") {
		if fs, ok := fileStatusFromRecord(rec, shelved); ok {
			files = append(files, fs)
		}
	}
	return files
}

// mergeFileStatuses appends each batch in order, keeping the first sighting
// of every depot path.
func mergeFileStatuses(batches ...[]FileStatus) []FileStatus {
	seen := make(map[string]bool)
	var merged []FileStatus
	for _, batch := range batches {
		for _, fs := range batch {
			if seen[fs.DepotPath] {
				continue
			}
			seen[fs.DepotPath] = true
			merged = append(merged, fs)
		}
	}
	return merged
}

// FileStatuses lists files open in the workspace followed by files shelved
// in its numbered pending changelists. A file both open and shelved is
// reported once, as open. A shelved pass that fails is logged and skipped.
func (c *Client) FileStatuses(ctx context.Context, sess *Session) ([]FileStatus, error) {
	info, err := c.Info(ctx, sess)
	if err != nil {
		return nil, err
	}
	if info.Workspace == "" {
		return nil, nil
	}
	scope := "//" + info.Workspace + "/..."

	out, err := c.runTagged(ctx, sess, TagDotted, "fstat", "-Ro", "-Op", scope)
	if err != nil {
		return nil, fmt.Errorf("fstat opened: %w", err)
	}
	if err := DetectError(out); err != nil {
		return nil, fmt.Errorf("fstat opened: %w", err)
	}
	opened := ParseFileStatuses(out, false)

	changes, err := c.PendingChanges(ctx, sess)
	if err != nil {
		return nil, err
	}
	var numbered []int
	for _, ch := range changes {
		if !ch.IsDefault() {
			numbered = append(numbered, ch.Number)
		}
	}

	shelved, err := fanout.Map(ctx, numbered, c.limit, func(ctx context.Context, n int) ([]FileStatus, error) {
		out, err := c.runTagged(ctx, sess, TagDotted, "fstat", "-Rs", "-e", strconv.Itoa(n), "-Op", scope)
		if err != nil {
			c.logger.Debug("fstat shelved failed", "change", n, "error", err)
			return nil, nil
		}
		files := ParseFileStatuses(out, true)
		for i := range files {
			if files[i].Change == 0 {
				files[i].Change = n
			}
		}
		return files, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fstat shelved: %w", err)
	}

	return mergeFileStatuses(append([][]FileStatus{opened}, shelved...)...), nil
}
