package p4

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/marcin-skalski/p4desk/internal/diffnorm"
)

// DiffResult holds both sides of a file change and its normalized hunks.
type DiffResult struct {
	Path      string `json:"path"`
	DepotPath string `json:"depotPath"`
	Before    string `json:"before"`
	After     string `json:"after"`
	Hunks     string `json:"hunks"`
}

// FileDiff compares an open or shelved file against its base revision. For
// open files the after side is the local file; for shelved files it is the
// shelved revision.
func (c *Client) FileDiff(ctx context.Context, sess *Session, f FileStatus) (*DiffResult, error) {
	res := &DiffResult{Path: f.LocalPath, DepotPath: f.DepotPath}
	if f.Shelved {
		if err := c.shelvedDiff(ctx, sess, f, res); err != nil {
			return nil, err
		}
		return res, nil
	}

	var err error
	if !isAddAction(f.Action) {
		if res.Before, err = c.print(ctx, sess, fmt.Sprintf("%s#have", f.DepotPath)); err != nil {
			return nil, err
		}
	}
	if !isDeleteAction(f.Action) {
		data, err := os.ReadFile(f.LocalPath)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", f.LocalPath, err)
		}
		res.After = string(data)
	}

	switch {
	case isAddAction(f.Action):
		res.Hunks = diffnorm.SynthesizeAdd(f.DepotPath, f.Rev, res.After)
	case isDeleteAction(f.Action):
		res.Hunks = diffnorm.SynthesizeDelete(f.DepotPath, f.Rev, res.Before)
	default:
		out, err := c.run(ctx, sess, "diff", "-du", f.DepotPath)
		if err != nil {
			return nil, fmt.Errorf("diff %s: %w", f.DepotPath, err)
		}
		res.Hunks = diffnorm.Relabel(f.DepotPath, f.Rev, string(f.Action), out)
	}
	res.Hunks = diffnorm.Normalize(res.Hunks)
	return res, nil
}

func (c *Client) shelvedDiff(ctx context.Context, sess *Session, f FileStatus, res *DiffResult) error {
	base := fmt.Sprintf("%s#%d", f.DepotPath, f.Rev)
	shelf := fmt.Sprintf("%s@=%d", f.DepotPath, f.Change)

	var err error
	if !isAddAction(f.Action) && f.Rev > 0 {
		if res.Before, err = c.print(ctx, sess, base); err != nil {
			return err
		}
	}
	if !isDeleteAction(f.Action) {
		if res.After, err = c.print(ctx, sess, shelf); err != nil {
			return err
		}
	}

	switch {
	case isAddAction(f.Action) || f.Rev == 0:
		res.Hunks = diffnorm.SynthesizeAdd(f.DepotPath, f.Rev, res.After)
	case isDeleteAction(f.Action):
		res.Hunks = diffnorm.SynthesizeDelete(f.DepotPath, f.Rev, res.Before)
	default:
		out, err := c.diff2(ctx, sess, base, shelf)
		if err != nil {
			return err
		}
		res.Hunks = diffnorm.Relabel(f.DepotPath, f.Rev, string(f.Action), out)
	}
	res.Hunks = diffnorm.Normalize(res.Hunks)
	return nil
}

func (c *Client) print(ctx context.Context, sess *Session, spec string) (string, error) {
	out, err := c.run(ctx, sess, "print", "-q", spec)
	if err != nil {
		return "", fmt.Errorf("print %s: %w", spec, err)
	}
	if err := DetectError(out); err != nil {
		return "", fmt.Errorf("print %s: %w", spec, err)
	}
	if err := DetectFileError(out); err != nil {
		return "", fmt.Errorf("print %s: %w", spec, err)
	}
	return out, nil
}

// diff2 compares two file revisions.
func (c *Client) diff2(ctx context.Context, sess *Session, left, right string) (string, error) {
	out, err := c.run(ctx, sess, "diff2", "-du", left, right)
	if err != nil {
		return "", fmt.Errorf("diff2 %s %s: %w", left, right, err)
	}
	if err := DetectError(out); err != nil {
		return "", fmt.Errorf("diff2 %s %s: %w", left, right, err)
	}
	if err := DetectFileError(out); err != nil {
		return "", fmt.Errorf("diff2 %s %s: %w", left, right, err)
	}
	return out, nil
}

func isAddAction(a Action) bool {
	return a == ActionAdd || a == ActionBranch || a == ActionMoveAdd
}

func isDeleteAction(a Action) bool {
	return a == ActionDelete || a == ActionMoveDelete
}
