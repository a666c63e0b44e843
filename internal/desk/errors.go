package desk

import "errors"

// ErrNoWorkspace means the operation needs a workspace and none is active.
var ErrNoWorkspace = errors.New("no active workspace")
