package reconcile

import "errors"

var (
	// ErrSafetyLimit aborts a full reconcile whose preview exceeds the
	// configured ceiling.
	ErrSafetyLimit = errors.New("reconcile candidate count exceeds safety limit")

	// ErrNoWorkspaceRoot means the request has no root to scan.
	ErrNoWorkspaceRoot = errors.New("workspace root unknown")
)
