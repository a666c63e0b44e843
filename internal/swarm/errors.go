package swarm

import "errors"

var (
	// ErrAuthentication means no cached user and ticket were available, or
	// the service rejected them.
	ErrAuthentication = errors.New("review service authentication required")

	// ErrNetworkTimeout means the service did not answer within the client
	// timeout.
	ErrNetworkTimeout = errors.New("review service timed out")

	// ErrNotConfigured means no service URL is known.
	ErrNotConfigured = errors.New("review service not configured")
)
