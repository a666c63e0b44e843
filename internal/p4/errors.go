package p4

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuthentication indicates the server rejected or lacks a cached login.
	ErrAuthentication = errors.New("perforce authentication required")

	// ErrToolReported indicates p4 printed an error message in its output.
	ErrToolReported = errors.New("p4 reported an error")

	// ErrNoTicket indicates no cached ticket exists for the current user.
	ErrNoTicket = errors.New("no cached ticket")
)

// ExternalToolError is returned when p4 exits non-zero without producing any
// output, or could not be started at all.
type ExternalToolError struct {
	Args     []string
	ExitCode int
	Err      error
}

func (e *ExternalToolError) Error() string {
	return fmt.Sprintf("p4 %s: exit %d: %v", strings.Join(e.Args, " "), e.ExitCode, e.Err)
}

func (e *ExternalToolError) Unwrap() error {
	return e.Err
}

// authMarkers are printed by p4 when no usable login ticket exists.
var authMarkers = []string{
	"Perforce password (P4PASSWD) invalid or unset",
	"Your session has expired, please login again",
	"Password invalid.",
}

// failureMarkers are printed by p4 for errors it may still exit 0 on.
var failureMarkers = []string{
	"Perforce client error:",
	"Connect to server failed",
	"unknown - use 'client' command to create it",
	"You don't have permission for this operation",
	"Submit aborted",
	"No files to submit",
}

// fileErrorMarkers follow "<path> - " when p4 cannot act on one file. They
// arrive as the whole output of per-file commands like print and diff2.
var fileErrorMarkers = []string{
	"no such file(s).",
	"file(s) not in client view.",
	"protected namespace - access denied.",
	"no file(s) at that changelist number.",
	"no file(s) at that revision.",
}

// DetectFileError reports output that is a single per-file p4 error such as
// "//d/a.c#1 - no such file(s).". File content that merely mentions the
// text is not an error.
func DetectFileError(text string) error {
	line := strings.TrimSpace(text)
	if line == "" || strings.Contains(line, "\n") || !strings.HasPrefix(line, "//") {
		return nil
	}
	_, msg, ok := strings.Cut(line, " - ")
	if !ok {
		return nil
	}
	for _, m := range fileErrorMarkers {
		if strings.HasPrefix(msg, m) {
			return fmt.Errorf("%w: %s", ErrToolReported, line)
		}
	}
	return nil
}

// DetectError scans p4 output for error text p4 reports on its normal
// output channel, which can happen with a zero exit code.
func DetectError(text string) error {
	for _, m := range authMarkers {
		if strings.Contains(text, m) {
			return fmt.Errorf("%w: %s", ErrAuthentication, lineContaining(text, m))
		}
	}
	for _, m := range failureMarkers {
		if strings.Contains(text, m) {
			return fmt.Errorf("%w: %s", ErrToolReported, lineContaining(text, m))
		}
	}
	return nil
}

func lineContaining(text, substr string) string {
	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(line, substr) {
			return strings.TrimSpace(line)
		}
	}
	return substr
}
