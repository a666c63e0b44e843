package p4

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	changeCreatedRe   = regexp.MustCompile(`Change (\d+) created`)
	changeSubmittedRe = regexp.MustCompile(`Change (?:\d+ renamed change )?(\d+)(?: and)? submitted`)
	ticketRe          = regexp.MustCompile(`^(\S+) \((\S+)\) (\S+)$`)
)

// User is a server account.
type User struct {
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	FullName string `json:"fullName,omitempty"`
}

// changeForm renders a new-changelist spec for "change -i".
func changeForm(workspace, user, desc string) string {
	var b strings.Builder
	b.WriteString("Change:\tnew\n\n")
	fmt.Fprintf(&b, "Client:\t%s\n\n", workspace)
	fmt.Fprintf(&b, "User:\t%s\n\n", user)
	b.WriteString("Status:\tnew\n\n")
	b.WriteString("Description:\n")
	for _, line := range strings.Split(strings.TrimSpace(desc), "\n") {
		fmt.Fprintf(&b, "\t%s\n", line)
	}
	return b.String()
}

// NewChangelist creates an empty pending changelist and returns its number.
func (c *Client) NewChangelist(ctx context.Context, sess *Session, desc string) (int, error) {
	info, err := c.Info(ctx, sess)
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(desc) == "" {
		desc = "<enter description here>"
	}
	out, err := c.runner.Run(ctx, Invocation{
		Args:      []string{"change", "-i"},
		Stdin:     changeForm(info.Workspace, info.User, desc),
		Workspace: sess.Workspace(),
	})
	if err != nil {
		return 0, fmt.Errorf("create changelist: %w", err)
	}
	if err := DetectError(out); err != nil {
		return 0, fmt.Errorf("create changelist: %w", err)
	}
	m := changeCreatedRe.FindStringSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("create changelist: %w: %s", ErrToolReported, strings.TrimSpace(out))
	}
	n, _ := strconv.Atoi(m[1])
	return n, nil
}

// Submit submits changelist n and returns the number it was submitted as.
// The default changelist requires desc.
func (c *Client) Submit(ctx context.Context, sess *Session, n int, desc string) (int, error) {
	args := []string{"submit"}
	if n == DefaultChange {
		if strings.TrimSpace(desc) == "" {
			return 0, fmt.Errorf("submit default changelist: description required")
		}
		args = append(args, "-d", desc)
	} else {
		args = append(args, "-c", strconv.Itoa(n))
	}

	out, err := c.run(ctx, sess, args...)
	if err != nil {
		return 0, fmt.Errorf("submit %d: %w", n, err)
	}
	if err := DetectError(out); err != nil {
		return 0, fmt.Errorf("submit %d: %w", n, err)
	}
	m := changeSubmittedRe.FindStringSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("submit %d: %w: %s", n, ErrToolReported, LastLine(out))
	}
	submitted, _ := strconv.Atoi(m[1])
	return submitted, nil
}

// Revert reverts paths and returns the depot paths p4 reported as reverted.
func (c *Client) Revert(ctx context.Context, sess *Session, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	out, err := c.runPaths(ctx, sess, paths, "revert")
	if err != nil {
		return nil, fmt.Errorf("revert: %w", err)
	}
	if err := DetectError(out); err != nil {
		return nil, fmt.Errorf("revert: %w", err)
	}
	return affectedPaths(out, ", reverted"), nil
}

// runPaths runs args with paths passed on stdin through -x, so no path is
// ever parsed as an option.
func (c *Client) runPaths(ctx context.Context, sess *Session, paths []string, args ...string) (string, error) {
	return c.runner.Run(ctx, Invocation{
		Args:      append([]string{"-x", "-"}, args...),
		Stdin:     strings.Join(paths, "\n") + "\n",
		Workspace: sess.Workspace(),
	})
}

// Shelve shelves the files of changelist n, replacing any existing shelf.
func (c *Client) Shelve(ctx context.Context, sess *Session, n int) error {
	if n == DefaultChange {
		return fmt.Errorf("shelve: the default changelist cannot be shelved")
	}
	out, err := c.run(ctx, sess, "shelve", "-r", "-c", strconv.Itoa(n))
	if err != nil {
		return fmt.Errorf("shelve %d: %w", n, err)
	}
	if err := DetectError(out); err != nil {
		return fmt.Errorf("shelve %d: %w", n, err)
	}
	return nil
}

// Unshelve restores the shelved files of n into the same changelist.
func (c *Client) Unshelve(ctx context.Context, sess *Session, n int) error {
	out, err := c.run(ctx, sess, "unshelve", "-s", strconv.Itoa(n), "-c", strconv.Itoa(n))
	if err != nil {
		return fmt.Errorf("unshelve %d: %w", n, err)
	}
	if err := DetectError(out); err != nil {
		return fmt.Errorf("unshelve %d: %w", n, err)
	}
	return nil
}

// Sync brings paths to head. No paths syncs the whole workspace.
func (c *Client) Sync(ctx context.Context, sess *Session, paths []string) ([]string, error) {
	var (
		out string
		err error
	)
	if len(paths) == 0 {
		out, err = c.run(ctx, sess, "sync")
	} else {
		out, err = c.runPaths(ctx, sess, paths, "sync")
	}
	if err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}
	if err := DetectError(out); err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}
	var synced []string
	for _, line := range strings.Split(out, "\n") {
		if p, _, ok := strings.Cut(line, "#"); ok && strings.HasPrefix(p, "//") {
			synced = append(synced, p)
		}
	}
	return synced, nil
}

// Reopen moves paths into changelist n.
func (c *Client) Reopen(ctx context.Context, sess *Session, n int, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	target := "default"
	if n != DefaultChange {
		target = strconv.Itoa(n)
	}
	out, err := c.runPaths(ctx, sess, paths, "reopen", "-c", target)
	if err != nil {
		return fmt.Errorf("reopen to %s: %w", target, err)
	}
	if err := DetectError(out); err != nil {
		return fmt.Errorf("reopen to %s: %w", target, err)
	}
	return nil
}

// Users lists server users from JSON tagged output. p4 reports errors in
// this mode as records with a severity field, which are skipped.
func (c *Client) Users(ctx context.Context, sess *Session) ([]User, error) {
	out, err := c.runTagged(ctx, sess, TagJSON, "users")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	if err := DetectError(out); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	var users []User
	for _, rec := range ParseJSONLines(out) {
		if rec["User"] == "" {
			continue
		}
		users = append(users, User{Name: rec["User"], Email: rec["Email"], FullName: rec["FullName"]})
	}
	return users, nil
}

// Property returns the value of server property name, or "" when unset.
func (c *Client) Property(ctx context.Context, sess *Session, name string) (string, error) {
	out, err := c.runTagged(ctx, sess, TagDotted, "property", "-l", "-n", name)
	if err != nil {
		return "", fmt.Errorf("property %s: %w", name, err)
	}
	if err := DetectError(out); err != nil {
		return "", fmt.Errorf("property %s: %w", name, err)
	}
	for _, rec := range ParseDotted(out, "name") {
		if rec["name"] == name {
			return rec["value"], nil
		}
	}
	return "", nil
}

// Ticket returns the session user's cached login ticket. It only reads the
// ticket file through "p4 tickets" and never logs in.
func (c *Client) Ticket(ctx context.Context, sess *Session) (user, ticket string, err error) {
	info, err := c.Info(ctx, sess)
	if err != nil {
		return "", "", err
	}
	out, err := c.run(ctx, sess, "tickets")
	if err != nil {
		return "", "", fmt.Errorf("read tickets: %w", err)
	}
	// Ticket files key by the address the user connected with, which may
	// be an IP where info reports a host name; fall back to any ticket
	// held by the user.
	var fallback string
	for _, line := range strings.Split(out, "\n") {
		m := ticketRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil || m[2] != info.User {
			continue
		}
		if sameServer(m[1], info.ServerAddress) {
			return info.User, m[3], nil
		}
		if fallback == "" {
			fallback = m[3]
		}
	}
	if fallback != "" {
		return info.User, fallback, nil
	}
	return info.User, "", ErrNoTicket
}

// sameServer compares ticket-file and info addresses, which differ in
// whether they carry a protocol prefix.
func sameServer(a, b string) bool {
	trim := func(s string) string {
		if i := strings.LastIndex(s, ":"); i >= 0 {
			if j := strings.LastIndex(s[:i], ":"); j >= 0 {
				s = s[j+1:]
			}
		}
		return strings.ToLower(s)
	}
	return trim(a) == trim(b)
}

// affectedPaths returns the depot paths of lines ending in suffix.
func affectedPaths(out, suffix string) []string {
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasSuffix(line, suffix) {
			continue
		}
		if p, _, ok := strings.Cut(line, "#"); ok {
			paths = append(paths, p)
		}
	}
	return paths
}

// LastLine returns the last non-empty line of s, trimmed. p4 prints its
// summary or error there.
func LastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
