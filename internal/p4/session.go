package p4

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ClientInfo is the subset of "p4 info" the rest of the layer relies on.
type ClientInfo struct {
	User          string `json:"user"`
	Workspace     string `json:"workspace"`
	Root          string `json:"root"`
	Host          string `json:"host,omitempty"`
	ServerAddress string `json:"serverAddress"`
	ServerVersion string `json:"serverVersion,omitempty"`
}

// Session scopes queries to one workspace and caches its ClientInfo.
// Switching workspace yields a new Session so a stale cache is never reused.
type Session struct {
	workspace string

	mu   sync.Mutex
	info *ClientInfo
}

func NewSession(workspace string) *Session {
	return &Session{workspace: workspace}
}

func (s *Session) Workspace() string {
	return s.workspace
}

// Switch returns a fresh session bound to workspace.
func (s *Session) Switch(workspace string) *Session {
	return NewSession(workspace)
}

// Client exposes typed p4 queries and operations on top of a Runner.
type Client struct {
	runner Runner
	limit  int
	logger *slog.Logger
}

// NewClient returns a Client that fans multi-item queries out to at most
// queryLimit concurrent p4 processes.
func NewClient(runner Runner, queryLimit int, logger *slog.Logger) *Client {
	if queryLimit <= 0 {
		queryLimit = 1
	}
	return &Client{runner: runner, limit: queryLimit, logger: logger}
}

func (c *Client) run(ctx context.Context, sess *Session, args ...string) (string, error) {
	return c.runner.Run(ctx, Invocation{Args: args, Workspace: sess.Workspace()})
}

func (c *Client) runTagged(ctx context.Context, sess *Session, mode TagMode, args ...string) (string, error) {
	return c.runner.Run(ctx, Invocation{Args: args, Workspace: sess.Workspace(), Tagged: mode})
}

// Info returns the session's ClientInfo, querying p4 on first use.
func (c *Client) Info(ctx context.Context, sess *Session) (*ClientInfo, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.info != nil {
		info := *sess.info
		return &info, nil
	}

	out, err := c.run(ctx, sess, "info")
	if err != nil {
		return nil, fmt.Errorf("p4 info: %w", err)
	}
	if err := DetectError(out); err != nil {
		return nil, fmt.Errorf("p4 info: %w", err)
	}

	fields := parseFields(out)
	info := &ClientInfo{
		User:          fields["User name"],
		Workspace:     fields["Client name"],
		Root:          fields["Client root"],
		Host:          fields["Client host"],
		ServerAddress: fields["Server address"],
		ServerVersion: fields["Server version"],
	}
	if info.Workspace == "*unknown*" {
		info.Workspace = ""
	}
	if sess.Workspace() != "" {
		info.Workspace = sess.Workspace()
	}
	sess.info = info
	cp := *info
	return &cp, nil
}

// parseFields reads "Key: value" lines. Indented continuation lines and
// lines without a colon are skipped; the first occurrence of a key wins.
func parseFields(out string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || line[0] == ' ' || line[0] == '\t' || line[0] == '#' {
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok || key == "" {
			continue
		}
		if _, seen := fields[key]; !seen {
			fields[key] = strings.TrimSpace(val)
		}
	}
	return fields
}
