package p4

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// Stream is a branch in a stream depot, or a pseudo-stream standing in for
// a top-level directory of a classic depot.
type Stream struct {
	Path        string `json:"path"`
	Name        string `json:"name"`
	Parent      string `json:"parent,omitempty"`
	Type        string `json:"type"`
	Owner       string `json:"owner,omitempty"`
	Description string `json:"description,omitempty"`
	Pseudo      bool   `json:"pseudo,omitempty"`
}

// HasParent reports whether the stream declares a parent.
func (s Stream) HasParent() bool {
	return s.Parent != "" && s.Parent != "none"
}

type Workspace struct {
	Name        string   `json:"name"`
	Owner       string   `json:"owner,omitempty"`
	Host        string   `json:"host,omitempty"`
	Root        string   `json:"root"`
	Stream      string   `json:"stream,omitempty"`
	Description string   `json:"description,omitempty"`
	View        []string `json:"view,omitempty"`
}

type Depot struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Map         string `json:"map,omitempty"`
	Description string `json:"description,omitempty"`
}

// IsStream reports whether the depot holds streams.
func (d Depot) IsStream() bool {
	return d.Type == "stream"
}

// Direction is the flow of a pending integration between a stream and its
// parent.
type Direction string

const (
	MergeDown Direction = "merge-down"
	CopyUp    Direction = "copy-up"
)

// StreamRelation counts changes waiting to flow between two streams.
type StreamRelation struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Direction Direction `json:"direction"`
	Pending   int       `json:"pending"`
}

// parseSpec reads a p4 spec form such as "client -o". Single-line fields are
// "Key: value"; a key with an empty value collects the indented lines that
// follow it.
func parseSpec(out string) (map[string]string, map[string][]string) {
	fields := make(map[string]string)
	blocks := make(map[string][]string)
	var block string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(line, "#") {
			continue
		}
		if line != "" && (line[0] == '\t' || line[0] == ' ') {
			if block != "" {
				if t := strings.TrimSpace(line); t != "" {
					blocks[block] = append(blocks[block], t)
				}
			}
			continue
		}
		block = ""
		key, val, ok := strings.Cut(line, ":")
		if !ok || key == "" || strings.Contains(key, " ") {
			continue
		}
		val = strings.TrimSpace(val)
		if val == "" {
			block = key
			continue
		}
		fields[key] = val
	}
	return fields, blocks
}

func (c *Client) Depots(ctx context.Context, sess *Session) ([]Depot, error) {
	out, err := c.runTagged(ctx, sess, TagDotted, "depots")
	if err != nil {
		return nil, fmt.Errorf("list depots: %w", err)
	}
	if err := DetectError(out); err != nil {
		return nil, fmt.Errorf("list depots: %w", err)
	}
	var depots []Depot
	for _, rec := range ParseDotted(out, "name") {
		if rec["name"] == "" {
			continue
		}
		depots = append(depots, Depot{
			Name:        rec["name"],
			Type:        rec["type"],
			Map:         rec["map"],
			Description: strings.TrimSpace(rec["desc"]),
		})
	}
	return depots, nil
}

// Streams lists the streams of depot, e.g. "//games".
func (c *Client) Streams(ctx context.Context, sess *Session, depot string) ([]Stream, error) {
	out, err := c.runTagged(ctx, sess, TagDotted, "streams", strings.TrimSuffix(depot, "/")+"/...")
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	if err := DetectError(out); err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	var streams []Stream
	for _, rec := range ParseDotted(out, "Stream") {
		if rec["Stream"] == "" {
			continue
		}
		streams = append(streams, streamFromFields(rec))
	}
	return streams, nil
}

func streamFromFields(f map[string]string) Stream {
	s := Stream{
		Path:        f["Stream"],
		Name:        f["Name"],
		Parent:      f["Parent"],
		Type:        f["Type"],
		Owner:       f["Owner"],
		Description: strings.TrimSpace(f["Description"]),
	}
	if s.Description == "" {
		s.Description = strings.TrimSpace(f["desc"])
	}
	if s.Name == "" {
		s.Name = path.Base(s.Path)
	}
	if s.Parent == "none" {
		s.Parent = ""
	}
	return s
}

// StreamSpec reads a single stream with "stream -o".
func (c *Client) StreamSpec(ctx context.Context, sess *Session, stream string) (*Stream, error) {
	out, err := c.run(ctx, sess, "stream", "-o", stream)
	if err != nil {
		return nil, fmt.Errorf("stream spec %s: %w", stream, err)
	}
	if err := DetectError(out); err != nil {
		return nil, fmt.Errorf("stream spec %s: %w", stream, err)
	}
	fields, blocks := parseSpec(out)
	if fields["Stream"] == "" {
		return nil, fmt.Errorf("stream spec %s: no Stream field", stream)
	}
	if fields["Description"] == "" {
		fields["Description"] = strings.Join(blocks["Description"], "\n")
	}
	s := streamFromFields(fields)
	return &s, nil
}

// Workspaces lists workspaces bound to stream. An empty stream lists every
// workspace owned by the session user.
func (c *Client) Workspaces(ctx context.Context, sess *Session, stream string) ([]Workspace, error) {
	args := []string{"clients"}
	if stream != "" {
		args = append(args, "-S", stream)
	} else {
		info, err := c.Info(ctx, sess)
		if err != nil {
			return nil, err
		}
		args = append(args, "-u", info.User)
	}
	out, err := c.runTagged(ctx, sess, TagDotted, args...)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	if err := DetectError(out); err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	var workspaces []Workspace
	for _, rec := range ParseDotted(out, "client") {
		if rec["client"] == "" {
			continue
		}
		workspaces = append(workspaces, Workspace{
			Name:        rec["client"],
			Owner:       rec["Owner"],
			Host:        rec["Host"],
			Root:        rec["Root"],
			Stream:      rec["Stream"],
			Description: strings.TrimSpace(rec["Description"]),
		})
	}
	return workspaces, nil
}

// Workspace reads the full spec of workspace name with "client -o".
func (c *Client) Workspace(ctx context.Context, sess *Session, name string) (*Workspace, error) {
	out, err := c.run(ctx, sess, "client", "-o", name)
	if err != nil {
		return nil, fmt.Errorf("workspace %s: %w", name, err)
	}
	if err := DetectError(out); err != nil {
		return nil, fmt.Errorf("workspace %s: %w", name, err)
	}
	fields, blocks := parseSpec(out)
	if fields["Client"] == "" {
		return nil, fmt.Errorf("workspace %s: no Client field", name)
	}
	return &Workspace{
		Name:        fields["Client"],
		Owner:       fields["Owner"],
		Host:        fields["Host"],
		Root:        fields["Root"],
		Stream:      fields["Stream"],
		Description: strings.Join(blocks["Description"], "\n"),
		View:        blocks["View"],
	}, nil
}

// Dirs lists depot directories matching pattern, e.g. "//depot/*".
func (c *Client) Dirs(ctx context.Context, sess *Session, pattern string) ([]string, error) {
	out, err := c.run(ctx, sess, "dirs", pattern)
	if err != nil {
		return nil, fmt.Errorf("dirs %s: %w", pattern, err)
	}
	if err := DetectError(out); err != nil {
		return nil, fmt.Errorf("dirs %s: %w", pattern, err)
	}
	var dirs []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "//") && !strings.Contains(line, " - ") {
			dirs = append(dirs, line)
		}
	}
	return dirs, nil
}

// PendingCount counts changes not yet integrated between stream and its
// parent in the given direction.
func (c *Client) PendingCount(ctx context.Context, sess *Session, stream string, dir Direction) (int, error) {
	args := []string{"interchanges"}
	if dir == MergeDown {
		args = append(args, "-r")
	}
	args = append(args, "-S", stream)

	out, err := c.run(ctx, sess, args...)
	if err != nil {
		return 0, fmt.Errorf("interchanges %s %s: %w", dir, stream, err)
	}
	if err := DetectError(out); err != nil {
		return 0, fmt.Errorf("interchanges %s %s: %w", dir, stream, err)
	}
	n := 0
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "Change ") {
			n++
		}
	}
	return n, nil
}
