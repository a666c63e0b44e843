// Package graph assembles a depot's streams, their workspaces and pending
// integrations into a single payload.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/marcin-skalski/p4desk/internal/fanout"
	"github.com/marcin-skalski/p4desk/internal/p4"
)

// Graph is the branch topology of one depot. Relations holds only pairs
// with pending changes.
type Graph struct {
	Depot      string              `json:"depot"`
	Streams    []p4.Stream         `json:"streams"`
	Workspaces []p4.Workspace      `json:"workspaces"`
	Relations  []p4.StreamRelation `json:"relations"`
}

// Limits caps concurrent p4 calls per stage. Details bounds workspace spec
// lookups across all streams of one build.
type Limits struct {
	Workspaces int
	Details    int
	Relations  int
}

type Aggregator struct {
	client *p4.Client
	limits Limits
	logger *slog.Logger
}

func New(client *p4.Client, limits Limits, logger *slog.Logger) *Aggregator {
	if limits.Workspaces <= 0 {
		limits.Workspaces = 5
	}
	if limits.Details <= 0 {
		limits.Details = 5
	}
	if limits.Relations <= 0 {
		limits.Relations = 5
	}
	return &Aggregator{client: client, limits: limits, logger: logger}
}

// Build returns the graph for depot, given as "//name" or "name".
// Workspace and relation lookups that fail are logged and left out.
func (a *Aggregator) Build(ctx context.Context, sess *p4.Session, depot string) (*Graph, error) {
	name := strings.Trim(depot, "/")
	if name == "" {
		return nil, fmt.Errorf("build graph: empty depot name")
	}
	root := "//" + name
	logger := a.logger.With("depot", root)

	streams, err := a.streams(ctx, sess, name, root)
	if err != nil {
		return nil, fmt.Errorf("build graph: %w", err)
	}
	g := &Graph{Depot: root, Streams: streams, Workspaces: []p4.Workspace{}, Relations: []p4.StreamRelation{}}

	var real []p4.Stream
	for _, s := range streams {
		if !s.Pseudo {
			real = append(real, s)
		}
	}

	details := semaphore.NewWeighted(int64(a.limits.Details))
	perStream, err := fanout.Map(ctx, real, a.limits.Workspaces, func(ctx context.Context, s p4.Stream) ([]p4.Workspace, error) {
		return a.workspaces(ctx, sess, s, details, logger), nil
	})
	if err != nil {
		return nil, fmt.Errorf("build graph: %w", err)
	}
	for _, ws := range perStream {
		g.Workspaces = append(g.Workspaces, ws...)
	}

	relations, err := a.relations(ctx, sess, real, logger)
	if err != nil {
		return nil, fmt.Errorf("build graph: %w", err)
	}
	g.Relations = append(g.Relations, relations...)

	logger.Debug("graph built", "streams", len(g.Streams), "workspaces", len(g.Workspaces), "relations", len(g.Relations))
	return g, nil
}

// streams lists real streams for stream depots and synthesizes one unparented
// development pseudo-stream per top-level directory otherwise.
func (a *Aggregator) streams(ctx context.Context, sess *p4.Session, name, root string) ([]p4.Stream, error) {
	depots, err := a.client.Depots(ctx, sess)
	if err != nil {
		return nil, err
	}
	isStream := false
	found := false
	for _, d := range depots {
		if d.Name == name {
			found, isStream = true, d.IsStream()
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("depot %s not found", root)
	}
	if isStream {
		return a.client.Streams(ctx, sess, root)
	}

	dirs, err := a.client.Dirs(ctx, sess, root+"/*")
	if err != nil {
		return nil, err
	}
	streams := make([]p4.Stream, 0, len(dirs))
	for _, d := range dirs {
		streams = append(streams, p4.Stream{
			Path:   d,
			Name:   path.Base(d),
			Type:   "development",
			Pseudo: true,
		})
	}
	return streams, nil
}

// workspaces lists the workspaces of s and fetches their full specs. Spec
// lookups share details with every other stream of the build.
func (a *Aggregator) workspaces(ctx context.Context, sess *p4.Session, s p4.Stream, details *semaphore.Weighted, logger *slog.Logger) []p4.Workspace {
	list, err := a.client.Workspaces(ctx, sess, s.Path)
	if err != nil {
		logger.Warn("list stream workspaces failed", "stream", s.Path, "error", err)
		return nil
	}

	detailed, err := fanout.Map(ctx, list, a.limits.Details, func(ctx context.Context, w p4.Workspace) (p4.Workspace, error) {
		if err := details.Acquire(ctx, 1); err != nil {
			return w, nil
		}
		full, err := a.client.Workspace(ctx, sess, w.Name)
		details.Release(1)
		if err != nil {
			logger.Debug("workspace detail failed", "workspace", w.Name, "error", err)
			return w, nil
		}
		if full.Stream == "" {
			full.Stream = w.Stream
		}
		return *full, nil
	})
	if err != nil {
		return list
	}
	return detailed
}

type relationJob struct {
	stream p4.Stream
	dir    p4.Direction
}

func (a *Aggregator) relations(ctx context.Context, sess *p4.Session, streams []p4.Stream, logger *slog.Logger) ([]p4.StreamRelation, error) {
	var jobs []relationJob
	for _, s := range streams {
		if s.HasParent() {
			jobs = append(jobs, relationJob{s, p4.MergeDown}, relationJob{s, p4.CopyUp})
		}
	}

	counted, err := fanout.Map(ctx, jobs, a.limits.Relations, func(ctx context.Context, j relationJob) (p4.StreamRelation, error) {
		n, err := a.client.PendingCount(ctx, sess, j.stream.Path, j.dir)
		if err != nil {
			logger.Debug("pending count failed", "stream", j.stream.Path, "direction", j.dir, "error", err)
			return p4.StreamRelation{}, nil
		}
		rel := p4.StreamRelation{Direction: j.dir, Pending: n}
		if j.dir == p4.MergeDown {
			rel.From, rel.To = j.stream.Parent, j.stream.Path
		} else {
			rel.From, rel.To = j.stream.Path, j.stream.Parent
		}
		return rel, nil
	})
	if err != nil {
		return nil, err
	}

	var kept []p4.StreamRelation
	for _, rel := range counted {
		if rel.Pending > 0 {
			kept = append(kept, rel)
		}
	}
	return kept, nil
}
