// Package desk is the boundary a desktop host talks to. It owns the active
// workspace session, turns every failure into a Result, and keeps a refreshed
// snapshot of pending work.
package desk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marcin-skalski/p4desk/internal/config"
	"github.com/marcin-skalski/p4desk/internal/graph"
	"github.com/marcin-skalski/p4desk/internal/p4"
	"github.com/marcin-skalski/p4desk/internal/reconcile"
	"github.com/marcin-skalski/p4desk/internal/swarm"
)

// swarmURLProperty is the server property Swarm registers itself under.
const swarmURLProperty = "P4.Swarm.URL"

type Desk struct {
	cfg        *config.Config
	client     *p4.Client
	reconciler *reconcile.Reconciler
	graph      *graph.Aggregator
	logger     *slog.Logger

	mu   sync.Mutex
	sess *p4.Session

	swarmMu       sync.Mutex
	swarm         *swarm.Client
	swarmResolved bool

	snapMu     sync.RWMutex
	snap       Snapshot
	onSnapshot func(Snapshot)

	refreshCh chan struct{}
	switchCh  chan struct{}
}

func New(cfg *config.Config, runner p4.Runner, logger *slog.Logger) *Desk {
	client := p4.NewClient(runner, cfg.Limits.QueryConcurrency, logger)
	return &Desk{
		cfg:    cfg,
		client: client,
		reconciler: reconcile.New(runner, reconcile.Config{
			SafetyCeiling:     cfg.Reconcile.SafetyCeiling,
			BatchSize:         cfg.Reconcile.BatchSize,
			HeartbeatInterval: cfg.Reconcile.HeartbeatInterval,
			SourceDirs:        cfg.Reconcile.SourceDirs,
		}, logger),
		graph: graph.New(client, graph.Limits{
			Workspaces: cfg.Limits.WorkspaceConcurrency,
			Details:    cfg.Limits.DetailConcurrency,
			Relations:  cfg.Limits.RelationConcurrency,
		}, logger),
		logger:    logger,
		sess:      p4.NewSession(cfg.P4.Client),
		refreshCh: make(chan struct{}, 1),
		switchCh:  make(chan struct{}, 1),
	}
}

// Session returns the active session.
func (d *Desk) Session() *p4.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sess
}

func poke(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// SwitchWorkspace makes name the active workspace. The previous session and
// its cached info are dropped.
func (d *Desk) SwitchWorkspace(ctx context.Context, name string) Result[*p4.ClientInfo] {
	if name == "" {
		return fail[*p4.ClientInfo](ErrNoWorkspace)
	}
	next := d.Session().Switch(name)
	info, err := d.client.Info(ctx, next)
	if err != nil {
		d.logger.Warn("switch workspace failed", "workspace", name, "error", err)
		return fail[*p4.ClientInfo](err)
	}

	d.mu.Lock()
	d.sess = next
	d.mu.Unlock()
	d.logger.Info("workspace switched", "workspace", name, "root", info.Root)

	poke(d.switchCh)
	poke(d.refreshCh)
	return ok(info)
}

func (d *Desk) Info(ctx context.Context) Result[*p4.ClientInfo] {
	return call(ctx, d, "info", d.client.Info)
}

// workspaceInfo returns info for sessions bound to a workspace.
func (d *Desk) workspaceInfo(ctx context.Context, sess *p4.Session) (*p4.ClientInfo, error) {
	info, err := d.client.Info(ctx, sess)
	if err != nil {
		return nil, err
	}
	if info.Workspace == "" {
		return nil, ErrNoWorkspace
	}
	return info, nil
}

// Workspaces lists the current user's workspaces.
func (d *Desk) Workspaces(ctx context.Context) Result[[]p4.Workspace] {
	return call(ctx, d, "workspaces", func(ctx context.Context, sess *p4.Session) ([]p4.Workspace, error) {
		return d.client.Workspaces(ctx, sess, "")
	})
}

// PendingChanges lists pending changelists, annotated with review ids when a
// review service is reachable. Review lookup failures only cost the
// annotation.
func (d *Desk) PendingChanges(ctx context.Context) Result[[]p4.Changelist] {
	return call(ctx, d, "pending_changes", d.pendingChanges)
}

func (d *Desk) pendingChanges(ctx context.Context, sess *p4.Session) ([]p4.Changelist, error) {
	changes, err := d.client.PendingChanges(ctx, sess)
	if err != nil {
		return nil, err
	}
	d.enrichReviews(ctx, sess, changes)
	return changes, nil
}

func (d *Desk) enrichReviews(ctx context.Context, sess *p4.Session, changes []p4.Changelist) {
	var numbers []int
	for _, ch := range changes {
		if !ch.IsDefault() {
			numbers = append(numbers, ch.Number)
		}
	}
	if len(numbers) == 0 {
		return
	}
	sc := d.reviewClient(ctx, sess)
	if sc == nil {
		return
	}
	reviews, err := sc.ReviewsForChanges(ctx, numbers)
	if err != nil {
		d.logger.Debug("review enrichment skipped", "error", err)
		return
	}
	for i := range changes {
		if r, found := reviews[changes[i].Number]; found {
			changes[i].ReviewID = r.ID
		}
	}
}

// reviewClient returns the Swarm client, discovering its URL from the server
// once when config has none. It is nil when no service is known.
func (d *Desk) reviewClient(ctx context.Context, sess *p4.Session) *swarm.Client {
	d.swarmMu.Lock()
	defer d.swarmMu.Unlock()
	if d.swarmResolved {
		return d.swarm
	}

	url := d.cfg.Swarm.URL
	if url == "" {
		prop, err := d.client.Property(ctx, sess, swarmURLProperty)
		if err != nil {
			d.logger.Debug("swarm url lookup failed", "error", err)
			return nil
		}
		url = prop
	}
	d.swarmResolved = true
	if url == "" {
		return nil
	}
	d.swarm = swarm.NewClient(url, d.cfg.Swarm.Timeout, ticketCredentials{desk: d}, d.logger)
	d.logger.Info("review service found", "url", url)
	return d.swarm
}

// ticketCredentials reads the cached p4 ticket of the active session.
type ticketCredentials struct {
	desk *Desk
}

func (t ticketCredentials) Credential(ctx context.Context) (string, string, error) {
	return t.desk.client.Ticket(ctx, t.desk.Session())
}

func (d *Desk) Describe(ctx context.Context, change int, shelved bool) Result[*p4.ChangeDetail] {
	return call(ctx, d, "describe", func(ctx context.Context, sess *p4.Session) (*p4.ChangeDetail, error) {
		return d.client.Describe(ctx, sess, change, shelved)
	})
}

func (d *Desk) FileStatuses(ctx context.Context) Result[[]p4.FileStatus] {
	return call(ctx, d, "file_statuses", d.fileStatuses)
}

func (d *Desk) fileStatuses(ctx context.Context, sess *p4.Session) ([]p4.FileStatus, error) {
	if _, err := d.workspaceInfo(ctx, sess); err != nil {
		return nil, err
	}
	return d.client.FileStatuses(ctx, sess)
}

// FileDiff diffs the open or shelved file with the given depot path.
func (d *Desk) FileDiff(ctx context.Context, depotPath string) Result[*p4.DiffResult] {
	return call(ctx, d, "file_diff", func(ctx context.Context, sess *p4.Session) (*p4.DiffResult, error) {
		files, err := d.fileStatuses(ctx, sess)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if f.DepotPath == depotPath {
				return d.client.FileDiff(ctx, sess, f)
			}
		}
		return nil, fmt.Errorf("%s is not open or shelved in this workspace", depotPath)
	})
}

// History lists up to max submitted changes under path. max <= 0 means no
// limit.
func (d *Desk) History(ctx context.Context, path string, max int) Result[[]p4.Changelist] {
	return call(ctx, d, "history", func(ctx context.Context, sess *p4.Session) ([]p4.Changelist, error) {
		return d.client.SubmittedChanges(ctx, sess, path, max)
	})
}

func (d *Desk) Users(ctx context.Context) Result[[]p4.User] {
	return call(ctx, d, "users", d.client.Users)
}

func (d *Desk) Stream(ctx context.Context, path string) Result[*p4.Stream] {
	return call(ctx, d, "stream", func(ctx context.Context, sess *p4.Session) (*p4.Stream, error) {
		return d.client.StreamSpec(ctx, sess, path)
	})
}

func (d *Desk) Annotate(ctx context.Context, path string) Result[[]p4.AnnotatedLine] {
	return call(ctx, d, "annotate", func(ctx context.Context, sess *p4.Session) ([]p4.AnnotatedLine, error) {
		return d.client.Annotate(ctx, sess, path)
	})
}

func (d *Desk) StreamGraph(ctx context.Context, depot string) Result[*graph.Graph] {
	return call(ctx, d, "stream_graph", func(ctx context.Context, sess *p4.Session) (*graph.Graph, error) {
		return d.graph.Build(ctx, sess, depot)
	})
}

// Reconcile runs a reconcile in the active workspace. Data carries the
// reconcile outcome whenever the run started, including failed runs.
func (d *Desk) Reconcile(ctx context.Context, mode reconcile.Mode, paths []string, sink reconcile.Sink) Result[reconcile.Result] {
	var out reconcile.Result
	res := call(ctx, d, "reconcile", func(ctx context.Context, sess *p4.Session) (reconcile.Result, error) {
		info, err := d.workspaceInfo(ctx, sess)
		if err != nil {
			return reconcile.Result{}, err
		}
		out = d.reconciler.Run(ctx, reconcile.Request{
			Mode:      mode,
			Workspace: info.Workspace,
			Root:      info.Root,
			Paths:     paths,
		}, sink)
		if !out.Success {
			if out.Err != nil {
				return out, out.Err
			}
			return out, errors.New(out.Message)
		}
		return out, nil
	})

	if out.RunID == "" {
		res.Data = reconcile.Result{Mode: mode, Message: res.Message, Paths: []string{}}
		return res
	}
	res.Data = out
	if len(out.Paths) > 0 {
		poke(d.refreshCh)
	}
	return res
}

func (d *Desk) NewChangelist(ctx context.Context, desc string) Result[int] {
	return mutate(ctx, d, "new_changelist", func(ctx context.Context, sess *p4.Session) (int, error) {
		return d.client.NewChangelist(ctx, sess, desc)
	})
}

func (d *Desk) Submit(ctx context.Context, change int, desc string) Result[int] {
	return mutate(ctx, d, "submit", func(ctx context.Context, sess *p4.Session) (int, error) {
		return d.client.Submit(ctx, sess, change, desc)
	})
}

func (d *Desk) Revert(ctx context.Context, paths []string) Result[[]string] {
	return mutate(ctx, d, "revert", func(ctx context.Context, sess *p4.Session) ([]string, error) {
		return d.client.Revert(ctx, sess, paths)
	})
}

func (d *Desk) Shelve(ctx context.Context, change int) Result[int] {
	return mutate(ctx, d, "shelve", func(ctx context.Context, sess *p4.Session) (int, error) {
		return change, d.client.Shelve(ctx, sess, change)
	})
}

func (d *Desk) Unshelve(ctx context.Context, change int) Result[int] {
	return mutate(ctx, d, "unshelve", func(ctx context.Context, sess *p4.Session) (int, error) {
		return change, d.client.Unshelve(ctx, sess, change)
	})
}

func (d *Desk) Reopen(ctx context.Context, change int, paths []string) Result[int] {
	return mutate(ctx, d, "reopen", func(ctx context.Context, sess *p4.Session) (int, error) {
		return change, d.client.Reopen(ctx, sess, change, paths)
	})
}

func (d *Desk) Sync(ctx context.Context, paths []string) Result[[]string] {
	return mutate(ctx, d, "sync", func(ctx context.Context, sess *p4.Session) ([]string, error) {
		return d.client.Sync(ctx, sess, paths)
	})
}

// CreateReview requests a review for change. An existing review for the
// change counts as success.
func (d *Desk) CreateReview(ctx context.Context, change int, desc string, reviewers []string) Result[swarm.Review] {
	return call(ctx, d, "create_review", func(ctx context.Context, sess *p4.Session) (swarm.Review, error) {
		sc := d.reviewClient(ctx, sess)
		if sc == nil {
			return swarm.Review{}, swarm.ErrNotConfigured
		}
		return sc.CreateReview(ctx, change, desc, reviewers)
	})
}

// mutate is call followed by a refresh request on success.
func mutate[T any](ctx context.Context, d *Desk, op string, fn func(context.Context, *p4.Session) (T, error)) Result[T] {
	res := call(ctx, d, op, fn)
	if res.Success {
		poke(d.refreshCh)
	}
	return res
}

// Snapshot is the periodically refreshed view of the active workspace.
type Snapshot struct {
	Timestamp time.Time       `json:"timestamp"`
	Workspace string          `json:"workspace"`
	Changes   []p4.Changelist `json:"changes"`
	Files     []p4.FileStatus `json:"files"`
	Error     string          `json:"error,omitempty"`
}

// Snapshot returns the most recent refresh.
func (d *Desk) Snapshot() Snapshot {
	d.snapMu.RLock()
	defer d.snapMu.RUnlock()
	s := d.snap
	s.Changes = append([]p4.Changelist(nil), s.Changes...)
	s.Files = append([]p4.FileStatus(nil), s.Files...)
	return s
}

// OnSnapshot registers fn to be called after every refresh.
func (d *Desk) OnSnapshot(fn func(Snapshot)) {
	d.snapMu.Lock()
	defer d.snapMu.Unlock()
	d.onSnapshot = fn
}

// Refresh recomputes the snapshot now.
func (d *Desk) Refresh(ctx context.Context) Snapshot {
	sess := d.Session()
	snap := Snapshot{Timestamp: time.Now(), Workspace: sess.Workspace()}

	var errs []error
	changes, err := d.pendingChanges(ctx, sess)
	if err != nil {
		errs = append(errs, err)
	}
	files, err := d.fileStatuses(ctx, sess)
	if err != nil && !errors.Is(err, ErrNoWorkspace) {
		errs = append(errs, err)
	}
	snap.Changes, snap.Files = changes, files
	if err := errors.Join(errs...); err != nil {
		snap.Error = message(err)
		d.logger.Warn("refresh failed", "error", err)
	} else {
		d.logger.Debug("refreshed", "changes", len(changes), "files", len(files))
	}

	d.snapMu.Lock()
	d.snap = snap
	fn := d.onSnapshot
	d.snapMu.Unlock()
	if fn != nil {
		fn(snap)
	}
	return snap
}
