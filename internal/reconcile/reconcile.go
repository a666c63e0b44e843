// Package reconcile opens local changes that p4 does not yet know about,
// reporting progress as it goes.
//
// A run moves through scanning, reconciling and done. Smart mode reconciles
// likely source directories in a single streamed p4 call. Full mode previews
// the whole workspace first and refuses to continue past a safety ceiling,
// then reconciles the preview in sequential batches.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marcin-skalski/p4desk/internal/p4"
)

// Config tunes a Reconciler.
type Config struct {
	SafetyCeiling     int
	BatchSize         int
	HeartbeatInterval time.Duration
	SourceDirs        []string
}

// Request describes one run. Paths, when set, replace the smart-mode
// directory heuristics.
type Request struct {
	Mode      Mode
	Workspace string
	Root      string
	Paths     []string
}

// Result is the outcome of a run. It is always populated, even when the run
// fails; Err carries the cause for callers that need errors.Is.
type Result struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Mode    Mode     `json:"mode"`
	Paths   []string `json:"paths"`
	RunID   string   `json:"runId"`
	Err     error    `json:"-"`
}

type Reconciler struct {
	runner p4.Runner
	cfg    Config
	logger *slog.Logger
}

func New(runner p4.Runner, cfg Config, logger *slog.Logger) *Reconciler {
	if cfg.SafetyCeiling <= 0 {
		cfg.SafetyCeiling = 5000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Second
	}
	if len(cfg.SourceDirs) == 0 {
		cfg.SourceDirs = DefaultSourceDirs
	}
	return &Reconciler{runner: runner, cfg: cfg, logger: logger}
}

var (
	fractionRe = regexp.MustCompile(`(\d+)/(\d+)`)
	resultRe   = regexp.MustCompile(`^(\S.*?) - (opened for|added as|deleted as|moved from|moved into)\b`)
)

// benignMarkers mean there was simply nothing to do.
var benignMarkers = []string{
	"no file(s) to reconcile",
	"- no such file(s)",
}

// parseResultLine returns the path of a per-file reconcile result, without
// its revision.
func parseResultLine(line string) (string, bool) {
	m := resultRe.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return "", false
	}
	path := m[1]
	if i := strings.LastIndex(path, "#"); i > 0 {
		if _, err := strconv.Atoi(path[i+1:]); err == nil {
			path = path[:i]
		}
	}
	return path, true
}

// parseFraction finds a "done/total" counter anywhere in line.
func parseFraction(line string) (done, total int, ok bool) {
	m := fractionRe.FindStringSubmatch(line)
	if m == nil {
		return 0, 0, false
	}
	done, err1 := strconv.Atoi(m[1])
	total, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil || total == 0 || done > total {
		return 0, 0, false
	}
	return done, total, true
}

func isBenign(text string) bool {
	for _, m := range benignMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// Run executes req and reports progress to sink. It never panics and always
// ends with exactly one done event.
func (r *Reconciler) Run(ctx context.Context, req Request, sink Sink) (res Result) {
	if req.Mode == "" {
		req.Mode = ModeSmart
	}
	runID := uuid.NewString()
	logger := r.logger.With("run", runID, "mode", string(req.Mode), "workspace", req.Workspace)
	t := newTracker(req.Mode, sink, logger)

	defer func() {
		if p := recover(); p != nil {
			logger.Error("reconcile panicked", "panic", p)
			res = Result{Message: fmt.Sprintf("internal error: %v", p), Err: fmt.Errorf("reconcile panic: %v", p)}
		}
		res.Mode = req.Mode
		res.RunID = runID
		if res.Paths == nil {
			res.Paths = []string{}
		}
		t.finish(len(res.Paths), len(res.Paths), res.Message)
		logger.Info("reconcile finished", "success", res.Success, "paths", len(res.Paths), "message", res.Message)
	}()

	logger.Info("reconcile started", "root", req.Root)
	switch req.Mode {
	case ModeSmart:
		return r.smart(ctx, req, t, logger)
	case ModeFull:
		return r.full(ctx, req, t, logger)
	default:
		return Result{Message: fmt.Sprintf("unknown reconcile mode %q", req.Mode), Err: fmt.Errorf("unknown mode %q", req.Mode)}
	}
}

func failure(err error) Result {
	return Result{Message: err.Error(), Err: err}
}

// scan is the output of one streamed reconcile call.
type scan struct {
	paths  []string
	output string
	exit   int
}

// stream runs inv, feeding fractions into scanning progress and result lines
// into onPath, while a heartbeat keeps the subscriber informed.
func (r *Reconciler) stream(ctx context.Context, inv p4.Invocation, t *tracker, onPath func(string)) (scan, error) {
	hbCtx, stop := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(r.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				t.pulse("working")
			}
		}
	}()
	defer func() {
		stop()
		<-hbDone
	}()

	var (
		s    scan
		seen = make(map[string]bool)
	)
	res, err := r.runner.Stream(ctx, inv, func(l p4.Line) {
		if path, ok := parseResultLine(l.Text); ok {
			if !seen[path] {
				seen[path] = true
				s.paths = append(s.paths, path)
				onPath(path)
			}
			return
		}
		if done, total, ok := parseFraction(l.Text); ok {
			t.emit(PhaseScanning, done, total, "")
		}
	})
	s.output, s.exit = res.Output, res.ExitCode
	return s, err
}

// verdict interprets a finished call. Error text wins over the exit code,
// since p4 can exit 0 while reporting failure.
func verdict(s scan) error {
	if err := p4.DetectError(s.output); err != nil {
		return err
	}
	if s.exit != 0 && len(s.paths) == 0 && !isBenign(s.output) {
		msg := p4.LastLine(s.output)
		if msg == "" {
			msg = fmt.Sprintf("exit status %d", s.exit)
		}
		return fmt.Errorf("%w: %s", p4.ErrToolReported, msg)
	}
	return nil
}

func (r *Reconciler) smart(ctx context.Context, req Request, t *tracker, logger *slog.Logger) Result {
	globs := req.Paths
	if len(globs) == 0 {
		if req.Root == "" {
			return failure(ErrNoWorkspaceRoot)
		}
		globs = sourceGlobs(req.Root, r.cfg.SourceDirs)
	}
	logger.Debug("smart reconcile targets", "globs", globs)
	t.emit(PhaseScanning, 0, 0, fmt.Sprintf("scanning %d location(s)", len(globs)))

	var opened int
	s, err := r.stream(ctx, p4.Invocation{
		Args:      append([]string{"-I", "reconcile", "-e", "-a", "-d"}, globs...),
		Workspace: req.Workspace,
		Dir:       req.Root,
	}, t, func(path string) {
		opened++
		t.emit(PhaseReconciling, opened, 0, path)
	})
	if err != nil {
		return failure(fmt.Errorf("reconcile: %w", err))
	}
	if err := verdict(s); err != nil {
		res := failure(fmt.Errorf("reconcile: %w", err))
		res.Paths = s.paths
		return res
	}

	return Result{
		Success: true,
		Message: fmt.Sprintf("%d file(s) opened", len(s.paths)),
		Paths:   s.paths,
	}
}

func (r *Reconciler) full(ctx context.Context, req Request, t *tracker, logger *slog.Logger) Result {
	if req.Workspace == "" {
		return failure(fmt.Errorf("full reconcile: workspace required"))
	}
	t.emit(PhaseScanning, 0, 0, "previewing workspace")

	preview, err := r.stream(ctx, p4.Invocation{
		Args:      []string{"-I", "reconcile", "-n", "-e", "-a", "-d", "//" + req.Workspace + "/..."},
		Workspace: req.Workspace,
		Dir:       req.Root,
	}, t, func(string) {})
	if err != nil {
		return failure(fmt.Errorf("reconcile preview: %w", err))
	}
	if err := verdict(preview); err != nil {
		return failure(fmt.Errorf("reconcile preview: %w", err))
	}

	candidates := preview.paths
	logger.Info("reconcile preview complete", "candidates", len(candidates))
	if len(candidates) > r.cfg.SafetyCeiling {
		return failure(fmt.Errorf("%w: %d files found, limit is %d; reconcile a narrower path", ErrSafetyLimit, len(candidates), r.cfg.SafetyCeiling))
	}
	if len(candidates) == 0 {
		return Result{Success: true, Message: "no files to reconcile"}
	}

	var opened []string
	seen := make(map[string]bool)
	processed := 0
	for start := 0; start < len(candidates); start += r.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			res := failure(fmt.Errorf("reconcile: %w", err))
			res.Paths = opened
			return res
		}
		batch := candidates[start:min(start+r.cfg.BatchSize, len(candidates))]

		out, err := r.runner.Run(ctx, p4.Invocation{
			Args:      []string{"-x", "-", "reconcile", "-e", "-a", "-d"},
			Stdin:     strings.Join(batch, "\n") + "\n",
			Workspace: req.Workspace,
			Dir:       req.Root,
		})
		if err == nil {
			err = p4.DetectError(out)
		}
		if err != nil {
			res := failure(fmt.Errorf("reconcile batch %d: %w", start/r.cfg.BatchSize+1, err))
			res.Paths = opened
			return res
		}

		for _, line := range strings.Split(out, "\n") {
			if path, ok := parseResultLine(line); ok && !seen[path] {
				seen[path] = true
				opened = append(opened, path)
			}
		}
		processed += len(batch)
		t.emit(PhaseReconciling, processed, len(candidates), fmt.Sprintf("%d/%d files", processed, len(candidates)))
	}

	return Result{
		Success: true,
		Message: fmt.Sprintf("%d file(s) opened", len(opened)),
		Paths:   opened,
	}
}
