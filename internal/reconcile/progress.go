package reconcile

import (
	"context"
	"log/slog"
	"sync"
)

// Mode selects the reconcile workflow.
type Mode string

const (
	// ModeSmart reconciles likely source directories in one streamed call.
	ModeSmart Mode = "smart"
	// ModeFull previews the whole workspace, then reconciles in batches.
	ModeFull Mode = "full"
)

// Phase is a stage of a reconcile run. Phases only move forward.
type Phase int

const (
	PhaseScanning Phase = iota
	PhaseReconciling
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseScanning:
		return "scanning"
	case PhaseReconciling:
		return "reconciling"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Progress is one event delivered to a Sink. Total is 0 when unknown.
type Progress struct {
	Mode      Mode   `json:"mode"`
	Phase     Phase  `json:"phase"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Message   string `json:"message,omitempty"`
}

// Sink receives progress events. Emit is never called concurrently for one
// run.
type Sink interface {
	Emit(Progress)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Progress)

func (f SinkFunc) Emit(p Progress) { f(p) }

// ChanSink sends events on C. A send blocks until received or Ctx is done,
// after which events are dropped.
type ChanSink struct {
	Ctx context.Context
	C   chan<- Progress
}

func (s ChanSink) Emit(p Progress) {
	if s.Ctx == nil {
		s.C <- p
		return
	}
	select {
	case s.C <- p:
	case <-s.Ctx.Done():
	}
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(Progress) {})

// tracker is the single emission point of a run. It enforces the phase
// order, keeps Completed non-decreasing within a phase and emits done once.
// Events that would break those rules are dropped. A sink that panics is
// logged once and replaced by Discard.
type tracker struct {
	mu     sync.Mutex
	sink   Sink
	mode   Mode
	logger *slog.Logger

	phase     Phase
	completed int
	total     int
	emitted   bool
}

func newTracker(mode Mode, sink Sink, logger *slog.Logger) *tracker {
	if sink == nil {
		sink = Discard
	}
	return &tracker{sink: sink, mode: mode, logger: logger}
}

func (t *tracker) emit(phase Phase, completed, total int, msg string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.emitted && t.phase == PhaseDone {
		return false
	}
	if t.emitted {
		if phase < t.phase {
			return false
		}
		if phase == t.phase && completed < t.completed {
			return false
		}
	}

	t.phase, t.completed, t.total, t.emitted = phase, completed, total, true
	t.deliver(Progress{Mode: t.mode, Phase: phase, Completed: completed, Total: total, Message: msg})
	return true
}

// deliver calls the sink. t.mu must be held.
func (t *tracker) deliver(p Progress) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("progress sink panicked, dropping further events", "panic", r, "phase", p.Phase.String())
			t.sink = Discard
		}
	}()
	t.sink.Emit(p)
}

// pulse repeats the current state so subscribers see activity during long
// silent stretches.
func (t *tracker) pulse(msg string) {
	t.mu.Lock()
	phase, completed, total := t.phase, t.completed, t.total
	t.mu.Unlock()
	t.emit(phase, completed, total, msg)
}

// finish emits the terminal event unless one was already sent.
func (t *tracker) finish(completed, total int, msg string) {
	t.emit(PhaseDone, completed, total, msg)
}
