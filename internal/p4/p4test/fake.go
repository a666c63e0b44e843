// Package p4test provides an in-memory p4.Runner for tests.
package p4test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/marcin-skalski/p4desk/internal/p4"
)

// Response is the canned result of one invocation.
type Response struct {
	Output string

	// Lines are streamed in order by Stream. When empty, Stream emits
	// Output split on newlines as stdout.
	Lines []p4.Line

	ExitCode int
	Err      error

	// Delay holds the call open before it returns, honoring ctx.
	Delay time.Duration
}

// Fake answers invocations from a table keyed by the space-joined argument
// list. Unknown invocations fail like a p4 that printed nothing.
type Fake struct {
	mu        sync.Mutex
	responses map[string]Response
	handler   func(p4.Invocation) (Response, bool)
	calls     []p4.Invocation
}

func New() *Fake {
	return &Fake{responses: make(map[string]Response)}
}

// On registers the response for args, e.g. "changes -s pending -l -t -c ws".
func (f *Fake) On(args string, resp Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[args] = resp
	return f
}

// OnOutput is On with a plain successful output.
func (f *Fake) OnOutput(args, output string) *Fake {
	return f.On(args, Response{Output: output})
}

// Handle installs a fallback consulted for args with no table entry.
func (f *Fake) Handle(h func(p4.Invocation) (Response, bool)) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
	return f
}

// Calls returns a copy of every invocation seen so far.
func (f *Fake) Calls() []p4.Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]p4.Invocation(nil), f.calls...)
}

// Called reports how many invocations contained sub in their joined args.
func (f *Fake) Called(sub string) int {
	n := 0
	for _, inv := range f.Calls() {
		if strings.Contains(strings.Join(inv.Args, " "), sub) {
			n++
		}
	}
	return n
}

func (f *Fake) lookup(inv p4.Invocation) Response {
	key := strings.Join(inv.Args, " ")

	f.mu.Lock()
	f.calls = append(f.calls, inv)
	resp, ok := f.responses[key]
	h := f.handler
	f.mu.Unlock()

	if ok {
		return resp
	}
	if h != nil {
		if resp, ok := h(inv); ok {
			return resp
		}
	}
	return Response{ExitCode: 1, Err: &p4.ExternalToolError{Args: inv.Args, ExitCode: 1, Err: errors.New("exit status 1")}}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run implements p4.Runner.
func (f *Fake) Run(ctx context.Context, inv p4.Invocation) (string, error) {
	resp := f.lookup(inv)
	if err := wait(ctx, resp.Delay); err != nil {
		return "", err
	}
	if resp.Err != nil {
		return "", resp.Err
	}
	return resp.Output, nil
}

// Stream implements p4.Runner.
func (f *Fake) Stream(ctx context.Context, inv p4.Invocation, onLine func(p4.Line)) (p4.StreamResult, error) {
	resp := f.lookup(inv)
	lines := resp.Lines
	if len(lines) == 0 {
		for _, l := range strings.Split(resp.Output, "\n") {
			if l != "" {
				lines = append(lines, p4.Line{Text: l})
			}
		}
	}

	var all strings.Builder
	for _, l := range lines {
		all.WriteString(l.Text)
		all.WriteByte('\n')
		if onLine != nil {
			onLine(l)
		}
	}
	if err := wait(ctx, resp.Delay); err != nil {
		return p4.StreamResult{ExitCode: -1, Output: all.String()}, err
	}
	if resp.Err != nil && len(lines) == 0 {
		return p4.StreamResult{ExitCode: resp.ExitCode}, resp.Err
	}
	return p4.StreamResult{ExitCode: resp.ExitCode, Output: all.String()}, nil
}
