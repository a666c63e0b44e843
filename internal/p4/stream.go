package p4

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Line is one line of streamed output.
type Line struct {
	Stderr bool
	Text   string
}

// StreamResult is the outcome of a streamed call.
type StreamResult struct {
	ExitCode int
	Output   string
}

// Stream implements Runner. A non-zero exit is reported in ExitCode, not as
// an error; callers decide what a failed exit means for them.
func (e *Exec) Stream(ctx context.Context, inv Invocation, onLine func(Line)) (StreamResult, error) {
	cmd := e.command(ctx, inv)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return StreamResult{ExitCode: -1}, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return StreamResult{ExitCode: -1}, fmt.Errorf("create stderr pipe: %w", err)
	}
	stdin, err := e.openStdin(cmd, inv)
	if err != nil {
		return StreamResult{ExitCode: -1}, fmt.Errorf("create stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return StreamResult{ExitCode: -1}, &ExternalToolError{Args: inv.Args, ExitCode: -1, Err: err}
	}

	var (
		mu  sync.Mutex
		all strings.Builder
	)
	emit := func(l Line) {
		mu.Lock()
		defer mu.Unlock()
		all.WriteString(l.Text)
		all.WriteByte('\n')
		if onLine != nil {
			onLine(l)
		}
	}

	// Output pipes must be drained before Wait closes them, and stdin is fed
	// alongside so a chatty p4 cannot stall on a full pipe.
	var g errgroup.Group
	g.Go(func() error {
		e.feedStdin(stdin, inv)
		return nil
	})
	g.Go(func() error { return pump(stdout, false, emit) })
	g.Go(func() error { return pump(stderr, true, emit) })
	readErr := g.Wait()

	waitErr := cmd.Wait()
	res := StreamResult{ExitCode: exitCode(waitErr), Output: all.String()}
	if readErr != nil {
		return res, fmt.Errorf("read p4 output: %w", readErr)
	}
	if res.ExitCode == -1 && waitErr != nil {
		return res, &ExternalToolError{Args: inv.Args, ExitCode: -1, Err: waitErr}
	}
	return res, nil
}

func pump(r io.Reader, isStderr bool, emit func(Line)) error {
	lb := &lineBuffer{emit: func(s string) { emit(Line{Stderr: isStderr, Text: s}) }}
	_, err := io.Copy(lb, r)
	lb.Flush()
	return err
}

// lineBuffer accumulates partial writes and emits complete lines. Both \n
// and \r end a line, since p4 redraws progress indicators with \r. Empty
// lines are not emitted.
type lineBuffer struct {
	buf  []byte
	emit func(string)
}

func (b *lineBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	for {
		i := bytes.IndexAny(b.buf, "\r\n")
		if i < 0 {
			break
		}
		if i > 0 {
			b.emit(string(b.buf[:i]))
		}
		b.buf = b.buf[i+1:]
	}
	if len(b.buf) == 0 {
		b.buf = nil
	}
	return len(p), nil
}

// Flush emits whatever partial line remains.
func (b *lineBuffer) Flush() {
	if len(b.buf) > 0 {
		b.emit(string(b.buf))
	}
	b.buf = nil
}
