package p4

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// TagMode selects one of p4's machine-assisted output modes.
type TagMode int

const (
	TagNone   TagMode = iota
	TagDotted         // -ztag
	TagJSON           // -Mj -ztag
)

// Invocation describes a single p4 call. It is never modified by a Runner.
type Invocation struct {
	// Args are the subcommand and its arguments. Global options that must
	// precede the subcommand, such as "-x -", may lead the slice.
	Args []string

	// Stdin is written to the process and closed before waiting on it.
	Stdin string

	// Workspace is passed as -c ahead of the subcommand when set.
	Workspace string

	// Dir is the working directory; relative paths in Args resolve here.
	Dir string

	Tagged TagMode
}

// Runner executes p4 invocations.
type Runner interface {
	// Run returns the combined stdout and stderr of the call. Output is
	// returned even when p4 exits non-zero; an *ExternalToolError is
	// returned only when p4 failed and printed nothing.
	Run(ctx context.Context, inv Invocation) (string, error)

	// Stream runs the call and hands every complete output line to onLine
	// as it arrives. Calls to onLine are serialized.
	Stream(ctx context.Context, inv Invocation, onLine func(Line)) (StreamResult, error)
}

// ExecConfig holds connection settings applied to every call.
type ExecConfig struct {
	Binary  string
	Port    string
	User    string
	Charset string
}

// Exec runs p4 as a subprocess.
type Exec struct {
	binary  string
	port    string
	user    string
	charset string
	logger  *slog.Logger

	// prefix leads argv ahead of the global options.
	prefix []string
	env    []string
}

func NewExec(cfg ExecConfig, logger *slog.Logger) *Exec {
	binary := cfg.Binary
	if binary == "" {
		binary = "p4"
	}
	return &Exec{
		binary:  binary,
		port:    cfg.Port,
		user:    cfg.User,
		charset: cfg.Charset,
		logger:  logger,
	}
}

func (e *Exec) argv(inv Invocation) []string {
	args := append([]string(nil), e.prefix...)
	if e.port != "" {
		args = append(args, "-p", e.port)
	}
	if e.user != "" {
		args = append(args, "-u", e.user)
	}
	if e.charset != "" {
		args = append(args, "-C", e.charset)
	}
	if inv.Workspace != "" {
		args = append(args, "-c", inv.Workspace)
	}
	switch inv.Tagged {
	case TagDotted:
		args = append(args, "-ztag")
	case TagJSON:
		args = append(args, "-Mj", "-ztag")
	}
	return append(args, inv.Args...)
}

func (e *Exec) command(ctx context.Context, inv Invocation) *exec.Cmd {
	argv := e.argv(inv)
	e.logger.Debug("exec", "cmd", e.binary+" "+strings.Join(argv, " "), "dir", inv.Dir)
	cmd := exec.CommandContext(ctx, e.binary, argv...)
	if inv.Dir != "" {
		cmd.Dir = inv.Dir
	}
	if len(e.env) > 0 {
		cmd.Env = append(os.Environ(), e.env...)
	}
	return cmd
}

// Run implements Runner.
func (e *Exec) Run(ctx context.Context, inv Invocation) (string, error) {
	cmd := e.command(ctx, inv)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	stdin, err := e.openStdin(cmd, inv)
	if err != nil {
		return "", &ExternalToolError{Args: inv.Args, ExitCode: -1, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return "", &ExternalToolError{Args: inv.Args, ExitCode: -1, Err: err}
	}
	e.feedStdin(stdin, inv)

	waitErr := cmd.Wait()
	text := out.String()
	if waitErr != nil {
		if strings.TrimSpace(text) == "" {
			return "", &ExternalToolError{Args: inv.Args, ExitCode: exitCode(waitErr), Err: waitErr}
		}
		e.logger.Debug("p4 exited non-zero with output", "args", strings.Join(inv.Args, " "), "exit", exitCode(waitErr))
	}
	return text, nil
}

func (e *Exec) openStdin(cmd *exec.Cmd, inv Invocation) (io.WriteCloser, error) {
	if inv.Stdin == "" {
		return nil, nil
	}
	return cmd.StdinPipe()
}

// feedStdin writes the payload and closes the pipe so p4 sees EOF before we
// wait on it.
func (e *Exec) feedStdin(stdin io.WriteCloser, inv Invocation) {
	if stdin == nil {
		return
	}
	if _, err := io.WriteString(stdin, inv.Stdin); err != nil {
		e.logger.Debug("write stdin", "args", strings.Join(inv.Args, " "), "err", err)
	}
	if err := stdin.Close(); err != nil {
		e.logger.Debug("close stdin", "args", strings.Join(inv.Args, " "), "err", err)
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
