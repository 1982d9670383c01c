package assembly

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	shellwords "github.com/mattn/go-shellwords"
)

// Process is a running transcoder invocation reduced to the three
// controls the engine needs: the encoded stdout stream, completion,
// and a hard stop.
type Process struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr bytes.Buffer
}

// startProcess launches the configured command with extra arguments
// appended. The command string may itself carry flags, so it is parsed
// with shell quoting rules rather than split on spaces.
func startProcess(ctx context.Context, command string, args []string, pipeStdout bool) (*Process, error) {
	words, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse transcoder command: %w", err)
	}
	if len(words) == 0 {
		return nil, errors.New("transcoder command empty")
	}

	p := &Process{}
	p.cmd = exec.CommandContext(ctx, words[0], append(words[1:], args...)...)
	p.cmd.Stderr = &p.stderr
	if pipeStdout {
		stdout, err := p.cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("open transcoder stdout: %w", err)
		}
		p.stdout = stdout
	}
	if err := p.cmd.Start(); err != nil {
		return nil, fmt.Errorf("start transcoder: %w", err)
	}
	return p, nil
}

// Stdout is the encoder's output stream. Nil unless the process was
// started with a piped stdout.
func (p *Process) Stdout() io.ReadCloser { return p.stdout }

// Wait reaps the process. A non-zero exit carries the stderr tail so
// transcoder diagnostics surface in the returned error.
func (p *Process) Wait() error {
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("transcoder: %w: %s", err, stderrTail(&p.stderr))
	}
	return nil
}

// Kill stops the process immediately. Safe to call after exit.
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func stderrTail(buf *bytes.Buffer) string {
	const max = 1024
	s := strings.TrimSpace(buf.String())
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}

// runCommand executes a transcoder invocation to completion, for the
// disk-to-disk steps that produce no stdout.
func runCommand(ctx context.Context, command string, args []string) error {
	p, err := startProcess(ctx, command, args, false)
	if err != nil {
		return err
	}
	return p.Wait()
}
