package mcp

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/hupe1980/agentswarm/config"
)

// transport abstracts the process-local channel a session speaks over so
// tests can substitute in-process pipes for a spawned provider process.
type transport interface {
	Stdin() io.Writer
	Stdout() io.Reader
	Close() error
}

// procTransport runs a tool provider as a child process and exposes its
// standard input/output streams.
type procTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func startProcTransport(spec config.ToolServerSpec) (*procTransport, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", spec.Command, err)
	}

	return &procTransport{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func (t *procTransport) Stdin() io.Writer  { return t.stdin }
func (t *procTransport) Stdout() io.Reader { return t.stdout }

// Close terminates the provider process. The wait error is intentionally
// discarded: a killed process reports a non-nil exit by definition.
func (t *procTransport) Close() error {
	_ = t.stdin.Close()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	_ = t.cmd.Wait()
	return nil
}
