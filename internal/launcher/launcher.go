// Package launcher starts background agents for prompts that arrive over chat.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// Launch describes a started agent.
type Launch struct {
	PID    int
	Prompt string
}

// Launcher starts an agent for prompt. It must not wait for the agent.
type Launcher interface {
	Launch(ctx context.Context, prompt string) (Launch, error)
}

// Command runs a configured command with the prompt as its last argument.
// The child gets its own session so it outlives the bridge process.
type Command struct {
	argv []string
	dir  string
}

// NewCommand parses a whitespace-separated command line such as "sase run".
// dir is the working directory of launched agents; empty means inherit.
func NewCommand(commandLine, dir string) (*Command, error) {
	argv := strings.Fields(commandLine)
	if len(argv) == 0 {
		return nil, errors.New("launch command is empty")
	}
	return &Command{argv: argv, dir: dir}, nil
}

func (c *Command) Launch(ctx context.Context, prompt string) (Launch, error) {
	if err := ctx.Err(); err != nil {
		return Launch{}, err
	}
	args := append(append([]string(nil), c.argv[1:]...), prompt)
	cmd := exec.Command(c.argv[0], args...)
	cmd.Dir = c.dir
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return Launch{}, fmt.Errorf("start %s: %w", c.argv[0], err)
	}
	pid := cmd.Process.Pid
	go func() {
		if err := cmd.Wait(); err != nil {
			slog.Warn("agent exited with error", "pid", pid, "error", err)
			return
		}
		slog.Debug("agent exited", "pid", pid)
	}()

	slog.Info("agent launched", "pid", pid, "command", c.argv[0])
	return Launch{PID: pid, Prompt: prompt}, nil
}
