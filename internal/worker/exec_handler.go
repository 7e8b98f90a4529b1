package worker

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"automation-backend/internal/models"
	"automation-backend/internal/registry"
)

const maxCapturedOutput = 64 * 1024

// ToolExecHandler runs a command inside the workspace. With args the command
// is executed directly; without, it is passed to sh -c.
type ToolExecHandler struct {
	Workspace Workspace
	Shell     string
}

func (h *ToolExecHandler) Execute(ctx context.Context, job models.Job) (any, error) {
	in, err := decode[registry.ToolExecInput](models.Job{Type: job.Type, Input: registry.NormalizeToolExec(job.Input)})
	if err != nil {
		return nil, err
	}
	if in.TimeoutMS != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*in.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	var cmd *exec.Cmd
	if len(in.Args) > 0 {
		cmd = exec.CommandContext(ctx, in.Command, in.Args...)
	} else {
		shell := h.Shell
		if shell == "" {
			shell = "sh"
		}
		cmd = exec.CommandContext(ctx, shell, "-c", in.Command)
	}
	dir, err := h.Workspace.Resolve(in.Cwd)
	if err != nil {
		return nil, err
	}
	cmd.Dir = dir
	cmd.WaitDelay = time.Second
	cmd.Env = os.Environ()
	for k, v := range in.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	stdout := &cappedBuffer{limit: maxCapturedOutput}
	stderr := &cappedBuffer{limit: maxCapturedOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	result := map[string]any{
		"exit_code":   cmd.ProcessState.ExitCode(),
		"stdout":      stdout.String(),
		"stderr":      stderr.String(),
		"truncated":   stdout.truncated || stderr.truncated,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if runErr == nil {
		return result, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && in.TimeoutMS != nil {
		return nil, Fail(models.CodeTimeout, "command exceeded timeout_ms %d", *in.TimeoutMS).WithDetails(result)
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return nil, Fail(models.CodeExecutionFailed, "command exited with status %d", exitErr.ExitCode()).WithDetails(result)
	}
	return nil, Fail(models.CodeExecutionFailed, "run command: %v", runErr)
}

// cappedBuffer keeps the first limit bytes written to it.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.truncated = c.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) String() string { return c.buf.String() }
