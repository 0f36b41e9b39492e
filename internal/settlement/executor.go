package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"tokengate/internal/captcha"
)

// Executor runs the verification job for one intent. A nil output with a nil
// error means the facility ran but produced no result; a non-nil error means
// the facility itself failed to deliver.
type Executor interface {
	Execute(ctx context.Context, in captcha.Input) (*captcha.Output, error)
}

// LocalExecutor runs the verification protocol in-process. The default when
// no external execution facility is configured.
type LocalExecutor struct {
	Client *captcha.Client
}

func (e *LocalExecutor) Execute(ctx context.Context, in captcha.Input) (*captcha.Output, error) {
	res := e.Client.Verify(ctx, in)
	out := res.Output(in.SessionID)
	return &out, nil
}

// ProcessExecutor runs the standalone verifier binary, feeding the job on
// stdin and reading the single result object from stdout. Mirrors how the
// external execution facility invokes the verifier.
type ProcessExecutor struct {
	// Command is the verifier invocation, e.g. ["./verifier"].
	Command []string
}

func (e *ProcessExecutor) Execute(ctx context.Context, in captcha.Input) (*captcha.Output, error) {
	if len(e.Command) == 0 {
		return nil, fmt.Errorf("verifier command not configured")
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode job input: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("run verifier: %w", err)
	}

	trimmed := bytes.TrimSpace(stdout.Bytes())
	if len(trimmed) == 0 {
		// The process exited cleanly but reported nothing.
		return nil, nil
	}

	var out captcha.Output
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, fmt.Errorf("decode verifier output: %w", err)
	}
	return &out, nil
}
