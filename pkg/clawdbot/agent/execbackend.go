package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ExecBackend adapts an external model-runner command to the Backend
// interface. The request is written to the command's stdin as JSON; each
// stdout line streams back as a text chunk and the concatenation is the
// final response. This keeps the LLM SDK outside the gateway: any
// provider CLI that reads a request and prints text plugs in.
type ExecBackend struct {
	// Args is the command and its arguments. "{{Model}}" in an
	// argument is replaced with the requested model reference.
	Args []string

	// TimeoutSeconds bounds one invocation (0 = unlimited).
	TimeoutSeconds int
}

// Run invokes the external command for one turn.
func (b *ExecBackend) Run(ctx context.Context, req BackendRequest, events chan<- Event) (BackendResult, error) {
	if len(b.Args) == 0 {
		return BackendResult{}, fmt.Errorf("no model backend command configured (agent.backend.args)")
	}

	if b.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(b.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	args := make([]string, len(b.Args))
	for i, a := range b.Args {
		args[i] = strings.ReplaceAll(a, "{{Model}}", req.Model)
	}

	input, err := json.Marshal(req)
	if err != nil {
		return BackendResult{}, fmt.Errorf("encoding backend request: %w", err)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdin = strings.NewReader(string(input))
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return BackendResult{}, fmt.Errorf("backend stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return BackendResult{}, fmt.Errorf("starting model backend: %w", err)
	}

	var out strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if out.Len() > 0 {
			out.WriteString("\n")
		}
		out.WriteString(line)
		events <- Event{Kind: EventTextChunk, Text: line}
	}

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return BackendResult{}, ctxErr
		}
		return BackendResult{}, fmt.Errorf("model backend: %w", err)
	}
	return BackendResult{Text: out.String()}, nil
}
