package answer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

type execProvider struct {
	cmd     []string
	context string
}

type execRequest struct {
	Question string `json:"question"`
	Context  string `json:"context"`
	System   string `json:"system"`
}

type execResponse struct {
	Answer string `json:"answer"`
}

// NewExecProvider runs command once per question, writing the request as
// JSON on stdin and reading {"answer": ...} from stdout.
func NewExecProvider(command, contextTag string) (Provider, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse answer command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("answer command empty")
	}
	return &execProvider{cmd: args, context: contextTag}, nil
}

func (p *execProvider) Generate(ctx context.Context, question string) (string, error) {
	input, err := json.Marshal(execRequest{Question: question, Context: p.context, System: systemPrompt})
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, p.cmd[0], p.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("answer command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return "", fmt.Errorf("decode answer command output: %w", err)
	}
	if strings.TrimSpace(resp.Answer) == "" {
		return "", ErrEmptyAnswer
	}
	return resp.Answer, nil
}
