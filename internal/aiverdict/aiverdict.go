// Package aiverdict implements the evaluator's tier-4 AI client: a cheap,
// fast model call that must return exactly one VERDICT:<kind>:<detail> line.
// Two transports are available — a direct HTTP client (preferred) and a
// CLI-shell fallback, since provider SDK versions shift under the direct
// client faster than a stable CLI contract does.
package aiverdict

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Provider selects which backend a Client talks to. First-class per the
// spec's open question on provider selection (never hardcode one vendor).
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderCLI    Provider = "cli"
)

const systemPrompt = `You are evaluating whether an AI coding agent's work session succeeded.
Reply with EXACTLY one line of the form:
VERDICT:<kind>:<detail>
where <kind> is one of: complete, retry, blocked.
No other text.`

// VerdictTimeout is the hard wall-clock cap for one tier-4 call.
const VerdictTimeout = 60 * time.Second

// Client produces a raw "VERDICT:<kind>:<detail>" line from a task
// description and a worker's trailing log lines.
type Client interface {
	Verdict(ctx context.Context, description, logTail string) (string, error)
}

// Config selects and configures a Client.
type Config struct {
	Provider Provider
	Model    string
	BaseURL  string // optional, for OpenAI-compatible endpoints
	APIKey   string
	CLIPath  string // binary for the CLI fallback
}

// New builds a Client for the configured provider.
func New(cfg Config) Client {
	switch cfg.Provider {
	case ProviderCLI:
		return &cliClient{path: cfg.CLIPath, model: cfg.Model}
	default:
		return &httpClient{cfg: cfg}
	}
}

type httpClient struct {
	cfg Config
}

func (c *httpClient) Verdict(ctx context.Context, description, logTail string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, VerdictTimeout)
	defer cancel()

	clientCfg := openai.DefaultConfig(c.cfg.APIKey)
	if c.cfg.BaseURL != "" {
		clientCfg.BaseURL = c.cfg.BaseURL
	}
	client := openai.NewClientWithConfig(clientCfg)

	model := c.cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(description, logTail)},
		},
		Temperature: 0,
		MaxTokens:   32,
	})
	if err != nil {
		return "", fmt.Errorf("AI verdict request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("AI verdict: empty response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

type cliClient struct {
	path  string
	model string
}

func (c *cliClient) Verdict(ctx context.Context, description, logTail string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, VerdictTimeout)
	defer cancel()

	path := c.path
	if path == "" {
		path = "claude"
	}

	args := []string{"-p", systemPrompt + "\n\n" + buildPrompt(description, logTail)}
	if c.model != "" {
		args = append(args, "--model", c.model)
	}

	cmd := exec.CommandContext(ctx, path, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("AI verdict CLI timed out after %s", VerdictTimeout)
		}
		return "", fmt.Errorf("AI verdict CLI failed: %w", err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func buildPrompt(description, logTail string) string {
	return fmt.Sprintf("Task description:\n%s\n\nWorker log (trailing lines):\n%s", description, logTail)
}
