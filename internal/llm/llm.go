// Package llm implements the scoring oracle on top of an
// OpenAI-compatible chat completion API (typically a local Ollama
// endpoint).
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/gradehub/internal/llm/prompts"
	"github.com/pavelanni/gradehub/internal/model"
)

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api   *openai.Client
	model string
	lang  prompts.Lang
}

// New creates a new LLM client.
func New(baseURL, apiKey, modelName string, lang prompts.Lang) (*Client, error) {
	if err := prompts.Load(); err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
		lang:  lang,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Ping verifies that the LLM endpoint is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("LLM endpoint unreachable: %w", err)
	}
	return nil
}

// Score asks the model to rate a submitted answer against the reference
// answer. It returns the clamped numeric verdict and the model's raw
// reply as rationale. The error is non-nil when the call failed or the
// reply carried no numeric verdict; the caller decides how to degrade.
func (c *Client) Score(ctx context.Context, question, referenceAnswer, submittedAnswer string) (int, string, error) {
	prompt, err := prompts.BuildGradePrompt(c.lang, prompts.GradeData{
		Question:        question,
		ReferenceAnswer: referenceAnswer,
		SubmittedAnswer: submittedAnswer,
	})
	if err != nil {
		return 0, "", fmt.Errorf("build prompt: %w", err)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0,
	})
	if err != nil {
		return 0, "", fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return 0, "", fmt.Errorf("LLM returned no choices")
	}

	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	slog.Debug("LLM reply", "model", c.model, "raw", reply)

	score, err := ParseScore(reply)
	if err != nil {
		return 0, reply, err
	}
	return score, reply, nil
}

// ParseScore extracts the verdict from a model reply: the first
// whitespace-delimited token made up entirely of digits, clamped into
// the valid score range. A reply like "Score: 5 out of 2" parses to 5
// and clamps to 2.
func ParseScore(reply string) (int, error) {
	for _, tok := range strings.Fields(reply) {
		if !allDigits(tok) {
			continue
		}
		n := 0
		for _, r := range tok {
			n = n*10 + int(r-'0')
			if n > model.MaxScore {
				// Already beyond the clamp ceiling; no need to read further digits.
				return model.MaxScore, nil
			}
		}
		return clamp(n), nil
	}
	return 0, fmt.Errorf("no numeric verdict in LLM reply %q", reply)
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func clamp(n int) int {
	if n < model.MinScore {
		return model.MinScore
	}
	if n > model.MaxScore {
		return model.MaxScore
	}
	return n
}
