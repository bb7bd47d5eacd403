// Package ai wraps the Anthropic API for sprint analysis and quality
// insights. All callers go through Client so model selection and token
// limits live in one place.
package ai

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 8192
)

type Client struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewClient builds a client from an explicit API key, falling back to the
// ANTHROPIC_API_KEY environment variable. An empty model selects the
// default.
func NewClient(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key not configured")
	}
	if model == "" {
		model = defaultModel
	}

	return &Client{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     anthropic.Model(model),
		maxTokens: defaultMaxTokens,
	}, nil
}

// Complete sends one user prompt, with an optional system prompt, and
// returns the concatenated text blocks of the response.
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic request failed: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	text := sb.String()
	if text == "" {
		return "", fmt.Errorf("anthropic response contained no text")
	}
	return text, nil
}

// ExtractJSON pulls the JSON object out of a model response, tolerating
// markdown code fences and prose around the payload.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)

	if idx := strings.Index(s, "```json"); idx >= 0 {
		s = s[idx+len("```json"):]
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	} else if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+len("```"):]
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return strings.TrimSpace(s[start : end+1])
}
