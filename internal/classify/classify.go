// Package classify runs the study's offline text-classification passes
// against an OpenAI-compatible chat API: filtering political posts,
// flagging personal attacks, and scoring sentences on the three target
// emotions.
package classify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultMaxRetries = 3
	defaultBackoff    = 2 * time.Second
)

// completer is the slice of the OpenAI client the classifier needs.
type completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api        completer
	model      string
	maxRetries int
	backoff    time.Duration
}

// New creates a classification client.
func New(baseURL, apiKey, modelName string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:        openai.NewClientWithConfig(config),
		model:      modelName,
		maxRetries: defaultMaxRetries,
		backoff:    defaultBackoff,
	}
}

// chat sends one system+user exchange, retrying transient failures with a
// doubling backoff.
func (c *Client) chat(ctx context.Context, system, user string, temperature float32) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: temperature,
	}

	wait := c.backoff
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("retrying LLM call", "attempt", attempt, "wait", wait, "error", lastErr)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
			wait *= 2
		}

		resp, err := c.api.CreateChatCompletion(ctx, req)
		if err != nil {
			lastErr = fmt.Errorf("LLM API call: %w", err)
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("LLM returned no choices")
			continue
		}
		return resp.Choices[0].Message.Content, nil
	}
	return "", lastErr
}

// ParseThoughtAnswer splits a response in the model's 思考/回答 format,
// returning the reasoning and the final answer. A response without the
// markers is treated as all answer.
func ParseThoughtAnswer(raw string) (thought, answer string) {
	raw = strings.TrimSpace(raw)
	_, rest, found := strings.Cut(raw, "思考:")
	if !found {
		_, rest, found = strings.Cut(raw, "思考：")
	}
	if !found {
		return "", raw
	}
	thought, answer, found = strings.Cut(rest, "回答:")
	if !found {
		thought, answer, _ = strings.Cut(rest, "回答：")
	}
	return strings.TrimSpace(thought), strings.TrimSpace(answer)
}

// isAffirmative interprets a yes/no style answer in Chinese or English.
func isAffirmative(answer string) bool {
	answer = strings.ToLower(strings.TrimSpace(answer))
	return strings.HasPrefix(answer, "是") || strings.HasPrefix(answer, "yes") ||
		strings.HasPrefix(answer, "true")
}

// IsPoliticalPost asks the model three times whether the post is
// political and takes the majority answer.
func (c *Client) IsPoliticalPost(ctx context.Context, text string) (bool, error) {
	yes := 0
	for i := 0; i < 3; i++ {
		raw, err := c.chat(ctx, politicalSystemPrompt, text, 0.3)
		if err != nil {
			return false, fmt.Errorf("political check round %d: %w", i+1, err)
		}
		_, answer := ParseThoughtAnswer(raw)
		if isAffirmative(answer) {
			yes++
		}
	}
	return yes >= 2, nil
}

// HasPersonalAttack reports whether the post contains a personal attack.
func (c *Client) HasPersonalAttack(ctx context.Context, text string) (bool, error) {
	raw, err := c.chat(ctx, attackSystemPrompt, text, 0.1)
	if err != nil {
		return false, fmt.Errorf("attack check: %w", err)
	}
	_, answer := ParseThoughtAnswer(raw)
	return isAffirmative(answer), nil
}
