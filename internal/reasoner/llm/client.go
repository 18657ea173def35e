// Package llm implements reasoner.Reasoner against an OpenAI-compatible
// chat completion API.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/opsmend/opsmend/internal/cluster"
	"github.com/opsmend/opsmend/internal/domain"
	"github.com/opsmend/opsmend/internal/reasoner"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

// Config contains the chat completion client settings.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string // override for gateways and tests; empty means the public API
	Timeout time.Duration
}

// Client calls a chat completion model and decodes its judgments.
type Client struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewClient creates a reasoning client from config.
func NewClient(cfg Config) *Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	return &Client{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   model,
		timeout: cfg.Timeout,
	}
}

// Classify implements reasoner.Reasoner.
func (c *Client) Classify(ctx context.Context, issue domain.Issue) (*domain.TriageJudgment, error) {
	content, err := c.complete(ctx, triageSystemPrompt, buildTriagePrompt(issue))
	if err != nil {
		return nil, fmt.Errorf("triage completion: %w", err)
	}
	return reasoner.DecodeTriage(content)
}

// Diagnose implements reasoner.Reasoner.
func (c *Client) Diagnose(ctx context.Context, issue domain.Issue, triage domain.TriageJudgment, snap *cluster.Snapshot) (*domain.DiagnosticJudgment, error) {
	content, err := c.complete(ctx, diagnosisSystemPrompt, buildDiagnosisPrompt(issue, triage, snap))
	if err != nil {
		return nil, fmt.Errorf("diagnosis completion: %w", err)
	}
	return reasoner.DecodeDiagnostic(content)
}

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	slog.Debug("chat completion request", "model", c.model, "prompt_bytes", len(user))

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		// omitempty drops a literal 0; the smallest float is the documented workaround
		Temperature: math.SmallestNonzeroFloat32,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("model returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
