// Package genai provides the Anthropic-backed step functions for SiteSmith's
// built-in task types: site analysis, architecture, design, code generation,
// deployment, and export.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/sitesmith/sitesmith/internal/engine"
)

// Client wraps the Anthropic SDK client with token tracking.
type Client struct {
	inner   anthropic.Client
	model   anthropic.Model
	tracker *TokenTracker
}

// ClientConfig contains configuration for creating a new Client.
type ClientConfig struct {
	// Model is the Claude model to use.
	Model anthropic.Model
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY env var.
	APIKey string
	// UseAWSBedrock routes calls through AWS Bedrock instead of the direct API.
	UseAWSBedrock bool
	// AWSRegion is the AWS region for Bedrock (e.g., "us-west-2").
	AWSRegion string
	// AWSProfile is the optional AWS profile name to use.
	AWSProfile string
}

// NewClient creates a new Anthropic API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		ctx := context.Background()

		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}

		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	inner := anthropic.NewClient(opts...)

	model := cfg.Model
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if cfg.UseAWSBedrock {
		model = translateModelForBedrock(model)
	}

	return &Client{
		inner:   inner,
		model:   model,
		tracker: NewTokenTracker(),
	}, nil
}

// translateModelForBedrock converts standard Anthropic model names to Bedrock
// cross-region inference profile format: us.anthropic.{model}-v1:0
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:   "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}

	if bedrockModel, ok := bedrockModels[model]; ok {
		return anthropic.Model(bedrockModel)
	}
	return model
}

// Model returns the configured model name.
func (c *Client) Model() anthropic.Model {
	return c.model
}

// Tracker returns the token tracker for this client.
func (c *Client) Tracker() *TokenTracker {
	return c.tracker
}

// usage captures per-call token figures for task metrics.
type usage struct {
	input  int64
	output int64
}

func (u usage) total() int64 { return u.input + u.output }

// cost estimates the call cost in USD at approximate Sonnet pricing:
// $3/1M input, $15/1M output.
func (u usage) cost() float64 {
	return float64(u.input)/1_000_000*3.0 + float64(u.output)/1_000_000*15.0
}

// generate executes a prompt and returns the text response. When a content
// sink is attached to ctx the response is streamed into it fragment by
// fragment as it arrives.
func (c *Client) generate(ctx context.Context, systemPrompt, userPrompt string) (string, usage, error) {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 16384,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	sink := engine.ContentSink(ctx)
	if sink == nil {
		resp, err := c.inner.Messages.New(ctx, params)
		if err != nil {
			return "", usage{}, classifyAPIError(err)
		}

		u := usage{input: resp.Usage.InputTokens, output: resp.Usage.OutputTokens}
		c.tracker.Add(u.input, u.output)

		var result strings.Builder
		for _, block := range resp.Content {
			if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
				result.WriteString(variant.Text)
			}
		}
		return result.String(), u, nil
	}

	stream := c.inner.Messages.NewStreaming(ctx, params)
	acc := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return "", usage{}, fmt.Errorf("accumulate stream: %w", err)
		}
		if variant, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if delta, ok := variant.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				sink(delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return "", usage{}, classifyAPIError(err)
	}

	u := usage{input: acc.Usage.InputTokens, output: acc.Usage.OutputTokens}
	c.tracker.Add(u.input, u.output)

	var result strings.Builder
	for _, block := range acc.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			result.WriteString(variant.Text)
		}
	}
	return result.String(), u, nil
}

// generateJSON executes a prompt and parses the JSON response into target.
// A malformed response is a validation failure, not a transient one: the
// prompt needs fixing, not a retry.
func (c *Client) generateJSON(ctx context.Context, systemPrompt, userPrompt string, target any) (usage, error) {
	response, u, err := c.generate(ctx, systemPrompt, userPrompt)
	if err != nil {
		return u, err
	}

	jsonStart := strings.Index(response, "{")
	jsonEnd := strings.LastIndex(response, "}")
	if jsonStart == -1 || jsonEnd == -1 || jsonEnd <= jsonStart {
		return u, engine.FatalError(engine.CodeValidation,
			fmt.Errorf("no valid JSON found in response: %s", truncate(response, 200)))
	}

	jsonStr := response[jsonStart : jsonEnd+1]
	if err := json.Unmarshal([]byte(jsonStr), target); err != nil {
		return u, engine.FatalError(engine.CodeValidation,
			fmt.Errorf("parse JSON: %w (response: %s)", err, truncate(jsonStr, 200)))
	}
	return u, nil
}

// classifyAPIError maps SDK errors onto the engine's retry taxonomy.
// Rate limits and server-side failures are transient; everything else is not.
func classifyAPIError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 429:
			return engine.RetryableError(engine.CodeUpstreamRateLimited, err)
		case apierr.StatusCode == 529 || apierr.StatusCode >= 500:
			return engine.RetryableError(engine.CodeServiceUnavailable, err)
		case apierr.StatusCode == 408:
			return engine.RetryableError(engine.CodeTimeout, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return engine.RetryableError(engine.CodeTimeout, err)
	}
	return err
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// TokenTracker tracks token usage across API calls.
type TokenTracker struct {
	mu        sync.Mutex
	inputTok  int64
	outputTok int64
	calls     int
}

// NewTokenTracker creates a new token tracker.
func NewTokenTracker() *TokenTracker {
	return &TokenTracker{}
}

// Add records token usage from an API call.
func (t *TokenTracker) Add(input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTok += input
	t.outputTok += output
	t.calls++
}

// Total returns the total input and output tokens tracked.
func (t *TokenTracker) Total() (input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inputTok, t.outputTok
}

// Calls returns the number of API calls made.
func (t *TokenTracker) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// Reset clears all tracked token usage.
func (t *TokenTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTok = 0
	t.outputTok = 0
	t.calls = 0
}

// Cost estimates the tracked cost in USD based on current Claude pricing.
func (t *TokenTracker) Cost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return usage{input: t.inputTok, output: t.outputTok}.cost()
}
