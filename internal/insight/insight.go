// Package insight wraps the external language-model service that advises
// trading decisions.
package insight

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"polypulse/internal/config"
)

var (
	ErrUpstreamTimeout = errors.New("insight service timed out")
	ErrUnavailable     = errors.New("insight service unavailable")
)

// Client completes a prompt into raw text.
type Client interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
	Available() bool
}

// AnthropicClient calls the Messages API with a bounded timeout.
type AnthropicClient struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	timeout   time.Duration
}

// NewAnthropicClient returns nil when no API key is configured; callers treat
// a nil Client as unavailable.
func NewAnthropicClient(cfg config.InsightConfig, opts ...option.RequestOption) *AnthropicClient {
	if cfg.APIKey == "" {
		return nil
	}
	opts = append([]option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}, opts...)

	return &AnthropicClient{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout.Duration,
	}
}

func (c *AnthropicClient) Available() bool { return c != nil }

func (c *AnthropicClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	if c == nil {
		return "", ErrUnavailable
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
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
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("calling messages api: %w", ErrUpstreamTimeout)
		}
		return "", fmt.Errorf("calling messages api: %w: %v", ErrUnavailable, err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("empty completion: %w", ErrUnavailable)
	}
	return b.String(), nil
}
