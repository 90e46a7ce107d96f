package provider

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/basket/sprintloop/internal/task"
)

// Token pricing per million tokens, blended input/output. Estimates only.
const anthropicUSDPerMTok = 9.0

// Anthropic calls the Anthropic Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

func NewAnthropic(apiKey, model string, maxTokens int64) *Anthropic {
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_20250514)
	}
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &Anthropic{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) Generate(ctx context.Context, req Request) (Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	start := time.Now()
	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, classifyAPIError(a.Name(), err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	tokens := msg.Usage.InputTokens + msg.Usage.OutputTokens
	return Response{
		Provider:   a.Name(),
		Content:    sb.String(),
		Latency:    time.Since(start),
		TokensUsed: tokens,
		CostUSD:    float64(tokens) / 1e6 * anthropicUSDPerMTok,
	}, nil
}

// classifyAPIError maps transport and HTTP failures from provider SDKs onto
// the task error taxonomy so the router and retry policy can act on them.
func classifyAPIError(provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return task.WrapError(task.ErrorKindTimeout, provider+" request timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return task.WrapError(task.ErrorKindCancelled, provider+" request cancelled", err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "authentication") || strings.Contains(msg, "invalid x-api-key"):
		return task.WrapError(task.ErrorKindAuth, provider+" rejected credentials", err)
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return task.WrapError(task.ErrorKindRateLimited, provider+" rate limited", err)
	case strings.Contains(msg, "overloaded") || strings.Contains(msg, "529") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host"):
		return task.WrapError(task.ErrorKindUnavailable, provider+" unavailable", err)
	}
	return task.WrapError(task.ErrorKindUnknown, provider+" call failed", err)
}
