package provider

import (
	"context"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/basket/sprintloop/internal/task"
)

const (
	openRouterBaseURL    = "https://openrouter.ai/api/v1"
	openRouterUSDPerMTok = 3.0
)

// OpenRouter calls the OpenRouter chat completions API through the
// OpenAI-compatible surface.
type OpenRouter struct {
	client    openai.Client
	model     string
	maxTokens int64
}

func NewOpenRouter(apiKey, model string, maxTokens int64) *OpenRouter {
	if model == "" {
		model = "deepseek/deepseek-chat"
	}
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &OpenRouter{
		client: openai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(openRouterBaseURL),
		),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (o *OpenRouter) Name() string { return "openrouter" }

func (o *OpenRouter) Generate(ctx context.Context, req Request) (Response, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	msgs = append(msgs, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(o.model),
		Messages:  msgs,
		MaxTokens: openai.Int(o.maxTokens),
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	start := time.Now()
	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, classifyAPIError(o.Name(), err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, task.NewError(task.ErrorKindUnknown, "openrouter returned no choices")
	}
	tokens := resp.Usage.TotalTokens
	return Response{
		Provider:   o.Name(),
		Content:    resp.Choices[0].Message.Content,
		Latency:    time.Since(start),
		TokensUsed: tokens,
		CostUSD:    float64(tokens) / 1e6 * openRouterUSDPerMTok,
	}, nil
}
