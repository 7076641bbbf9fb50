package backend

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/irfndi/accounting-finance-manager-sub006/domain/ai"
)

// NativeAdapter binds to an OpenAI-compatible endpoint through the
// platform SDK instead of hand-rolled HTTP. Useful for the vendors the
// SDK already models (OpenAI itself, Azure, local gateways).
type NativeAdapter struct {
	name   string
	model  string
	client *openai.Client
}

func NewNativeAdapter(name, apiKey, baseURL, model string) *NativeAdapter {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &NativeAdapter{
		name:   name,
		model:  model,
		client: openai.NewClientWithConfig(cfg),
	}
}

func (a *NativeAdapter) Name() string { return a.name }

func (a *NativeAdapter) GenerateText(ctx context.Context, messages []ai.Message, opts ai.GenerationOptions) (*ai.GenerationResult, error) {
	req, err := a.buildRequest(messages, opts, false)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.CreateChatCompletion(ctx, *req)
	if err != nil {
		return nil, a.mapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ai.ProviderError{Adapter: a.name, Message: fmt.Sprintf("empty choices from model %s", req.Model)}
	}

	choice := resp.Choices[0]
	result := &ai.GenerationResult{
		Content:      choice.Message.Content,
		ModelID:      resp.Model,
		FinishReason: mapFinishReason(string(choice.FinishReason)),
	}
	if resp.Usage.TotalTokens > 0 {
		result.Usage = &ai.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return result, nil
}

func (a *NativeAdapter) GenerateStream(ctx context.Context, messages []ai.Message, opts ai.GenerationOptions, onFragment ai.StreamHandler[ai.StreamFragment]) error {
	req, err := a.buildRequest(messages, opts, true)
	if err != nil {
		return err
	}

	stream, err := a.client.CreateChatCompletionStream(ctx, *req)
	if err != nil {
		return a.mapError(err)
	}
	defer stream.Close()

	var cumulative strings.Builder
	var usage *ai.TokenUsage

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return onFragment(ai.StreamFragment{Content: cumulative.String(), Done: true, Usage: usage})
		}
		if err != nil {
			return a.mapError(err)
		}

		if chunk.Usage != nil {
			usage = &ai.TokenUsage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}

		var delta string
		if len(chunk.Choices) > 0 {
			delta = chunk.Choices[0].Delta.Content
		}
		if delta == "" {
			continue
		}
		cumulative.WriteString(delta)

		if err := onFragment(ai.StreamFragment{Content: cumulative.String(), Delta: delta}); err != nil {
			return err
		}
	}
}

// IsAvailable lists models as a reachability probe. Any failure maps to
// false.
func (a *NativeAdapter) IsAvailable(ctx context.Context) (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	_, err := a.client.ListModels(ctx)
	return err == nil
}

func (a *NativeAdapter) buildRequest(messages []ai.Message, opts ai.GenerationOptions, stream bool) (*openai.ChatCompletionRequest, error) {
	model := opts.Model
	if model == "" {
		model = a.model
	}
	if model == "" {
		return nil, &ai.ValidationError{Field: "model", Message: "no model configured for adapter " + a.name}
	}

	converted, err := a.toSDKMessages(messages)
	if err != nil {
		return nil, err
	}

	req := &openai.ChatCompletionRequest{
		Model:    model,
		Messages: converted,
		Stream:   stream,
		Stop:     opts.StopSequences,
	}
	if opts.MaxTokens != nil {
		req.MaxTokens = *opts.MaxTokens
	}
	if opts.Temperature != nil {
		req.Temperature = float32(*opts.Temperature)
	}
	if opts.TopP != nil {
		req.TopP = float32(*opts.TopP)
	}
	if opts.PresencePenalty != nil {
		req.PresencePenalty = float32(*opts.PresencePenalty)
	}
	if opts.FrequencyPenalty != nil {
		req.FrequencyPenalty = float32(*opts.FrequencyPenalty)
	}
	if stream {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return req, nil
}

func (a *NativeAdapter) toSDKMessages(messages []ai.Message) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		if len(m.Attachments) == 0 {
			out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
			continue
		}

		parts := make([]openai.ChatMessagePart, 0, len(m.Attachments)+1)
		if m.Content != "" {
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: m.Content})
		}
		for _, att := range m.Attachments {
			if !strings.HasPrefix(att.MIMEType, "image/") {
				return nil, &ai.ValidationError{
					Field:   "attachments",
					Message: fmt.Sprintf("adapter %s only supports image attachments, got %s", a.name, att.MIMEType),
				}
			}
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL: "data:" + att.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(att.Data),
				},
			})
		}
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, MultiContent: parts})
	}
	return out, nil
}

// mapError translates SDK errors into the shared taxonomy. OpenAI
// reports hard quota exhaustion as a 429 with code insufficient_quota,
// so the code disambiguates throttling from denial.
func (a *NativeAdapter) mapError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ai.ProviderError{Adapter: a.name, Timeout: true, Err: err}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code, _ := apiErr.Code.(string)
		switch {
		case code == "insufficient_quota" || apiErr.HTTPStatusCode == http.StatusPaymentRequired:
			return &ai.QuotaExceededError{Adapter: a.name, Message: apiErr.Message}
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return &ai.RateLimitError{Adapter: a.name, Message: apiErr.Message}
		default:
			return &ai.ProviderError{Adapter: a.name, Status: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ai.ProviderError{Adapter: a.name, Status: reqErr.HTTPStatusCode, Err: err}
	}

	return &ai.ProviderError{Adapter: a.name, Network: true, Err: err}
}
