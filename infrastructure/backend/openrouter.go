package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/accounting-finance-manager-sub006/domain/ai"
)

// OpenRouterAdapter talks to the OpenRouter chat-completions API. One
// instance is bound to one credential/model pair at construction and is
// stateless afterwards; retries and failover live in the orchestrator.
type OpenRouterAdapter struct {
	name       string
	apiKey     string
	baseURL    string
	model      string
	refererURL string
	appName    string
	httpClient *http.Client
}

func NewOpenRouterAdapter(name, apiKey, baseURL, model, refererURL, appName string) *OpenRouterAdapter {
	// Configure HTTP client with connection pooling
	transport := &http.Transport{
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       200,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    false,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}

	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}

	return &OpenRouterAdapter{
		name:       name,
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		refererURL: refererURL,
		appName:    appName,
		httpClient: &http.Client{
			Transport: transport,
		},
	}
}

func (a *OpenRouterAdapter) Name() string { return a.name }

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type usageOptions struct {
	Include bool `json:"include"`
}

type apiRequest struct {
	Model            string         `json:"model"`
	Messages         []apiMessage   `json:"messages"`
	MaxTokens        *int           `json:"max_tokens,omitempty"`
	Temperature      *float64       `json:"temperature,omitempty"`
	TopP             *float64       `json:"top_p,omitempty"`
	PresencePenalty  *float64       `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64       `json:"frequency_penalty,omitempty"`
	Stop             []string       `json:"stop,omitempty"`
	Stream           bool           `json:"stream,omitempty"`
	StreamOptions    *streamOptions `json:"stream_options,omitempty"`
	Usage            *usageOptions  `json:"usage,omitempty"`
}

// apiMessage content is either a plain string or a slice of contentPart
// when the message carries attachments.
type apiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *imageURLPart `json:"image_url,omitempty"`
	File     *filePart     `json:"file,omitempty"`
}

type imageURLPart struct {
	URL string `json:"url"`
}

type filePart struct {
	Filename string `json:"filename"`
	FileData string `json:"file_data"`
}

type apiResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiChoice struct {
	Index        int                `json:"index"`
	Message      apiResponseMessage `json:"message"`
	FinishReason string             `json:"finish_reason"`
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type apiResponse struct {
	ID      string      `json:"id"`
	Model   string      `json:"model"`
	Choices []apiChoice `json:"choices"`
	Usage   *apiUsage   `json:"usage"`
}

type apiStreamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type apiStreamChoice struct {
	Index        int            `json:"index"`
	Delta        apiStreamDelta `json:"delta"`
	FinishReason *string        `json:"finish_reason,omitempty"`
}

type apiStreamChunk struct {
	ID      string            `json:"id"`
	Model   string            `json:"model"`
	Choices []apiStreamChoice `json:"choices"`
	Usage   *apiUsage         `json:"usage,omitempty"`
}

type apiErrorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (a *OpenRouterAdapter) GenerateText(ctx context.Context, messages []ai.Message, opts ai.GenerationOptions) (*ai.GenerationResult, error) {
	model := a.resolveModel(opts)
	if model == "" {
		return nil, &ai.ValidationError{Field: "model", Message: "no model configured for adapter " + a.name}
	}

	body, err := json.Marshal(a.buildRequest(model, messages, opts, false))
	if err != nil {
		return nil, &ai.ProviderError{Adapter: a.name, Message: "marshal request", Err: err}
	}

	resp, err := a.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ai.ProviderError{Adapter: a.name, Network: true, Message: "read response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, a.mapStatusError(resp, raw, model)
	}

	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &ai.ProviderError{Adapter: a.name, Message: "decode response", Err: err}
	}
	if len(out.Choices) == 0 {
		return nil, &ai.ProviderError{Adapter: a.name, Message: fmt.Sprintf("empty choices from model %s", model)}
	}

	choice := out.Choices[0]
	result := &ai.GenerationResult{
		Content:      choice.Message.Content,
		ModelID:      out.Model,
		FinishReason: mapFinishReason(choice.FinishReason),
	}
	if out.Usage != nil {
		result.Usage = &ai.TokenUsage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			TotalTokens:      out.Usage.TotalTokens,
		}
	}
	return result, nil
}

func (a *OpenRouterAdapter) GenerateStream(ctx context.Context, messages []ai.Message, opts ai.GenerationOptions, onFragment ai.StreamHandler[ai.StreamFragment]) error {
	model := a.resolveModel(opts)
	if model == "" {
		return &ai.ValidationError{Field: "model", Message: "no model configured for adapter " + a.name}
	}

	body, err := json.Marshal(a.buildRequest(model, messages, opts, true))
	if err != nil {
		return &ai.ProviderError{Adapter: a.name, Message: "marshal request", Err: err}
	}

	resp, err := a.post(ctx, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return a.mapStatusError(resp, raw, model)
	}

	var cumulative strings.Builder
	var usage *ai.TokenUsage

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				// Endpoint closed without the [DONE] sentinel; still
				// terminate the sequence properly.
				return onFragment(ai.StreamFragment{Content: cumulative.String(), Done: true, Usage: usage})
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return &ai.ProviderError{Adapter: a.name, Timeout: true, Err: err}
			}
			if errors.Is(err, context.Canceled) {
				return err
			}
			return &ai.ProviderError{Adapter: a.name, Network: true, Message: "stream read", Err: err}
		}
		if len(line) < 6 || string(line[:6]) != "data: " {
			continue
		}
		payload := bytes.TrimSpace(line[6:])
		if bytes.Equal(payload, []byte("[DONE]")) {
			return onFragment(ai.StreamFragment{Content: cumulative.String(), Done: true, Usage: usage})
		}

		var chunk apiStreamChunk
		if err := json.Unmarshal(payload, &chunk); err != nil {
			logrus.WithFields(logrus.Fields{"payload": string(payload), "model": model}).Error("Failed to decode streaming chunk")
			return &ai.ProviderError{Adapter: a.name, Message: fmt.Sprintf("decode chunk for model %s", model), Err: err}
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

// IsAvailable probes the models endpoint. Any failure, including a
// panic inside the HTTP stack, maps to false.
func (a *OpenRouterAdapter) IsAvailable(ctx context.Context) (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (a *OpenRouterAdapter) resolveModel(opts ai.GenerationOptions) string {
	if opts.Model != "" {
		return opts.Model
	}
	return a.model
}

func (a *OpenRouterAdapter) buildRequest(model string, messages []ai.Message, opts ai.GenerationOptions, stream bool) apiRequest {
	req := apiRequest{
		Model:            model,
		Messages:         toAPIMessages(messages),
		MaxTokens:        opts.MaxTokens,
		Temperature:      opts.Temperature,
		TopP:             opts.TopP,
		PresencePenalty:  opts.PresencePenalty,
		FrequencyPenalty: opts.FrequencyPenalty,
		Stop:             opts.StopSequences,
		Stream:           stream,
		Usage:            &usageOptions{Include: true},
	}
	if stream {
		req.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return req
}

func (a *OpenRouterAdapter) post(ctx context.Context, body []byte) (*http.Response, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return nil, &ai.ProviderError{Adapter: a.name, Message: "new request", Err: err}
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Authorization", "Bearer "+a.apiKey)
	hreq.Header.Set("HTTP-Referer", a.refererURL)
	hreq.Header.Set("X-Title", a.appName)

	resp, err := a.httpClient.Do(hreq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &ai.ProviderError{Adapter: a.name, Timeout: true, Err: err}
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &ai.ProviderError{Adapter: a.name, Network: true, Err: err}
	}
	return resp, nil
}

// mapStatusError turns a non-200 response into the typed error the
// orchestrator keys its retry and failover policy on.
func (a *OpenRouterAdapter) mapStatusError(resp *http.Response, raw []byte, model string) error {
	message := string(raw)
	var envelope apiErrorEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
	}

	logrus.WithFields(logrus.Fields{
		"status": resp.StatusCode,
		"model":  model,
		"body":   truncateForLog(message),
	}).Warn("OpenRouter API error")

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &ai.RateLimitError{
			Adapter:    a.name,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Message:    message,
		}
	case resp.StatusCode == http.StatusPaymentRequired:
		return &ai.QuotaExceededError{Adapter: a.name, Message: message}
	case resp.StatusCode == http.StatusForbidden && strings.Contains(strings.ToLower(message), "quota"):
		return &ai.QuotaExceededError{Adapter: a.name, Message: message}
	default:
		return &ai.ProviderError{Adapter: a.name, Status: resp.StatusCode, Message: message}
	}
}

// parseRetryAfter accepts the delta-seconds and HTTP-date forms of the
// Retry-After header. Zero means no usable hint.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func toAPIMessages(messages []ai.Message) []apiMessage {
	out := make([]apiMessage, 0, len(messages))
	for _, m := range messages {
		if len(m.Attachments) == 0 {
			out = append(out, apiMessage{Role: m.Role, Content: m.Content})
			continue
		}

		parts := make([]contentPart, 0, len(m.Attachments)+1)
		if m.Content != "" {
			parts = append(parts, contentPart{Type: "text", Text: m.Content})
		}
		for _, att := range m.Attachments {
			dataURL := "data:" + att.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(att.Data)
			if strings.HasPrefix(att.MIMEType, "image/") {
				parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURLPart{URL: dataURL}})
			} else {
				parts = append(parts, contentPart{Type: "file", File: &filePart{Filename: attachmentFilename(att.MIMEType), FileData: dataURL}})
			}
		}
		out = append(out, apiMessage{Role: m.Role, Content: parts})
	}
	return out
}

func attachmentFilename(mimeType string) string {
	if mimeType == "application/pdf" {
		return "document.pdf"
	}
	return "document"
}

func mapFinishReason(raw string) ai.FinishReason {
	switch raw {
	case "stop":
		return ai.FinishStop
	case "length":
		return ai.FinishLength
	case "content_filter":
		return ai.FinishContentFilter
	case "tool_calls":
		return ai.FinishToolCalls
	}
	return ""
}

func truncateForLog(s string) string {
	const max = 512
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
