package ai

import "time"

// Core generation entities independent of frameworks and vendors

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Attachment carries raw document bytes for multimodal requests.
// Adapters encode it in whatever shape their endpoint expects.
type Attachment struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

type Message struct {
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// GenerationOptions tune a single invocation. Nil pointer fields mean
// "use the backend's default"; a zero value would be indistinguishable
// from an explicit setting otherwise.
type GenerationOptions struct {
	Model            string   `json:"model,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	StopSequences    []string `json:"stop_sequences,omitempty"`
	StreamRequested  bool     `json:"stream_requested,omitempty"`
}

type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishToolCalls     FinishReason = "tool_calls"
)

// GenerationResult is produced exactly once per non-streaming invocation.
type GenerationResult struct {
	Content      string       `json:"content"`
	Usage        *TokenUsage  `json:"usage,omitempty"`
	ModelID      string       `json:"model_id,omitempty"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
}

// StreamFragment is one unit of a streamed response. Content is the
// cumulative text so far, Delta the increment carried by this fragment.
// A fragment sequence is finite, ordered, non-restartable and contains
// exactly one fragment with Done set.
type StreamFragment struct {
	Content string      `json:"content"`
	Delta   string      `json:"delta,omitempty"`
	Done    bool        `json:"done"`
	Usage   *TokenUsage `json:"usage,omitempty"`
}

// AdapterHealth is the result of probing one backend adapter.
type AdapterHealth struct {
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// InvocationConfig is owned by exactly one orchestrator instance and is
// immutable after construction.
type InvocationConfig struct {
	Primary        Backend
	Fallback       Backend
	RetryAttempts  int
	RetryDelay     time.Duration
	AttemptTimeout time.Duration
}
