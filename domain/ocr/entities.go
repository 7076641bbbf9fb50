package ocr

// Core OCR entities independent of frameworks and vendors

// Task is the unit of one extraction call. It is transient and exists
// only for the duration of that call.
type Task struct {
	FileID    string `json:"file_id"`
	MIMEType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	Bytes     []byte `json:"-"`
}

// Result is produced exactly once per Task. Nothing here is persisted by
// the pipeline itself.
type Result struct {
	Success          bool      `json:"success"`
	Text             string    `json:"text,omitempty"`
	Confidence       float64   `json:"confidence,omitempty"`
	Error            string    `json:"error,omitempty"`
	ErrorCode        ErrorCode `json:"error_code,omitempty"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
	Retryable        bool      `json:"retryable,omitempty"`
	FallbackUsed     bool      `json:"fallback_used,omitempty"`
	ModelID          string    `json:"model_id,omitempty"`
}

// BatchItem pairs one batch input with its result so callers can
// re-associate regardless of completion order.
type BatchItem struct {
	FileID string `json:"file_id"`
	Result Result `json:"result"`
}
