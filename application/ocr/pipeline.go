package ocr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/accounting-finance-manager-sub006/domain/ai"
	"github.com/irfndi/accounting-finance-manager-sub006/domain/ocr"
	"github.com/irfndi/accounting-finance-manager-sub006/domain/persistence"
)

const (
	extractionMaxTokens = 4096

	// Confidence reported when the model ignored the JSON instruction and
	// answered free-form. The text is still usable, its self-assessment is
	// not.
	defaultConfidence = 0.5
)

const extractionSystemPrompt = `You are a document text extraction engine for an accounting system. ` +
	`Extract every piece of text from the supplied document, preserving reading order. ` +
	`Keep amounts, dates, account numbers and identifiers exactly as written. ` +
	`Respond with a single JSON object of the form {"text": "<extracted text>", "confidence": <number between 0 and 1>} and nothing else.`

// sizeCeilings is the MIME allow-list. Absence means unsupported; the
// value is the per-type upload ceiling in bytes.
var sizeCeilings = map[string]int64{
	"image/jpeg":      10 << 20,
	"image/png":       10 << 20,
	"image/webp":      10 << 20,
	"application/pdf": 25 << 20,
}

// Invoker is the slice of the orchestrator the pipeline consumes.
type Invoker interface {
	GenerateText(ctx context.Context, messages []ai.Message, opts ai.GenerationOptions) (*ai.GenerationResult, error)
}

// Config tunes one pipeline instance. Model and FallbackModel are
// distinct model identifiers, not accounts of the same model.
type Config struct {
	Model          string
	FallbackModel  string
	MaxConcurrency int
	CacheSize      int
}

type cachedExtraction struct {
	text       string
	confidence float64
	modelID    string
}

// Pipeline runs document extraction calls: validate offline, invoke
// through the orchestrator with a model-level fallback, classify the
// failure, record metrics exactly once per logical call. Batch mode
// fans out over a bounded worker pool; the registry is the only shared
// mutable state the workers touch.
type Pipeline struct {
	invoker  Invoker
	registry *ocr.MetricsRegistry
	recorder persistence.ExtractionRecorder
	cache    *lru.Cache[string, cachedExtraction]
	workers  chan struct{}
	config   Config
}

// NewPipeline builds a pipeline. The recorder may be nil when extraction
// persistence is disabled; the cache is skipped when CacheSize is zero.
func NewPipeline(invoker Invoker, registry *ocr.MetricsRegistry, recorder persistence.ExtractionRecorder, config Config) (*Pipeline, error) {
	if invoker == nil {
		return nil, errors.New("invoker is required")
	}
	if registry == nil {
		return nil, errors.New("metrics registry is required")
	}
	if config.Model == "" {
		return nil, errors.New("extraction model is required")
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}

	p := &Pipeline{
		invoker:  invoker,
		registry: registry,
		recorder: recorder,
		workers:  make(chan struct{}, config.MaxConcurrency),
		config:   config,
	}

	if config.CacheSize > 0 {
		cache, err := lru.New[string, cachedExtraction](config.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create extraction cache: %w", err)
		}
		p.cache = cache
	}

	return p, nil
}

// Process runs one extraction call end to end. Failures never surface as
// errors; they are folded into the result so batch callers can treat
// every file uniformly.
func (p *Pipeline) Process(ctx context.Context, task ocr.Task) ocr.Result {
	start := time.Now()
	task.MIMEType = normalizeMIME(task.MIMEType)
	task.SizeBytes = int64(len(task.Bytes))

	if err := validateTask(task); err != nil {
		return p.finishFailure(task, start, err, false)
	}

	var key string
	if p.cache != nil {
		key = cacheKey(task.Bytes, p.config.Model)
		if hit, ok := p.cache.Get(key); ok {
			logrus.WithFields(logrus.Fields{
				"file_id": task.FileID,
				"model":   hit.modelID,
			}).Debug("Extraction served from cache")
			return ocr.Result{
				Success:          true,
				Text:             hit.text,
				Confidence:       hit.confidence,
				ModelID:          hit.modelID,
				ProcessingTimeMs: time.Since(start).Milliseconds(),
			}
		}
	}

	text, confidence, modelID, fallbackUsed, err := p.extract(ctx, task)
	if err != nil {
		return p.finishFailure(task, start, err, fallbackUsed)
	}

	if p.cache != nil {
		p.cache.Add(key, cachedExtraction{text: text, confidence: confidence, modelID: modelID})
	}

	return p.finishSuccess(task, start, text, confidence, modelID, fallbackUsed)
}

// ProcessBatch runs independent extraction calls over a bounded worker
// pool. Results keep the input file identifiers; one file's failure
// never aborts the others.
func (p *Pipeline) ProcessBatch(ctx context.Context, tasks []ocr.Task) []ocr.BatchItem {
	items := make([]ocr.BatchItem, len(tasks))

	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task ocr.Task) {
			defer wg.Done()

			select {
			case p.workers <- struct{}{}:
				defer func() { <-p.workers }()
			case <-ctx.Done():
				items[i] = ocr.BatchItem{
					FileID: task.FileID,
					Result: p.finishFailure(task, time.Now(), ctx.Err(), false),
				}
				return
			}

			items[i] = ocr.BatchItem{FileID: task.FileID, Result: p.Process(ctx, task)}
		}(i, task)
	}
	wg.Wait()

	return items
}

// Metrics returns a snapshot of the extraction counters.
func (p *Pipeline) Metrics() ocr.Metrics { return p.registry.Snapshot() }

// ResetMetrics zeroes the extraction counters.
func (p *Pipeline) ResetMetrics() { p.registry.Reset() }

// extract invokes the primary model and, when it fails for any reason
// other than malformed input, retries the whole call once on the
// fallback model. The returned flag reports whether the fallback model
// was invoked, regardless of its outcome.
func (p *Pipeline) extract(ctx context.Context, task ocr.Task) (string, float64, string, bool, error) {
	text, confidence, modelID, err := p.invokeModel(ctx, task, p.config.Model)
	if err == nil {
		return text, confidence, modelID, false, nil
	}
	if p.config.FallbackModel == "" || p.config.FallbackModel == p.config.Model || ai.IsValidation(err) || ctx.Err() != nil {
		return "", 0, "", false, err
	}

	logrus.WithFields(logrus.Fields{
		"file_id":        task.FileID,
		"model":          p.config.Model,
		"fallback_model": p.config.FallbackModel,
		"error":          err.Error(),
	}).Warn("Primary extraction model failed, trying fallback model")

	text, confidence, modelID, err = p.invokeModel(ctx, task, p.config.FallbackModel)
	if err != nil {
		return "", 0, "", true, err
	}
	return text, confidence, modelID, true, nil
}

func (p *Pipeline) invokeModel(ctx context.Context, task ocr.Task, model string) (string, float64, string, error) {
	temperature := 0.0
	maxTokens := extractionMaxTokens

	messages := []ai.Message{
		{Role: ai.RoleSystem, Content: extractionSystemPrompt},
		{
			Role:    ai.RoleUser,
			Content: "Extract the text from the attached document.",
			Attachments: []ai.Attachment{
				{MIMEType: task.MIMEType, Data: task.Bytes},
			},
		},
	}

	result, err := p.invoker.GenerateText(ctx, messages, ai.GenerationOptions{
		Model:       model,
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return "", 0, "", err
	}

	text, confidence := parseExtraction(result.Content)
	modelID := result.ModelID
	if modelID == "" {
		modelID = model
	}
	return text, confidence, modelID, nil
}

func (p *Pipeline) finishSuccess(task ocr.Task, start time.Time, text string, confidence float64, modelID string, fallbackUsed bool) ocr.Result {
	duration := time.Since(start)
	p.registry.Record(ocr.Outcome{
		Success:      true,
		Duration:     duration,
		FallbackUsed: fallbackUsed,
	})

	result := ocr.Result{
		Success:          true,
		Text:             text,
		Confidence:       confidence,
		ProcessingTimeMs: duration.Milliseconds(),
		FallbackUsed:     fallbackUsed,
		ModelID:          modelID,
	}
	p.persist(task, result)

	logrus.WithFields(logrus.Fields{
		"file_id":       task.FileID,
		"mime_type":     task.MIMEType,
		"model":         modelID,
		"duration_ms":   result.ProcessingTimeMs,
		"fallback_used": fallbackUsed,
	}).Info("Extraction completed")

	return result
}

func (p *Pipeline) finishFailure(task ocr.Task, start time.Time, err error, fallbackUsed bool) ocr.Result {
	duration := time.Since(start)
	code, retryable := ocr.Classify(err)

	p.registry.Record(ocr.Outcome{
		Success:      false,
		Duration:     duration,
		ErrorCode:    code,
		FallbackUsed: fallbackUsed,
	})

	result := ocr.Result{
		Success:          false,
		Error:            err.Error(),
		ErrorCode:        code,
		ProcessingTimeMs: duration.Milliseconds(),
		Retryable:        retryable,
		FallbackUsed:     fallbackUsed,
	}
	p.persist(task, result)

	logrus.WithFields(logrus.Fields{
		"file_id":     task.FileID,
		"mime_type":   task.MIMEType,
		"error_code":  code,
		"retryable":   retryable,
		"duration_ms": result.ProcessingTimeMs,
		"error":       err.Error(),
	}).Warn("Extraction failed")

	return result
}

// persist hands the outcome to the async recorder. Recording is
// best-effort; a rejected record is logged and forgotten.
func (p *Pipeline) persist(task ocr.Task, result ocr.Result) {
	if p.recorder == nil {
		return
	}
	record := persistence.ExtractionRecord{
		DocumentID:   task.FileID,
		MIMEType:     task.MIMEType,
		SizeBytes:    task.SizeBytes,
		Success:      result.Success,
		ErrorCode:    string(result.ErrorCode),
		FallbackUsed: result.FallbackUsed,
		DurationMs:   result.ProcessingTimeMs,
		Model:        result.ModelID,
		Text:         result.Text,
	}
	if err := p.recorder.RecordExtraction(record); err != nil {
		logrus.WithError(err).WithField("file_id", task.FileID).Debug("Extraction record dropped")
	}
}

// validateTask enforces the MIME allow-list and the per-type size
// ceiling. It never touches the network.
func validateTask(task ocr.Task) error {
	if task.SizeBytes <= 0 {
		return &ocr.ValidationError{Code: ocr.CodeValidationFailed, Message: "file is empty"}
	}
	ceiling, ok := sizeCeilings[task.MIMEType]
	if !ok {
		return &ocr.ValidationError{
			Code:    ocr.CodeUnsupportedFormat,
			Message: fmt.Sprintf("unsupported MIME type %q", task.MIMEType),
		}
	}
	if task.SizeBytes > ceiling {
		return &ocr.ValidationError{
			Code:    ocr.CodeFileTooLarge,
			Message: fmt.Sprintf("file size %d exceeds the %d byte limit for %s", task.SizeBytes, ceiling, task.MIMEType),
		}
	}
	return nil
}

func normalizeMIME(mimeType string) string {
	if idx := strings.IndexByte(mimeType, ';'); idx >= 0 {
		mimeType = mimeType[:idx]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

type extractionPayload struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// parseExtraction reads the model output leniently. A JSON object of the
// requested shape wins, with or without markdown fences around it;
// anything else is taken verbatim as the extracted text.
func parseExtraction(raw string) (string, float64) {
	candidate := strings.TrimSpace(raw)
	if strings.HasPrefix(candidate, "```") {
		candidate = strings.TrimPrefix(candidate, "```json")
		candidate = strings.TrimPrefix(candidate, "```")
		candidate = strings.TrimSuffix(candidate, "```")
		candidate = strings.TrimSpace(candidate)
	}

	var payload extractionPayload
	if err := json.Unmarshal([]byte(candidate), &payload); err == nil && payload.Text != "" {
		confidence := payload.Confidence
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 1 {
			confidence = 1
		}
		return payload.Text, confidence
	}

	return strings.TrimSpace(raw), defaultConfidence
}

func cacheKey(data []byte, model string) string {
	hash := sha256.New()
	hash.Write(data)
	hash.Write([]byte(model))
	return hex.EncodeToString(hash.Sum(nil)[:16])
}
