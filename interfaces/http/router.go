package httpiface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/irfndi/accounting-finance-manager-sub006/application/advisor"
	"github.com/irfndi/accounting-finance-manager-sub006/application/invocation"
	"github.com/irfndi/accounting-finance-manager-sub006/domain/ai"
	"github.com/irfndi/accounting-finance-manager-sub006/domain/ocr"
	"github.com/irfndi/accounting-finance-manager-sub006/domain/persistence"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// GenerateService is the slice of the orchestrator the gateway consumes.
type GenerateService interface {
	GenerateText(ctx context.Context, messages []ai.Message, opts ai.GenerationOptions) (*ai.GenerationResult, error)
	GenerateStream(ctx context.Context, messages []ai.Message, opts ai.GenerationOptions) (*invocation.GenerationStream, error)
	GetProvidersHealth(ctx context.Context) map[string]ai.AdapterHealth
}

// OCRService is the slice of the extraction pipeline the gateway consumes.
type OCRService interface {
	Process(ctx context.Context, task ocr.Task) ocr.Result
	ProcessBatch(ctx context.Context, tasks []ocr.Task) []ocr.BatchItem
	Metrics() ocr.Metrics
	ResetMetrics()
}

// AdvisorService is the slice of the financial advisor the gateway consumes.
type AdvisorService interface {
	AnalyzeTransactions(ctx context.Context, transactions []advisor.Transaction, question string) (*advisor.Analysis, error)
	CategorizeTransaction(ctx context.Context, tx advisor.Transaction) (*advisor.Categorization, error)
	CheckCompliance(ctx context.Context, transactions []advisor.Transaction) (*advisor.ComplianceReport, error)
}

type Router struct {
	generator   GenerateService
	ocrService  OCRService
	advisor     AdvisorService
	corsOrigins []string
	dbManager   persistence.DatabaseManager
	processor   persistence.EventProcessor
}

func NewRouter(generator GenerateService, ocrService OCRService, advisorService AdvisorService, corsOrigins []string) *Router {
	return &Router{
		generator:   generator,
		ocrService:  ocrService,
		advisor:     advisorService,
		corsOrigins: corsOrigins,
	}
}

// NewRouterWithPersistence creates a router that also reports persistence health
func NewRouterWithPersistence(
	generator GenerateService,
	ocrService OCRService,
	advisorService AdvisorService,
	corsOrigins []string,
	dbManager persistence.DatabaseManager,
	processor persistence.EventProcessor,
) *Router {
	return &Router{
		generator:   generator,
		ocrService:  ocrService,
		advisor:     advisorService,
		corsOrigins: corsOrigins,
		dbManager:   dbManager,
		processor:   processor,
	}
}

func (r *Router) SetupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(r.corsMiddleware())

	// Health endpoints - no request ID required for monitoring tools
	router.GET("/live", r.liveness)
	router.GET("/ready", r.readiness)
	router.GET("/health", r.healthCheck)

	// Business API endpoints - carry a request ID for log correlation
	api := router.Group("/v1")
	api.Use(r.requestIDMiddleware())
	api.POST("/generate", r.generate)
	api.GET("/providers/health", r.providersHealth)

	if r.ocrService != nil {
		api.POST("/ocr", r.processDocument)
		api.POST("/ocr/batch", r.processBatch)
		api.GET("/ocr/metrics", r.getOCRMetrics)
		api.POST("/ocr/metrics/reset", r.resetOCRMetrics)
	}

	if r.advisor != nil {
		api.POST("/advisor/analysis", r.analyzeTransactions)
		api.POST("/advisor/categorization", r.categorizeTransaction)
		api.POST("/advisor/compliance", r.checkCompliance)
	}

	return router
}

func (r *Router) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqOrigin := c.GetHeader("Origin")
		if reqOrigin == "" {
			c.Header("Access-Control-Allow-Origin", strings.Join(r.corsOrigins, ", "))
		} else {
			allowOrigin := ""
			if len(r.corsOrigins) == 1 && r.corsOrigins[0] == "*" {
				allowOrigin = "*"
			} else {
				for _, allowed := range r.corsOrigins {
					if allowed == reqOrigin {
						allowOrigin = reqOrigin
						break
					}
				}
			}
			if allowOrigin != "" {
				c.Header("Access-Control-Allow-Origin", allowOrigin)
			}
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (r *Router) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)

		c.Next()
	}
}

func (r *Router) healthCheck(c *gin.Context) {
	checks := gin.H{
		"api": "ok",
	}

	overallOK := true

	if r.dbManager != nil {
		if err := r.dbManager.Health(c.Request.Context()); err != nil {
			checks["db"] = gin.H{"ok": false, "error": err.Error()}
			overallOK = false
		} else {
			checks["db"] = gin.H{"ok": true}
		}
	}

	if r.processor != nil {
		ph := r.processor.Health()
		checks["processor"] = ph
		if !ph.IsRunning {
			overallOK = false
		}
	}

	// Probe every configured adapter; the service is degraded only when
	// none of them can serve.
	if r.generator != nil {
		providers := r.generator.GetProvidersHealth(c.Request.Context())
		checks["providers"] = providers
		anyAvailable := false
		for _, h := range providers {
			if h.Available {
				anyAvailable = true
				break
			}
		}
		if !anyAvailable {
			overallOK = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !overallOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	health := gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "finance-manager-ai",
		"version":   "1.0.0",
		"checks":    checks,
	}
	c.JSON(code, health)
}

// liveness probe: process is up and serving HTTP
func (r *Router) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// readiness probe: local dependencies healthy and ready to serve traffic.
// Remote adapters are deliberately not probed here; monitoring polls this
// endpoint too often for outbound calls.
func (r *Router) readiness(c *gin.Context) {
	checks := gin.H{}
	ready := true

	// DB readiness if configured
	if r.dbManager != nil {
		if err := r.dbManager.Health(c.Request.Context()); err != nil {
			checks["db"] = gin.H{"ok": false, "error": err.Error()}
			ready = false
		} else {
			checks["db"] = gin.H{"ok": true}
		}
	}

	// Processor readiness if configured
	if r.processor != nil {
		ph := r.processor.Health()
		checks["processor"] = ph
		if !ph.IsRunning {
			ready = false
		}
	}

	if ready {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ready",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"checks":    checks,
		})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"status":    "not_ready",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}

// GenerateRequest is the inbound shape for one generation call.
type GenerateRequest struct {
	Model            string       `json:"model,omitempty"`
	Messages         []ai.Message `json:"messages"`
	MaxTokens        *int         `json:"max_tokens,omitempty"`
	Temperature      *float64     `json:"temperature,omitempty"`
	TopP             *float64     `json:"top_p,omitempty"`
	PresencePenalty  *float64     `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64     `json:"frequency_penalty,omitempty"`
	Stop             []string     `json:"stop,omitempty"`
	Stream           bool         `json:"stream,omitempty"`
}

func (r *Router) generate(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).Error("Failed to bind request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	opts := ai.GenerationOptions{
		Model:            req.Model,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		StopSequences:    req.Stop,
		StreamRequested:  req.Stream,
	}

	if req.Stream {
		r.generateStream(c, req.Messages, opts)
		return
	}

	result, err := r.generator.GenerateText(c.Request.Context(), req.Messages, opts)
	if err != nil {
		r.writeInvocationError(c, err)
		return
	}

	requestIDVal, _ := c.Get("request_id")
	fields := logrus.Fields{
		"request_id": requestIDVal,
		"model":      result.ModelID,
		"streaming":  false,
	}
	if result.Usage != nil {
		fields["usage_total"] = result.Usage.TotalTokens
		fields["usage_prompt"] = result.Usage.PromptTokens
		fields["usage_completion"] = result.Usage.CompletionTokens
	}
	logrus.WithFields(fields).Info("Generation usage")

	c.JSON(http.StatusOK, result)
}

func (r *Router) generateStream(c *gin.Context, messages []ai.Message, opts ai.GenerationOptions) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming not supported by server"})
		return
	}

	stream, err := r.generator.GenerateStream(c.Request.Context(), messages, opts)
	if err != nil {
		r.writeInvocationError(c, err)
		return
	}
	defer stream.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	// Usage arrives on the terminal fragment
	var finalUsage *ai.TokenUsage
	for {
		frag, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			logrus.WithError(err).Error("Streaming failed")
			return
		}
		if frag.Usage != nil {
			finalUsage = frag.Usage
		}
		data, err := json.Marshal(frag)
		if err != nil {
			logrus.WithError(err).Error("Failed to marshal stream fragment")
			return
		}
		if _, err := c.Writer.Write([]byte("data: ")); err != nil {
			return
		}
		if _, err := c.Writer.Write(data); err != nil {
			return
		}
		if _, err := c.Writer.Write([]byte("\n\n")); err != nil {
			return
		}
		flusher.Flush()
	}
	c.Writer.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()

	requestIDVal, _ := c.Get("request_id")
	if finalUsage != nil {
		logrus.WithFields(logrus.Fields{
			"request_id":       requestIDVal,
			"usage_total":      finalUsage.TotalTokens,
			"usage_prompt":     finalUsage.PromptTokens,
			"usage_completion": finalUsage.CompletionTokens,
			"streaming":        true,
		}).Info("Generation usage")
	} else {
		logrus.WithFields(logrus.Fields{
			"request_id": requestIDVal,
			"streaming":  true,
		}).Warn("No usage reported on stream end")
	}
}

// providersHealth reports per-adapter availability
func (r *Router) providersHealth(c *gin.Context) {
	c.JSON(http.StatusOK, r.generator.GetProvidersHealth(c.Request.Context()))
}

// processDocument handles a single multipart document upload
func (r *Router) processDocument(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required multipart field: file"})
		return
	}

	fileID := uploadFileID(fileHeader)
	task, err := readUpload(fileID, fileHeader)
	if err != nil {
		result := storageFailure(err)
		c.JSON(ocrStatus(result), result)
		return
	}

	result := r.ocrService.Process(c.Request.Context(), task)
	c.JSON(ocrStatus(result), result)
}

// processBatch handles a multipart upload of many documents. Results keep
// the upload order and every file gets a result, readable or not.
func (r *Router) processBatch(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid multipart form"})
		return
	}

	files := form.File["files"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required multipart field: files"})
		return
	}

	items := make([]ocr.BatchItem, len(files))
	tasks := make([]ocr.Task, 0, len(files))
	taskSlot := make([]int, 0, len(files))

	for i, fileHeader := range files {
		fileID := uploadFileID(fileHeader)
		task, err := readUpload(fileID, fileHeader)
		if err != nil {
			items[i] = ocr.BatchItem{FileID: fileID, Result: storageFailure(err)}
			continue
		}
		tasks = append(tasks, task)
		taskSlot = append(taskSlot, i)
	}

	for i, item := range r.ocrService.ProcessBatch(c.Request.Context(), tasks) {
		items[taskSlot[i]] = item
	}

	c.JSON(http.StatusOK, items)
}

// getOCRMetrics returns a snapshot of the extraction metrics registry
func (r *Router) getOCRMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, r.ocrService.Metrics())
}

// resetOCRMetrics zeroes the extraction metrics registry
func (r *Router) resetOCRMetrics(c *gin.Context) {
	r.ocrService.ResetMetrics()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// AnalysisRequest carries transactions plus an optional question
type AnalysisRequest struct {
	Transactions []advisor.Transaction `json:"transactions"`
	Question     string                `json:"question,omitempty"`
}

func (r *Router) analyzeTransactions(c *gin.Context) {
	var req AnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	analysis, err := r.advisor.AnalyzeTransactions(c.Request.Context(), req.Transactions, req.Question)
	if err != nil {
		r.writeInvocationError(c, err)
		return
	}

	c.JSON(http.StatusOK, analysis)
}

func (r *Router) categorizeTransaction(c *gin.Context) {
	var tx advisor.Transaction
	if err := c.ShouldBindJSON(&tx); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	categorization, err := r.advisor.CategorizeTransaction(c.Request.Context(), tx)
	if err != nil {
		r.writeInvocationError(c, err)
		return
	}

	c.JSON(http.StatusOK, categorization)
}

type ComplianceRequest struct {
	Transactions []advisor.Transaction `json:"transactions"`
}

func (r *Router) checkCompliance(c *gin.Context) {
	var req ComplianceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	report, err := r.advisor.CheckCompliance(c.Request.Context(), req.Transactions)
	if err != nil {
		r.writeInvocationError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

// writeInvocationError translates the invocation error taxonomy into
// HTTP statuses. Validation details are safe to echo; provider failures
// are logged in full and surfaced generically.
func (r *Router) writeInvocationError(c *gin.Context, err error) {
	if ai.IsValidation(err) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if ai.IsQuotaExceeded(err) {
		logrus.WithError(err).Error("Provider quota exhausted")
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "AI provider quota exhausted"})
		return
	}

	var rateLimit *ai.RateLimitError
	if errors.As(err, &rateLimit) {
		if hint, ok := ai.RetryAfterHint(err); ok {
			c.Header("Retry-After", strconv.Itoa(int(hint.Seconds())))
		}
		logrus.WithError(err).Warn("Provider rate limited")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "AI provider rate limited"})
		return
	}

	if ai.IsTimeout(err) {
		logrus.WithError(err).Error("Generation timed out")
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "AI provider timed out"})
		return
	}

	logrus.WithError(err).Error("Generation failed")
	c.JSON(http.StatusBadGateway, gin.H{"error": "AI provider request failed"})
}

func uploadFileID(fileHeader *multipart.FileHeader) string {
	if fileHeader.Filename != "" {
		return fileHeader.Filename
	}
	return uuid.New().String()
}

// readUpload pulls the uploaded bytes into a task. Read failures are
// storage failures, not validation failures.
func readUpload(fileID string, fileHeader *multipart.FileHeader) (ocr.Task, error) {
	file, err := fileHeader.Open()
	if err != nil {
		return ocr.Task{}, fmt.Errorf("%w: open upload: %v", ocr.ErrStorage, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return ocr.Task{}, fmt.Errorf("%w: read upload: %v", ocr.ErrStorage, err)
	}

	return ocr.Task{
		FileID:    fileID,
		MIMEType:  fileHeader.Header.Get("Content-Type"),
		SizeBytes: int64(len(data)),
		Bytes:     data,
	}, nil
}

func storageFailure(err error) ocr.Result {
	code, retryable := ocr.Classify(err)
	return ocr.Result{
		Success:   false,
		Error:     err.Error(),
		ErrorCode: code,
		Retryable: retryable,
	}
}

// ocrStatus maps one extraction outcome to an HTTP status. The result
// envelope carries the full detail either way.
func ocrStatus(result ocr.Result) int {
	if result.Success {
		return http.StatusOK
	}
	switch result.ErrorCode {
	case ocr.CodeValidationFailed:
		return http.StatusBadRequest
	case ocr.CodeUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case ocr.CodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case ocr.CodeProcessingTimeout:
		return http.StatusGatewayTimeout
	case ocr.CodeStorageError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}
