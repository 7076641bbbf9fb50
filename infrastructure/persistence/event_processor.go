package persistence

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irfndi/accounting-finance-manager-sub006/domain/persistence"

	"github.com/sirupsen/logrus"
)

// EventProcessor implements persistence.EventProcessor
type EventProcessor struct {
	extractionRepo persistence.ExtractionRepository
	eventChan      chan any
	workerCount    int
	bufferSize     int

	// State management
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	isRunning      atomic.Bool
	processedCount atomic.Int64
	errorCount     atomic.Int64

	// Health monitoring
	lastProcessedTime atomic.Value
}

// NewEventProcessor creates a new event processor
func NewEventProcessor(extractionRepo persistence.ExtractionRepository, workerCount int, bufferSize int) *EventProcessor {
	if workerCount <= 0 {
		workerCount = 5 // Default worker count
	}
	if bufferSize <= 0 {
		bufferSize = 1000 // Default buffer size
	}

	return &EventProcessor{
		extractionRepo: extractionRepo,
		eventChan:      make(chan any, bufferSize),
		workerCount:    workerCount,
		bufferSize:     bufferSize,
	}
}

// Start begins processing events from the channel
func (ep *EventProcessor) Start(ctx context.Context) error {
	if ep.isRunning.Load() {
		return fmt.Errorf("event processor is already running")
	}

	ep.ctx, ep.cancel = context.WithCancel(ctx)
	ep.isRunning.Store(true)
	ep.lastProcessedTime.Store(time.Now())

	// Start worker goroutines
	for i := 0; i < ep.workerCount; i++ {
		ep.wg.Add(1)
		go ep.worker(i)
	}

	logrus.WithFields(logrus.Fields{
		"worker_count": ep.workerCount,
		"buffer_size":  ep.bufferSize,
	}).Info("Event processor started")

	return nil
}

// Stop gracefully shuts down the event processor
func (ep *EventProcessor) Stop() error {
	if !ep.isRunning.Load() {
		return nil
	}

	logrus.Info("Stopping event processor...")

	// Cancel context to signal workers to stop
	ep.cancel()

	// Close the event channel to prevent new events
	close(ep.eventChan)

	// Wait for all workers to finish with timeout
	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.Info("Event processor stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Event processor stop timed out")
	}

	ep.isRunning.Store(false)
	return nil
}

// ProcessEvent sends an event to be processed asynchronously
func (ep *EventProcessor) ProcessEvent(event interface{}) error {
	if !ep.isRunning.Load() {
		return fmt.Errorf("event processor is not running")
	}

	select {
	case ep.eventChan <- event:
		return nil
	case <-ep.ctx.Done():
		return fmt.Errorf("event processor is shutting down")
	default:
		// Channel is full, increment error count but don't block
		ep.errorCount.Add(1)
		logrus.Warn("Event processor queue is full, dropping event")
		return fmt.Errorf("event processor queue is full")
	}
}

// Health returns the health status of the processor
func (ep *EventProcessor) Health() persistence.ProcessorHealth {
	queueSize := len(ep.eventChan)

	return persistence.ProcessorHealth{
		IsRunning:      ep.isRunning.Load(),
		QueueSize:      queueSize,
		ProcessedCount: ep.processedCount.Load(),
		ErrorCount:     ep.errorCount.Load(),
	}
}

// worker processes events from the channel
func (ep *EventProcessor) worker(workerID int) {
	defer ep.wg.Done()

	logger := logrus.WithField("worker_id", workerID)
	logger.Info("Event processor worker started")

	for {
		select {
		case event, ok := <-ep.eventChan:
			if !ok {
				logger.Info("Event channel closed, worker stopping")
				return
			}

			// Use processor context and add a per-op timeout to avoid long hangs
			opCtx, cancel := context.WithTimeout(ep.ctx, 10*time.Second)
			if err := ep.processEvent(opCtx, event); err != nil {
				ep.errorCount.Add(1)
				logger.WithError(err).Error("Failed to process event")
			} else {
				ep.processedCount.Add(1)
				ep.lastProcessedTime.Store(time.Now())
			}
			cancel()

		case <-ep.ctx.Done():
			logger.Info("Context cancelled, worker stopping")
			return
		}
	}
}

// processEvent handles individual events
func (ep *EventProcessor) processEvent(ctx context.Context, event interface{}) error {
	switch e := event.(type) {
	case persistence.PersistenceEvent[persistence.CreateExtractionEvent]:
		return ep.handleCreateExtraction(ctx, e.Data)

	// Handle direct event types for convenience
	case persistence.CreateExtractionEvent:
		return ep.handleCreateExtraction(ctx, e)

	default:
		return fmt.Errorf("unknown event type: %T", event)
	}
}

// handleCreateExtraction inserts one extraction record, retrying a couple
// of times so a brief connection hiccup does not lose the row.
func (ep *EventProcessor) handleCreateExtraction(ctx context.Context, event persistence.CreateExtractionEvent) error {
	record := event.Record

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if err := ep.extractionRepo.Create(ctx, &record); err != nil {
			lastErr = err

			if ctx.Err() != nil {
				return fmt.Errorf("failed to create extraction record: %w", err)
			}

			logrus.WithError(err).WithFields(logrus.Fields{
				"document_id": record.DocumentID,
				"attempt":     attempt + 1,
			}).Warn("Extraction record insert failed, retrying...")

			time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
			continue
		}

		return nil
	}

	return fmt.Errorf("failed to create extraction record after 3 attempts: %w", lastErr)
}

// Recorder implements persistence.ExtractionRecorder using the event processor
type Recorder struct {
	processor persistence.EventProcessor
}

// NewRecorder creates a new extraction recorder
func NewRecorder(processor persistence.EventProcessor) persistence.ExtractionRecorder {
	return &Recorder{
		processor: processor,
	}
}

// RecordExtraction queues one extraction outcome for asynchronous insertion.
// It never blocks: a stopped processor or a full queue returns an error and
// the record is dropped.
func (r *Recorder) RecordExtraction(record persistence.ExtractionRecord) error {
	event := persistence.CreateExtractionEvent{
		Record: record,
	}

	return r.processor.ProcessEvent(event)
}
