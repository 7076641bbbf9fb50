package persistence

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines the generic repository interface using Go generics
type Repository[T any] interface {
	Create(ctx context.Context, entity *T) error
	Update(ctx context.Context, entity *T) error
	FindByID(ctx context.Context, id uuid.UUID) (*T, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// ExtractionRepository defines operations specific to extraction records
type ExtractionRepository interface {
	Repository[ExtractionRecord]

	FindByDocumentID(ctx context.Context, documentID string) ([]*ExtractionRecord, error)
	FindRecent(ctx context.Context, limit int) ([]*ExtractionRecord, error)
	CountByOutcome(ctx context.Context) (succeeded int64, failed int64, err error)
}

// ExtractionRecorder accepts extraction outcomes for asynchronous
// persistence. Implementations must not block the caller; a full queue
// drops the record rather than stalling extraction.
type ExtractionRecorder interface {
	RecordExtraction(record ExtractionRecord) error
}

// EventProcessor defines the interface for processing persistence events asynchronously
type EventProcessor interface {
	// Start begins processing events from the channel
	Start(ctx context.Context) error

	// Stop gracefully shuts down the event processor
	Stop() error

	// ProcessEvent sends an event to be processed asynchronously
	ProcessEvent(event interface{}) error

	// Health returns the health status of the processor
	Health() ProcessorHealth
}

// ProcessorHealth represents the health status of the event processor
type ProcessorHealth struct {
	IsRunning      bool  `json:"is_running"`
	QueueSize      int   `json:"queue_size"`
	ProcessedCount int64 `json:"processed_count"`
	ErrorCount     int64 `json:"error_count"`
}

// DatabaseManager defines the interface for database management operations
type DatabaseManager interface {
	// Connect establishes database connection
	Connect(ctx context.Context, dsn string) error

	// Close closes the database connection
	Close() error

	// Migrate runs database migrations
	Migrate() error

	// Health checks database connectivity
	Health(ctx context.Context) error

	// GetRepository returns the initialized extraction repository
	GetRepository() ExtractionRepository
}
