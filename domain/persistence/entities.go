package persistence

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ExtractionRecord stores the outcome of one document extraction call.
// Recording is optional and best-effort; the extraction hot path never
// waits on it.
type ExtractionRecord struct {
	ID           uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	DocumentID   string    `gorm:"type:varchar(255);not null;index" json:"document_id"`
	MIMEType     string    `gorm:"type:varchar(100);not null" json:"mime_type"`
	SizeBytes    int64     `gorm:"default:0" json:"size_bytes"`
	Success      bool      `gorm:"default:false;index" json:"success"`
	ErrorCode    string    `gorm:"type:varchar(50);index" json:"error_code,omitempty"`
	FallbackUsed bool      `gorm:"default:false" json:"fallback_used"`
	DurationMs   int64     `gorm:"default:0" json:"duration_ms"`
	Model        string    `gorm:"type:varchar(255)" json:"model,omitempty"`
	Text         string    `gorm:"type:text" json:"text,omitempty"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// BeforeCreate hook for ExtractionRecord
func (r *ExtractionRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// TableName returns the table name for ExtractionRecord
func (ExtractionRecord) TableName() string {
	return "ocr_extractions"
}

// PersistenceEvent represents events that can be processed asynchronously
type PersistenceEvent[T any] struct {
	Type EventType `json:"type"`
	Data T         `json:"data"`
}

// EventType represents the type of persistence event
type EventType string

const (
	EventTypeCreateExtraction EventType = "create_extraction"
)

// CreateExtractionEvent data for creating an extraction record
type CreateExtractionEvent struct {
	Record ExtractionRecord `json:"record"`
}
