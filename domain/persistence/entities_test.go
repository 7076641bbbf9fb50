package persistence

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestExtractionRecord_TableName(t *testing.T) {
	record := ExtractionRecord{}
	assert.Equal(t, "ocr_extractions", record.TableName())
}

func TestEventType_Constants(t *testing.T) {
	assert.Equal(t, EventType("create_extraction"), EventTypeCreateExtraction)
}

func TestExtractionRecord_BeforeCreate(t *testing.T) {
	tests := []struct {
		name   string
		record *ExtractionRecord
	}{
		{
			name:   "nil id gets generated",
			record: &ExtractionRecord{ID: uuid.Nil, DocumentID: "doc-1"},
		},
		{
			name:   "existing id is kept",
			record: &ExtractionRecord{ID: uuid.New(), DocumentID: "doc-2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.record.ID

			err := tt.record.BeforeCreate(&gorm.DB{})
			assert.NoError(t, err)
			assert.NotEqual(t, uuid.Nil, tt.record.ID)
			if before != uuid.Nil {
				assert.Equal(t, before, tt.record.ID)
			}
		})
	}
}

func TestPersistenceEvent_GenericType(t *testing.T) {
	event := PersistenceEvent[CreateExtractionEvent]{
		Type: EventTypeCreateExtraction,
		Data: CreateExtractionEvent{
			Record: ExtractionRecord{
				DocumentID:   "receipt-42",
				MIMEType:     "image/png",
				SizeBytes:    2048,
				Success:      true,
				DurationMs:   350,
				Model:        "qwen/qwen2.5-vl-72b-instruct",
				FallbackUsed: false,
			},
		},
	}

	assert.Equal(t, EventTypeCreateExtraction, event.Type)
	assert.Equal(t, "receipt-42", event.Data.Record.DocumentID)
	assert.Equal(t, int64(2048), event.Data.Record.SizeBytes)
	assert.True(t, event.Data.Record.Success)
}
