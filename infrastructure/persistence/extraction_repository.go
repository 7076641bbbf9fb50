package persistence

import (
	"context"
	"fmt"

	"github.com/irfndi/accounting-finance-manager-sub006/domain/persistence"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ExtractionRepository implements persistence.ExtractionRepository
type ExtractionRepository struct {
	db *gorm.DB
}

// NewExtractionRepository creates a new extraction repository
func NewExtractionRepository(db *gorm.DB) persistence.ExtractionRepository {
	return &ExtractionRepository{db: db}
}

// Create creates a new extraction record
func (r *ExtractionRepository) Create(ctx context.Context, entity *persistence.ExtractionRecord) error {
	if err := r.db.WithContext(ctx).Create(entity).Error; err != nil {
		return fmt.Errorf("failed to create extraction record: %w", err)
	}
	return nil
}

// Update updates an existing extraction record
func (r *ExtractionRepository) Update(ctx context.Context, entity *persistence.ExtractionRecord) error {
	if err := r.db.WithContext(ctx).Save(entity).Error; err != nil {
		return fmt.Errorf("failed to update extraction record: %w", err)
	}
	return nil
}

// FindByID finds an extraction record by ID
func (r *ExtractionRepository) FindByID(ctx context.Context, id uuid.UUID) (*persistence.ExtractionRecord, error) {
	var record persistence.ExtractionRecord
	if err := r.db.WithContext(ctx).First(&record, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("extraction record not found: %w", err)
		}
		return nil, fmt.Errorf("failed to find extraction record: %w", err)
	}
	return &record, nil
}

// FindByDocumentID finds every extraction attempt recorded for a document,
// newest first.
func (r *ExtractionRepository) FindByDocumentID(ctx context.Context, documentID string) ([]*persistence.ExtractionRecord, error) {
	var records []*persistence.ExtractionRecord
	if err := r.db.WithContext(ctx).Where("document_id = ?", documentID).Order("created_at DESC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to find extraction records by document: %w", err)
	}
	return records, nil
}

// FindRecent finds recent extraction records
func (r *ExtractionRepository) FindRecent(ctx context.Context, limit int) ([]*persistence.ExtractionRecord, error) {
	var records []*persistence.ExtractionRecord
	query := r.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to find recent extraction records: %w", err)
	}
	return records, nil
}

// CountByOutcome counts recorded extractions grouped by success flag
func (r *ExtractionRepository) CountByOutcome(ctx context.Context) (int64, int64, error) {
	var succeeded, failed int64
	db := r.db.WithContext(ctx).Model(&persistence.ExtractionRecord{})
	if err := db.Where("success = ?", true).Count(&succeeded).Error; err != nil {
		return 0, 0, fmt.Errorf("failed to count successful extractions: %w", err)
	}
	db = r.db.WithContext(ctx).Model(&persistence.ExtractionRecord{})
	if err := db.Where("success = ?", false).Count(&failed).Error; err != nil {
		return 0, 0, fmt.Errorf("failed to count failed extractions: %w", err)
	}
	return succeeded, failed, nil
}

// Delete deletes an extraction record
func (r *ExtractionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&persistence.ExtractionRecord{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete extraction record: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("extraction record not found for deletion")
	}
	return nil
}
