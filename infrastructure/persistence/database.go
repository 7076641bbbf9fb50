package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/irfndi/accounting-finance-manager-sub006/domain/persistence"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DatabaseManager implements the persistence.DatabaseManager interface
type DatabaseManager struct {
	db             *gorm.DB
	extractionRepo persistence.ExtractionRepository
}

// NewDatabaseManager creates a new database manager instance
func NewDatabaseManager() *DatabaseManager {
	return &DatabaseManager{}
}

// Connect establishes database connection
func (dm *DatabaseManager) Connect(ctx context.Context, dsn string) error {
	logrus.Info("Connecting to PostgreSQL database...")

	// Configure GORM logger
	gormLogger := logger.New(
		logrus.StandardLogger(),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	// Connect to database
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	// Get underlying SQL DB for connection pool configuration
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}

	// Configure connection pool
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// Test connection
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	dm.db = db
	dm.extractionRepo = NewExtractionRepository(db)

	logrus.Info("Successfully connected to PostgreSQL database")
	return nil
}

// Close closes the database connection
func (dm *DatabaseManager) Close() error {
	if dm.db == nil {
		return nil
	}

	sqlDB, err := dm.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying SQL DB for close: %w", err)
	}

	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}

	logrus.Info("Database connection closed successfully")
	return nil
}

// Migrate runs database migrations
func (dm *DatabaseManager) Migrate() error {
	if dm.db == nil {
		return fmt.Errorf("database connection not established")
	}

	logrus.Info("Running database migrations...")

	// gen_random_uuid() needs pgcrypto on PostgreSQL < 13
	if err := dm.db.Exec("CREATE EXTENSION IF NOT EXISTS \"pgcrypto\"").Error; err != nil {
		return fmt.Errorf("failed to create pgcrypto extension: %w", err)
	}

	if err := dm.createTables(); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	// Create indexes for performance
	if err := dm.createIndexes(); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	logrus.Info("Database migrations completed successfully")
	return nil
}

// createTables creates database tables manually
func (dm *DatabaseManager) createTables() error {
	if err := dm.db.Exec(`
		CREATE TABLE IF NOT EXISTS ocr_extractions (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			document_id VARCHAR(255) NOT NULL,
			mime_type VARCHAR(100) NOT NULL,
			size_bytes BIGINT DEFAULT 0,
			success BOOLEAN DEFAULT false NOT NULL,
			error_code VARCHAR(50),
			fallback_used BOOLEAN DEFAULT false,
			duration_ms BIGINT DEFAULT 0,
			model VARCHAR(255),
			text TEXT,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		)
	`).Error; err != nil {
		return fmt.Errorf("failed to create ocr_extractions table: %w", err)
	}

	return nil
}

// createIndexes creates additional database indexes for performance
func (dm *DatabaseManager) createIndexes() error {
	indexes := []string{
		// Per-document history lookups, newest first
		"CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_ocr_extractions_document_created ON ocr_extractions (document_id, created_at DESC)",
		// Recent extractions listing
		"CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_ocr_extractions_created ON ocr_extractions (created_at DESC)",
		// Outcome counting
		"CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_ocr_extractions_success ON ocr_extractions (success)",
		// Failure triage by error code
		"CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_ocr_extractions_error_code ON ocr_extractions (error_code) WHERE error_code <> ''",
	}

	for _, index := range indexes {
		if err := dm.db.Exec(index).Error; err != nil {
			logrus.WithError(err).Warnf("Failed to create index: %s", index)
			// Continue with other indexes even if one fails
		}
	}

	return nil
}

// Health checks database connectivity
func (dm *DatabaseManager) Health(ctx context.Context) error {
	if dm.db == nil {
		return fmt.Errorf("database connection not established")
	}

	sqlDB, err := dm.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	return nil
}

// GetRepository returns the initialized extraction repository
func (dm *DatabaseManager) GetRepository() persistence.ExtractionRepository {
	return dm.extractionRepo
}
