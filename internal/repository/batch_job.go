package repository

import (
	"errors"

	"mailflow/internal/models"

	"gorm.io/gorm"
)

// ErrBatchJobNotFound is returned when a batch job record does not exist
var ErrBatchJobNotFound = errors.New("batch analysis job not found")

// BatchJobRepository handles database operations for BatchAnalysisJobRecord
type BatchJobRepository struct {
	db *gorm.DB
}

// NewBatchJobRepository creates a new BatchJobRepository
func NewBatchJobRepository(db *gorm.DB) *BatchJobRepository {
	return &BatchJobRepository{db: db}
}

// Create persists a new batch job record
func (r *BatchJobRepository) Create(job *models.BatchAnalysisJobRecord) error {
	return r.db.Create(job).Error
}

// Update saves the full batch job record
func (r *BatchJobRepository) Update(job *models.BatchAnalysisJobRecord) error {
	return r.db.Save(job).Error
}

// GetByID retrieves a batch job record by id
func (r *BatchJobRepository) GetByID(id string) (*models.BatchAnalysisJobRecord, error) {
	var job models.BatchAnalysisJobRecord
	err := r.db.Where("id = ?", id).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBatchJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// GetRecent returns the most recently created batch jobs
func (r *BatchJobRepository) GetRecent(limit int) ([]models.BatchAnalysisJobRecord, error) {
	var jobs []models.BatchAnalysisJobRecord
	err := r.db.Order("created_at DESC").Limit(limit).Find(&jobs).Error
	return jobs, err
}
