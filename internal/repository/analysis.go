package repository

import (
	"errors"

	"mailflow/internal/models"

	"gorm.io/gorm"
)

// AnalysisRepository handles database operations for cached analysis results
type AnalysisRepository struct {
	db *gorm.DB
}

// NewAnalysisRepository creates a new AnalysisRepository
func NewAnalysisRepository(db *gorm.DB) *AnalysisRepository {
	return &AnalysisRepository{db: db}
}

// Save stores one analysis result, replacing any cached row for the same
// message and analysis type
func (r *AnalysisRepository) Save(result *models.AnalysisResult) error {
	var existing models.AnalysisResult
	err := r.db.Where("message_id = ? AND analysis_type = ?", result.MessageID, result.AnalysisType).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r.db.Create(result).Error
	}
	if err != nil {
		return err
	}
	result.ID = existing.ID
	return r.db.Save(result).Error
}

// HasAnalysis reports whether any cached analysis exists for a message id
func (r *AnalysisRepository) HasAnalysis(messageID string) (bool, error) {
	var count int64
	err := r.db.Model(&models.AnalysisResult{}).
		Where("message_id = ?", messageID).Count(&count).Error
	return count > 0, err
}

// FilterAnalyzed returns the subset of messageIDs that already have cached analysis
func (r *AnalysisRepository) FilterAnalyzed(messageIDs []string) ([]string, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var analyzed []string
	err := r.db.Model(&models.AnalysisResult{}).
		Where("message_id IN ?", messageIDs).
		Distinct().Pluck("message_id", &analyzed).Error
	return analyzed, err
}

// GetByMessageID returns all cached analysis rows for a message
func (r *AnalysisRepository) GetByMessageID(messageID string) ([]models.AnalysisResult, error) {
	var results []models.AnalysisResult
	err := r.db.Where("message_id = ?", messageID).Find(&results).Error
	return results, err
}
