package repository

import (
	"errors"
	"time"

	"mailflow/internal/models"

	"gorm.io/gorm"
)

// EmailRepository handles database operations for the message mirror
type EmailRepository struct {
	db *gorm.DB
}

// NewEmailRepository creates a new EmailRepository
func NewEmailRepository(db *gorm.DB) *EmailRepository {
	return &EmailRepository{db: db}
}

// Create inserts a new mirrored message
func (r *EmailRepository) Create(email *models.Email) error {
	return r.db.Create(email).Error
}

// GetByMessageID retrieves a mirrored message by provider message id
func (r *EmailRepository) GetByMessageID(accountID uint, messageID string) (*models.Email, error) {
	var email models.Email
	err := r.db.Where("account_id = ? AND message_id = ?", accountID, messageID).First(&email).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &email, nil
}

// FindByMessageID retrieves a mirrored message by provider message id
// without an account scope. Used by the analysis pipeline, which receives
// bare message id lists.
func (r *EmailRepository) FindByMessageID(messageID string) (*models.Email, error) {
	var email models.Email
	err := r.db.Where("message_id = ?", messageID).First(&email).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &email, nil
}

// Upsert inserts a message or updates the existing mirror row for the same message id
func (r *EmailRepository) Upsert(email *models.Email) error {
	existing, err := r.GetByMessageID(email.AccountID, email.MessageID)
	if err != nil {
		return err
	}
	if existing == nil {
		return r.db.Create(email).Error
	}
	email.ID = existing.ID
	email.CreatedAt = existing.CreatedAt
	return r.db.Save(email).Error
}

// MarkDeleted sets the delete marker on a mirrored message. Idempotent:
// marking an already-deleted or unknown message is not an error.
func (r *EmailRepository) MarkDeleted(accountID uint, messageID string) error {
	now := time.Now()
	return r.db.Model(&models.Email{}).
		Where("account_id = ? AND message_id = ? AND is_deleted = ?", accountID, messageID, false).
		Updates(map[string]interface{}{"is_deleted": true, "deleted_at_ts": &now}).Error
}

// GetByAccount returns mirrored messages for an account, newest first
func (r *EmailRepository) GetByAccount(accountID uint, limit, offset int) ([]models.Email, error) {
	var emails []models.Email
	err := r.db.Where("account_id = ? AND is_deleted = ?", accountID, false).
		Order("date DESC").Limit(limit).Offset(offset).Find(&emails).Error
	return emails, err
}

// GetCount returns the number of non-deleted messages for an account
func (r *EmailRepository) GetCount(accountID uint) (int64, error) {
	var count int64
	err := r.db.Model(&models.Email{}).
		Where("account_id = ? AND is_deleted = ?", accountID, false).Count(&count).Error
	return count, err
}
