package repository

import (
	"errors"

	"mailflow/internal/models"

	"gorm.io/gorm"
)

// WebhookSubscriptionRepository handles database operations for WebhookSubscription
type WebhookSubscriptionRepository struct {
	db *gorm.DB
}

// NewWebhookSubscriptionRepository creates a new WebhookSubscriptionRepository
func NewWebhookSubscriptionRepository(db *gorm.DB) *WebhookSubscriptionRepository {
	return &WebhookSubscriptionRepository{db: db}
}

// Save stores the subscription for an account, replacing any previous one
func (r *WebhookSubscriptionRepository) Save(sub *models.WebhookSubscription) error {
	var existing models.WebhookSubscription
	err := r.db.Where("account_id = ?", sub.AccountID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r.db.Create(sub).Error
	}
	if err != nil {
		return err
	}
	sub.ID = existing.ID
	return r.db.Save(sub).Error
}

// GetByAccountID retrieves the subscription for an account, nil if none
func (r *WebhookSubscriptionRepository) GetByAccountID(accountID uint) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	err := r.db.Where("account_id = ?", accountID).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

// DeleteByAccountID removes the subscription record for an account
func (r *WebhookSubscriptionRepository) DeleteByAccountID(accountID uint) error {
	return r.db.Where("account_id = ?", accountID).Delete(&models.WebhookSubscription{}).Error
}
