package repository

import (
	"errors"
	"time"

	"mailflow/internal/models"

	"gorm.io/gorm"
)

// ErrAccountNotFound is returned when an email account does not exist
var ErrAccountNotFound = errors.New("email account not found")

// EmailAccountRepository handles database operations for EmailAccount
type EmailAccountRepository struct {
	db *gorm.DB
}

// NewEmailAccountRepository creates a new EmailAccountRepository
func NewEmailAccountRepository(db *gorm.DB) *EmailAccountRepository {
	return &EmailAccountRepository{db: db}
}

// GetDB returns the database connection
func (r *EmailAccountRepository) GetDB() *gorm.DB {
	return r.db
}

// Create creates a new email account
func (r *EmailAccountRepository) Create(account *models.EmailAccount) error {
	return r.db.Create(account).Error
}

// GetByID retrieves an email account by ID with its provider preloaded
func (r *EmailAccountRepository) GetByID(id uint) (*models.EmailAccount, error) {
	var account models.EmailAccount
	err := r.db.Preload("MailProvider").First(&account, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetByEmail retrieves an email account by email address
func (r *EmailAccountRepository) GetByEmail(email string) (*models.EmailAccount, error) {
	var account models.EmailAccount
	err := r.db.Preload("MailProvider").Where("email_address = ?", email).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetActiveAutoSyncAccounts returns active accounts with auto-sync enabled
func (r *EmailAccountRepository) GetActiveAutoSyncAccounts() ([]models.EmailAccount, error) {
	var accounts []models.EmailAccount
	err := r.db.Preload("MailProvider").
		Where("is_active = ? AND auto_sync = ?", true, true).
		Find(&accounts).Error
	return accounts, err
}

// Update saves all fields of an account
func (r *EmailAccountRepository) Update(account *models.EmailAccount) error {
	return r.db.Save(account).Error
}

// UpdateSyncState persists the account-level sync outcome
func (r *EmailAccountRepository) UpdateSyncState(accountID uint, status models.SyncStatus, syncedAt *time.Time) error {
	updates := map[string]interface{}{"sync_status": status}
	if syncedAt != nil {
		updates["last_sync_at"] = syncedAt
	}
	return r.db.Model(&models.EmailAccount{}).Where("id = ?", accountID).Updates(updates).Error
}

// UpdateCustomSetting writes one key of the account's custom settings,
// preserving the rest of the map
func (r *EmailAccountRepository) UpdateCustomSetting(accountID uint, key, value string) error {
	var account models.EmailAccount
	if err := r.db.First(&account, accountID).Error; err != nil {
		return err
	}
	if account.CustomSettings == nil {
		account.CustomSettings = models.JSONMap{}
	}
	account.CustomSettings[key] = value
	return r.db.Model(&models.EmailAccount{}).Where("id = ?", accountID).
		Update("custom_settings", account.CustomSettings).Error
}

// SetRealtimeEnabled flips the realtime sync flag for an account
func (r *EmailAccountRepository) SetRealtimeEnabled(accountID uint, enabled bool) error {
	return r.db.Model(&models.EmailAccount{}).Where("id = ?", accountID).
		Update("enable_realtime", enabled).Error
}

// Delete removes an account
func (r *EmailAccountRepository) Delete(id uint) error {
	return r.db.Delete(&models.EmailAccount{}, id).Error
}
