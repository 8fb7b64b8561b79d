package repository

import (
	"errors"

	"mailflow/internal/models"

	"gorm.io/gorm"
)

// MailProviderRepository handles database operations for MailProvider
type MailProviderRepository struct {
	db *gorm.DB
}

// NewMailProviderRepository creates a new MailProviderRepository
func NewMailProviderRepository(db *gorm.DB) *MailProviderRepository {
	return &MailProviderRepository{db: db}
}

// Create creates a new mail provider
func (r *MailProviderRepository) Create(provider *models.MailProvider) error {
	return r.db.Create(provider).Error
}

// GetByID retrieves a mail provider by ID
func (r *MailProviderRepository) GetByID(id uint) (*models.MailProvider, error) {
	var provider models.MailProvider
	err := r.db.First(&provider, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New("mail provider not found")
		}
		return nil, err
	}
	return &provider, nil
}

// GetAll retrieves all mail providers
func (r *MailProviderRepository) GetAll() ([]models.MailProvider, error) {
	var providers []models.MailProvider
	err := r.db.Find(&providers).Error
	return providers, err
}

// SeedDefaultProviders creates the built-in provider entries if missing
func (r *MailProviderRepository) SeedDefaultProviders() error {
	defaults := []models.MailProvider{
		{Name: "Gmail", Type: models.ProviderTypeGmail, IMAPServer: "imap.gmail.com", IMAPPort: 993},
		{Name: "Outlook", Type: models.ProviderTypeOutlook, IMAPServer: "outlook.office365.com", IMAPPort: 993},
		{Name: "Generic IMAP", Type: models.ProviderTypeIMAP, IMAPServer: "", IMAPPort: 993},
	}

	for _, provider := range defaults {
		var existing models.MailProvider
		err := r.db.Where("name = ?", provider.Name).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := r.db.Create(&provider).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
	}
	return nil
}
