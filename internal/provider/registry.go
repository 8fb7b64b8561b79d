package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"mailflow/internal/models"
)

// ErrUnknownProvider is returned when no factory is registered for a
// provider type.
var ErrUnknownProvider = errors.New("unknown mail provider type")

// Factory builds an unconnected client for one account.
type Factory func(account *models.EmailAccount) (Client, error)

// Registry maps provider types to client factories. Factories are
// registered once at startup; resolution happens per sync job.
type Registry struct {
	mu        sync.RWMutex
	factories map[models.MailProviderType]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[models.MailProviderType]Factory)}
}

// Register binds a factory to a provider type, replacing any previous one.
func (r *Registry) Register(providerType models.MailProviderType, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[providerType] = factory
}

// Resolve builds and connects a client for the account's provider.
func (r *Registry) Resolve(ctx context.Context, account *models.EmailAccount) (Client, error) {
	r.mu.RLock()
	factory, ok := r.factories[account.MailProvider.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, account.MailProvider.Type)
	}

	client, err := factory(account)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s client: %w", account.MailProvider.Type, err)
	}
	if err := client.Connect(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to connect %s client: %w", account.MailProvider.Type, err)
	}
	return client, nil
}
