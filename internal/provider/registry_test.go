package provider

import (
	"context"
	"errors"
	"testing"

	"mailflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	connected  bool
	connectErr error
}

func (f *fakeClient) Connect(ctx context.Context, account *models.EmailAccount) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}
func (f *fakeClient) IsConnected() bool { return f.connected }
func (f *fakeClient) GetFolders(ctx context.Context) ([]Folder, error) {
	return []Folder{{ID: "INBOX", Name: "INBOX"}}, nil
}
func (f *fakeClient) SyncMessages(ctx context.Context, opts SyncOptions) (*SyncResult, error) {
	return &SyncResult{}, nil
}
func (f *fakeClient) Disconnect() error { return nil }

func imapAccount() *models.EmailAccount {
	return &models.EmailAccount{
		EmailAddress: "user@example.com",
		MailProvider: models.MailProvider{Type: models.ProviderTypeIMAP},
	}
}

func TestRegistryResolveConnectsClient(t *testing.T) {
	reg := NewRegistry()
	fake := &fakeClient{}
	reg.Register(models.ProviderTypeIMAP, func(account *models.EmailAccount) (Client, error) {
		return fake, nil
	})

	client, err := reg.Resolve(context.Background(), imapAccount())
	require.NoError(t, err)
	assert.True(t, client.IsConnected())
}

func TestRegistryResolveUnknownProvider(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Resolve(context.Background(), imapAccount())
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestRegistryResolveConnectFailure(t *testing.T) {
	reg := NewRegistry()
	reg.Register(models.ProviderTypeIMAP, func(account *models.EmailAccount) (Client, error) {
		return &fakeClient{connectErr: errors.New("dial refused")}, nil
	})

	_, err := reg.Resolve(context.Background(), imapAccount())
	assert.ErrorContains(t, err, "dial refused")
}

func TestRegistryRegisterReplaces(t *testing.T) {
	reg := NewRegistry()
	first := &fakeClient{}
	second := &fakeClient{}
	reg.Register(models.ProviderTypeIMAP, func(*models.EmailAccount) (Client, error) { return first, nil })
	reg.Register(models.ProviderTypeIMAP, func(*models.EmailAccount) (Client, error) { return second, nil })

	client, err := reg.Resolve(context.Background(), imapAccount())
	require.NoError(t, err)
	assert.Same(t, second, client.(*fakeClient))
}
