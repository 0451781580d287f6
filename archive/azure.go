package archive

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/hazyhaar/edfpipe/config"
)

// AzureMirror writes block blobs into one container.
type AzureMirror struct {
	name      string
	client    *azblob.Client
	container string
	prefix    string
}

// NewAzureMirror authenticates with the account's shared key.
func NewAzureMirror(t config.ArchiveTarget) (*AzureMirror, error) {
	if t.AccountName == "" || t.AccountKey == "" || t.Container == "" {
		return nil, fmt.Errorf("account_name, account_key and container required for azure mirror")
	}
	cred, err := azblob.NewSharedKeyCredential(t.AccountName, t.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("azure credential: %w", err)
	}
	url := fmt.Sprintf("https://%s.blob.core.windows.net/", t.AccountName)
	client, err := azblob.NewClientWithSharedKeyCredential(url, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure client: %w", err)
	}
	return &AzureMirror{
		name:      targetName(t),
		client:    client,
		container: t.Container,
		prefix:    t.Prefix,
	}, nil
}

func (m *AzureMirror) Name() string { return m.name }

// Put uploads data. The blob content type is left to the service default.
func (m *AzureMirror) Put(ctx context.Context, key string, data []byte, _ string) error {
	_, err := m.client.UploadBuffer(ctx, m.container, joinKey(m.prefix, key), data, nil)
	return err
}
